package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tradeguard/internal/domain"
	"tradeguard/internal/ports"
)

// Coordinator is the slice of the supervision loop the HTTP surface needs.
type Coordinator interface {
	ConfirmClose(ctx context.Context, conf ports.CloseConfirmation) error
	RejectClose(ctx context.Context, tradeID int64) error
	RequestManualClose(tradeID int64) error
	HandleFill(ctx context.Context, tradeID int64, fillPrice float64, at time.Time) error
	WorkingSetSize() int
}

// Server exposes the execution callbacks and operator endpoints over HTTP.
// Execution posts fills, confirmations and rejections here; operators post
// manual close requests and read supervision state.
type Server struct {
	coordinator Coordinator
	store       ports.Store
	logger      ports.Logger
	router      *gin.Engine
}

// New creates the HTTP surface.
func New(coordinator Coordinator, store ports.Store, logger ports.Logger) (*Server, error) {
	if coordinator == nil || store == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for server")
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{coordinator: coordinator, store: store, logger: logger, router: gin.New()}
	s.router.Use(gin.Recovery())

	v1 := s.router.Group("/v1")
	v1.POST("/trades", s.handleCreateTrade)
	v1.GET("/trades/:id", s.handleGetTrade)
	v1.GET("/trades/:id/events", s.handleGetEvents)
	v1.POST("/trades/:id/fill", s.handleFill)
	v1.POST("/trades/:id/confirm", s.handleConfirm)
	v1.POST("/trades/:id/close", s.handleManualClose)
	v1.GET("/positions", s.handleListPositions)
	s.router.GET("/healthz", s.handleHealth)

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type createTradeRequest struct {
	Account    string  `json:"account"`
	Contract   string  `json:"contract" binding:"required"`
	Side       string  `json:"side" binding:"required"`
	EntryPrice float64 `json:"entry_price"`
	Size       float64 `json:"size" binding:"required,gt=0"`
	Strategy   string  `json:"strategy"`
}

func (s *Server) handleCreateTrade(c *gin.Context) {
	var body createTradeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	side := domain.Side(strings.ToUpper(body.Side))
	if side != domain.Buy && side != domain.Sell {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("side must be %q or %q", domain.Buy, domain.Sell)})
		return
	}

	trade := &domain.Trade{
		Account:    body.Account,
		Contract:   body.Contract,
		Side:       side,
		EntryPrice: body.EntryPrice,
		Size:       body.Size,
		Strategy:   body.Strategy,
		OpenedAt:   time.Now().UTC(),
		Status:     domain.StatusPending,
	}
	id, err := s.store.CreateTrade(c.Request.Context(), trade)
	if err != nil {
		s.serverError(c, err)
		return
	}
	trade.ID = id
	c.JSON(http.StatusCreated, trade)
}

func (s *Server) handleGetTrade(c *gin.Context) {
	id, ok := s.tradeID(c)
	if !ok {
		return
	}
	trade, err := s.store.FindTrade(c.Request.Context(), id)
	if err != nil {
		s.serverError(c, err)
		return
	}
	if trade == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("trade %d not found", id)})
		return
	}
	c.JSON(http.StatusOK, trade)
}

func (s *Server) handleGetEvents(c *gin.Context) {
	id, ok := s.tradeID(c)
	if !ok {
		return
	}
	events, err := s.store.EventsForTrade(c.Request.Context(), id)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

type fillRequest struct {
	FillPrice float64   `json:"fill_price" binding:"required,gt=0"`
	At        time.Time `json:"at"`
}

func (s *Server) handleFill(c *gin.Context) {
	id, ok := s.tradeID(c)
	if !ok {
		return
	}
	var body fillRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.coordinator.HandleFill(c.Request.Context(), id, body.FillPrice, body.At); err != nil {
		s.coordinatorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(domain.StatusOpen)})
}

type confirmRequest struct {
	Filled    bool      `json:"filled"`
	FillPrice float64   `json:"fill_price"`
	Fee       float64   `json:"fee"`
	At        time.Time `json:"at"`
}

// handleConfirm is execution's answer to a close request: a fill settles the
// trade closed, an explicit rejection escalates it to operator review.
func (s *Server) handleConfirm(c *gin.Context) {
	id, ok := s.tradeID(c)
	if !ok {
		return
	}
	var body confirmRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !body.Filled {
		if err := s.coordinator.RejectClose(c.Request.Context(), id); err != nil {
			s.coordinatorError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": string(domain.StatusError)})
		return
	}

	err := s.coordinator.ConfirmClose(c.Request.Context(), ports.CloseConfirmation{
		TradeID:   id,
		Filled:    true,
		FillPrice: body.FillPrice,
		Fee:       body.Fee,
		At:        body.At,
	})
	if err != nil {
		s.coordinatorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(domain.StatusClosed)})
}

func (s *Server) handleManualClose(c *gin.Context) {
	id, ok := s.tradeID(c)
	if !ok {
		return
	}
	if err := s.coordinator.RequestManualClose(id); err != nil {
		s.coordinatorError(c, err)
		return
	}
	// The override is applied on the next evaluation cycle.
	c.JSON(http.StatusAccepted, gin.H{"status": "close_requested"})
}

func (s *Server) handleListPositions(c *gin.Context) {
	positions, err := s.store.ListActivePositions(c.Request.Context())
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"active_positions": s.coordinator.WorkingSetSize(),
	})
}

func (s *Server) tradeID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid trade id %q", c.Param("id"))})
		return 0, false
	}
	return id, true
}

// coordinatorError maps supervisor errors onto HTTP statuses.
func (s *Server) coordinatorError(c *gin.Context, err error) {
	var invalid *domain.ErrInvalidTransition
	switch {
	case errors.Is(err, ports.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &invalid):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.serverError(c, err)
	}
}

func (s *Server) serverError(c *gin.Context, err error) {
	s.logger.Error(c.Request.Context(), err, "Request failed", map[string]interface{}{
		"method": c.Request.Method, "path": c.Request.URL.Path})
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
