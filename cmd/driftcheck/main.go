package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"tradeguard/internal/adapters/dualwrite"
	"tradeguard/internal/adapters/logger"
	"tradeguard/internal/adapters/sqlite"
	"tradeguard/internal/domain"
)

// driftcheck drives a scripted batch of trade lifecycles through a dual-write
// pair of SQLite backends and reports every comparison mismatch. Identical
// backends must produce zero drift; a non-zero count fails the run.
func main() {
	var (
		trades = flag.Int("trades", 250, "number of trade lifecycles to drive")
		seed   = flag.Int64("seed", 1, "deterministic seed for the scripted walk")
		dir    = flag.String("dir", "", "working directory for the database files (default: temp)")
	)
	flag.Parse()

	workDir := *dir
	if workDir == "" {
		tmp, err := os.MkdirTemp("", "driftcheck")
		if err != nil {
			log.Fatalf("FATAL: Failed to create working directory: %v", err)
		}
		defer os.RemoveAll(tmp)
		workDir = tmp
	}

	appLogger := logger.NewStdLogger(logger.LevelWarn)
	primary, err := sqlite.NewStore(sqlite.Config{
		DBPath: filepath.Join(workDir, "primary.db"),
		Logger: appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to open primary backend: %v", err)
	}
	defer primary.Close()

	secondary, err := sqlite.NewStore(sqlite.Config{
		DBPath: filepath.Join(workDir, "secondary.db"),
		Logger: appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to open secondary backend: %v", err)
	}
	defer secondary.Close()

	store, err := dualwrite.NewStore(dualwrite.Config{
		Primary:   primary,
		Secondary: secondary,
		Audit:     logger.NewChannelLogger(logger.LevelInfo, "drift-audit"),
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to build dual-write store: %v", err)
	}

	ctx := context.Background()
	rng := rand.New(rand.NewSource(*seed))
	transitions := 0
	for i := 0; i < *trades; i++ {
		n, err := driveLifecycle(ctx, store, rng)
		if err != nil {
			log.Fatalf("FATAL: Lifecycle %d failed: %v", i, err)
		}
		transitions += n
	}

	fmt.Printf("trades driven:      %d\n", *trades)
	fmt.Printf("transitions issued: %d\n", transitions)
	fmt.Printf("drift detected:     %d\n", store.DriftCount())
	if store.DriftCount() != 0 {
		os.Exit(1)
	}
}

// driveLifecycle walks one trade from pending to a randomly chosen terminal
// state, issuing the same committed transitions the supervision loop would.
func driveLifecycle(ctx context.Context, store *dualwrite.Store, rng *rand.Rand) (int, error) {
	side := domain.Buy
	if rng.Intn(2) == 1 {
		side = domain.Sell
	}
	entry := 0.50 + rng.Float64()*0.40
	size := float64(1 + rng.Intn(20))
	now := time.Now().UTC()

	trade := &domain.Trade{
		Account:    fmt.Sprintf("acct-%d", rng.Intn(8)),
		Contract:   fmt.Sprintf("ETH-27DEC24-%d-C", 3000+100*rng.Intn(10)),
		Side:       side,
		EntryPrice: entry,
		Size:       size,
		Strategy:   "driftcheck",
		OpenedAt:   now,
		Status:     domain.StatusPending,
	}
	id, err := store.CreateTrade(ctx, trade)
	if err != nil {
		return 0, fmt.Errorf("create: %w", err)
	}
	trade.ID = id

	// pending -> open
	pos := &domain.ActivePosition{
		TradeID:         id,
		MarkPrice:       entry,
		LastEvaluatedAt: now,
		LastReason:      domain.ReasonHold,
		Revision:        1,
	}
	trade.Status = domain.StatusOpen
	ev := domain.NewTransitionEvent(id, domain.StatusPending, domain.StatusOpen, domain.ReasonFill, "")
	if err := store.CommitTransition(ctx, trade, ev, pos, 0); err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	transitions := 1

	// A few evaluation cycles mutate the projection in place.
	cycles := rng.Intn(5)
	for c := 0; c < cycles; c++ {
		pos.MarkPrice = entry + (rng.Float64()-0.5)*0.2
		pos.Unrealized = domain.UnrealizedAt(side, entry, pos.MarkPrice, size)
		pos.SecondsToExpiry = float64(3600 - 60*c)
		pos.LastEvaluatedAt = time.Now().UTC()
		if err := store.UpdateActivePosition(ctx, pos); err != nil {
			return transitions, fmt.Errorf("cycle %d: %w", c, err)
		}
	}

	exit := pos.MarkPrice
	realized := domain.UnrealizedAt(side, entry, exit, size)
	closedAt := time.Now().UTC()

	switch rng.Intn(4) {
	case 0: // open -> expired
		trade.Status = domain.StatusExpired
		trade.ClosedAt = &closedAt
		trade.ExitPrice = &exit
		trade.Realized = &realized
		ev = domain.NewTransitionEvent(id, domain.StatusOpen, domain.StatusExpired, domain.ReasonExpiry, "expiry")
		if err := store.CommitTransition(ctx, trade, ev, nil, pos.Revision); err != nil {
			return transitions, fmt.Errorf("expire: %w", err)
		}
		return transitions + 1, nil

	case 1: // open -> error
		trade.Status = domain.StatusError
		trade.ClosedAt = &closedAt
		ev = domain.NewTransitionEvent(id, domain.StatusOpen, domain.StatusError, domain.ReasonUnknown, "")
		if err := store.CommitTransition(ctx, trade, ev, nil, pos.Revision); err != nil {
			return transitions, fmt.Errorf("error state: %w", err)
		}
		if err := store.FlagForReview(ctx, id, "driftcheck_scripted"); err != nil {
			return transitions, fmt.Errorf("flag: %w", err)
		}
		return transitions + 1, nil

	default: // open -> closing -> closed
		trade.Status = domain.StatusClosing
		pos.LastReason = domain.ReasonProbability
		ev = domain.NewTransitionEvent(id, domain.StatusOpen, domain.StatusClosing, domain.ReasonProbability, "probability_threshold")
		if err := store.CommitTransition(ctx, trade, ev, pos, pos.Revision); err != nil {
			return transitions, fmt.Errorf("closing: %w", err)
		}
		pos.Revision++
		transitions++

		fee := 0.01 * size
		net := realized - fee
		trade.Status = domain.StatusClosed
		trade.ClosedAt = &closedAt
		trade.ExitPrice = &exit
		trade.Realized = &net
		trade.Fees = fee
		ev = domain.NewTransitionEvent(id, domain.StatusClosing, domain.StatusClosed, domain.ReasonFill, "")
		if err := store.CommitTransition(ctx, trade, ev, nil, pos.Revision); err != nil {
			return transitions, fmt.Errorf("close: %w", err)
		}
		return transitions + 1, nil
	}
}
