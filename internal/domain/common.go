package domain

// Side represents the direction of a position (BUY or SELL).
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// TradeStatus represents the lifecycle state of a trade.
type TradeStatus string

const (
	StatusPending TradeStatus = "pending"
	StatusOpen    TradeStatus = "open"
	StatusClosing TradeStatus = "closing"
	StatusClosed  TradeStatus = "closed"
	StatusExpired TradeStatus = "expired"
	StatusError   TradeStatus = "error"
)

// IsTerminal reports whether the status admits no further automatic
// transitions. StatusError requires operator intervention to clear and is
// terminal from the engine's point of view.
func (s TradeStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusExpired || s == StatusError
}

// StopReason indicates why a position was (or is being) force-closed.
type StopReason string

const (
	ReasonExpiry      StopReason = "expiry"
	ReasonProbability StopReason = "probability_threshold"
	ReasonMomentum    StopReason = "momentum_spike"
	ReasonManual      StopReason = "manual"
	ReasonFill        StopReason = "fill_confirmed"
	ReasonRejected    StopReason = "execution_rejected"
	ReasonEscalation  StopReason = "escalation_exhausted"
	ReasonHold        StopReason = "hold"
	ReasonStaleInput  StopReason = "stale_input"
	ReasonUnknown     StopReason = "unknown"
)
