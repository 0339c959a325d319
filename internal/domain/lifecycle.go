package domain

import "fmt"

// ErrInvalidTransition is returned when a requested lifecycle transition is
// not present in the transition table. The trade's state is left unchanged.
type ErrInvalidTransition struct {
	From TradeStatus
	To   TradeStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid lifecycle transition %s -> %s", e.From, e.To)
}

// transitions is the authoritative table of valid lifecycle moves.
// StatusError is additionally reachable from every state (see CanTransition);
// nothing automatic leaves it.
var transitions = map[TradeStatus][]TradeStatus{
	StatusPending: {StatusOpen},
	StatusOpen:    {StatusClosing, StatusExpired},
	StatusClosing: {StatusClosed, StatusExpired},
	StatusClosed:  {},
	StatusExpired: {},
	StatusError:   {},
}

// CanTransition reports whether from -> to is a valid lifecycle move.
func CanTransition(from, to TradeStatus) bool {
	if to == StatusError {
		// Unrecoverable persistence/notification failure can strike anywhere.
		return from != StatusError
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition if from -> to is not in the
// transition table.
func CheckTransition(from, to TradeStatus) error {
	if !CanTransition(from, to) {
		return &ErrInvalidTransition{From: from, To: to}
	}
	return nil
}
