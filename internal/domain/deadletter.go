package domain

import "time"

// DeadLetter is the durable record of a transition event whose delivery to a
// sink exhausted the retry budget. It awaits manual resolution; the
// originating state transition is already committed and is not rolled back.
type DeadLetter struct {
	EventID   string    // Identifier of the undeliverable event
	TradeID   int64     // Trade the event belongs to
	Sink      string    // Name of the sink that could not be reached
	Attempts  int       // Delivery attempts made before giving up
	LastError string    // Error from the final attempt
	CreatedAt time.Time // When the event was dead-lettered
}
