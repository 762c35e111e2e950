// Package gate wraps the log store's insert with idempotency semantics.
// A duplicate dedup token is not an error: it is the steady-state path for
// a client retrying a submission whose acknowledgment it never received.
package gate

import (
	"errors"
	"log/slog"

	"github.com/workspace/chat-relay/internal/store"
)

// Outcome classifies a submission.
type Outcome int

const (
	// Accepted means the message was durably stored and assigned a
	// sequence number. It must be broadcast and acknowledged.
	Accepted Outcome = iota
	// AlreadyRecorded means an earlier submission with the same dedup
	// token is already durable. Acknowledge, but do not re-broadcast.
	AlreadyRecorded
	// Unavailable means the write failed for some other reason. Nothing
	// is known about durability, so no acknowledgment may be sent; the
	// client is expected to retry with the same token.
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AlreadyRecorded:
		return "already-recorded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Result is the outcome of one submission. Sequence is set only for
// Accepted.
type Result struct {
	Outcome  Outcome
	Sequence int64
}

// Appender is the store-side contract the gate needs. *store.Store
// satisfies it.
type Appender interface {
	Append(content, dedupToken string) (int64, error)
}

// Gate is the idempotent submission path in front of the durable log.
type Gate struct {
	store Appender
}

// New creates a gate over the given store.
func New(store Appender) *Gate {
	return &Gate{store: store}
}

// Submit appends the message to the log. Only a duplicate-token failure
// proves the message is already durable; any other failure proves nothing
// and yields Unavailable so the caller withholds the acknowledgment.
func (g *Gate) Submit(content, dedupToken string) Result {
	seq, err := g.store.Append(content, dedupToken)
	if err == nil {
		return Result{Outcome: Accepted, Sequence: seq}
	}
	if errors.Is(err, store.ErrDuplicateToken) {
		return Result{Outcome: AlreadyRecorded}
	}
	slog.Warn("Message append failed, submission left unacknowledged", "error", err)
	return Result{Outcome: Unavailable}
}
