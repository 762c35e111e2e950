// Package replay streams the durable log to clients reconnecting after a
// gap. Replay is finite: it ends once everything above the cursor at call
// time has been emitted. Live delivery resumes on the bus afterwards.
package replay

import (
	"context"
	"fmt"

	"github.com/workspace/chat-relay/internal/bus"
	"github.com/workspace/chat-relay/internal/store"
)

// Reader is the store-side contract the replayer needs. *store.Store
// satisfies it.
type Reader interface {
	ReadAfter(ctx context.Context, after int64, limit int) ([]store.Message, error)
}

// Replayer walks the log in batches.
type Replayer struct {
	reader    Reader
	batchSize int
}

// New creates a replayer reading batchSize rows per query.
func New(reader Reader, batchSize int) *Replayer {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Replayer{reader: reader, batchSize: batchSize}
}

// Replay emits every stored message with sequence number greater than
// after, in ascending order, calling fn for each. It stops early if fn
// returns an error or ctx is cancelled. The walk is restartable: a failed
// replay can simply be retried from the caller's last delivered sequence.
func (r *Replayer) Replay(ctx context.Context, after int64, fn func(bus.Message) error) error {
	cursor := after
	for {
		batch, err := r.reader.ReadAfter(ctx, cursor, r.batchSize)
		if err != nil {
			return fmt.Errorf("replay after %d: %w", cursor, err)
		}
		for _, m := range batch {
			if err := fn(bus.Message{Sequence: m.Sequence, Content: m.Content}); err != nil {
				return err
			}
			cursor = m.Sequence
		}
		if len(batch) < r.batchSize {
			return nil
		}
	}
}
