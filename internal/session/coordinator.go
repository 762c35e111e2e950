// Package session glues one client connection to the delivery core: it
// routes submits through the dedup gate, accepted messages onto the bus,
// and reconnects through catch-up replay or transport-level recovery.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/workspace/chat-relay/internal/bus"
	"github.com/workspace/chat-relay/internal/gate"
	"github.com/workspace/chat-relay/internal/replay"
)

// ErrSubscriptionClosed is returned by Run when the bus evicts the
// connection as a lagging subscriber. The client is expected to reconnect
// and recover the missed range through replay.
var ErrSubscriptionClosed = errors.New("bus subscription closed")

// Conn is the transport-side contract for one client connection. The
// WebSocket layer implements it.
type Conn interface {
	// SendMessage delivers one broadcast message to the client.
	SendMessage(msg bus.Message) error
	// SendAck answers a pending submit request. sequence is 0 when the
	// message was already recorded by an earlier submission.
	SendAck(requestID string, sequence int64) error
}

// Submit is one inbound submit request.
type Submit struct {
	RequestID  string
	Content    string
	DedupToken string
}

// Config wires a coordinator.
type Config struct {
	Conn     Conn
	Gate     *gate.Gate
	Bus      bus.Bus
	Replayer *replay.Replayer

	// LastSeq is the client-declared last known sequence number
	// (0 = replay from the beginning).
	LastSeq int64
	// Recovered indicates the transport restored the session itself;
	// store-backed catch-up is skipped and Missed is delivered instead.
	Recovered bool
	// Missed holds the messages buffered while the session was parked,
	// ascending by sequence. Only meaningful when Recovered is set.
	Missed []bus.Message

	// SubmitRate and SubmitBurst bound inbound submits. A zero rate
	// disables limiting.
	SubmitRate  float64
	SubmitBurst int
}

// Coordinator runs the per-connection state machine. Run owns outbound
// delivery; HandleSubmit is called concurrently from the transport's read
// loop.
type Coordinator struct {
	conn      Conn
	gate      *gate.Gate
	bus       bus.Bus
	replayer  *replay.Replayer
	limiter   *rate.Limiter
	recovered bool
	missed    []bus.Message

	lastDelivered atomic.Int64
}

// New creates a coordinator for one connection.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		conn:      cfg.Conn,
		gate:      cfg.Gate,
		bus:       cfg.Bus,
		replayer:  cfg.Replayer,
		recovered: cfg.Recovered,
		missed:    cfg.Missed,
	}
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}
	c.lastDelivered.Store(cfg.LastSeq)
	return c
}

// Run subscribes to the bus, performs catch-up, then delivers live
// messages until ctx is cancelled or the subscription is dropped.
//
// The subscription is taken before catch-up so messages accepted during
// the replay queue up instead of being lost; anything catch-up already
// delivered is suppressed on the live path by a boundary fixed when the
// live phase begins. Above the boundary every bus arrival is delivered,
// even out of order relative to earlier arrivals — publishes race each
// other and race peer frames, and clients re-sort by sequence.
func (c *Coordinator) Run(ctx context.Context) error {
	sub := c.bus.Subscribe()
	defer sub.Close()

	if c.recovered {
		for _, msg := range c.missed {
			if err := c.deliver(msg); err != nil {
				return err
			}
		}
	} else if err := c.replayer.Replay(ctx, c.lastDelivered.Load(), c.deliver); err != nil {
		// Catch-up is best effort: future submissions stay correct
		// without it, so the connection continues live.
		slog.Warn("Catch-up replay failed, continuing live", "error", err)
	}

	boundary := c.lastDelivered.Load()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return ErrSubscriptionClosed
			}
			if msg.Sequence <= boundary {
				// Already seen via catch-up or recovery buffer.
				continue
			}
			if err := c.deliver(msg); err != nil {
				return err
			}
		}
	}
}

// HandleSubmit routes one submit request through the gate. An ack is sent
// only when the message is durably accepted or already recorded; on any
// other outcome the request stays unanswered and the client retries with
// the same dedup token.
func (c *Coordinator) HandleSubmit(req Submit) {
	if c.limiter != nil && !c.limiter.Allow() {
		// Over budget: transient from the client's point of view.
		slog.Warn("Submit rate limit exceeded", "requestId", req.RequestID)
		return
	}

	res := c.gate.Submit(req.Content, req.DedupToken)
	switch res.Outcome {
	case gate.Accepted:
		c.bus.Publish(bus.Message{Sequence: res.Sequence, Content: req.Content})
		c.ack(req.RequestID, res.Sequence)
	case gate.AlreadyRecorded:
		// Broadcast already happened at first acceptance.
		c.ack(req.RequestID, 0)
	case gate.Unavailable:
		// No ack. The missing response is the retry signal.
	}
}

// LastDelivered reports the highest sequence number sent to the client.
// Read at disconnect time to park the session for recovery.
func (c *Coordinator) LastDelivered() int64 {
	return c.lastDelivered.Load()
}

func (c *Coordinator) deliver(msg bus.Message) error {
	if err := c.conn.SendMessage(msg); err != nil {
		return err
	}
	if msg.Sequence > c.lastDelivered.Load() {
		c.lastDelivered.Store(msg.Sequence)
	}
	return nil
}

func (c *Coordinator) ack(requestID string, sequence int64) {
	if err := c.conn.SendAck(requestID, sequence); err != nil {
		// The write failed, so the client never saw the ack and will
		// retry; the retry resolves to AlreadyRecorded.
		slog.Debug("Ack delivery failed", "requestId", requestID, "error", err)
	}
}
