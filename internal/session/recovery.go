package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/chat-relay/internal/bus"
)

// Registry implements transport-level connection-state recovery. When a
// client disconnects, its delivery position is parked and messages
// published while it is away are buffered in memory. A client that
// reconnects within the TTL presenting its session ID gets the buffered
// messages back without touching the durable log; one that comes back too
// late, or missed more than the buffer holds, falls back to store-backed
// catch-up replay.
type Registry struct {
	ttl       time.Duration
	maxBuffer int
	bus       bus.Bus

	mu     sync.Mutex
	parked map[string]*parkedSession
	// recent is a ring of the latest broadcasts, newest last. Park
	// backfills from it: a message published after a session's last
	// delivery but before Park would otherwise be neither delivered
	// nor buffered.
	recent []bus.Message

	sub  *bus.Subscription
	done chan struct{}
	wg   sync.WaitGroup
}

type parkedSession struct {
	lastSeq  int64
	missed   []bus.Message
	overflow bool
	expires  time.Time
}

// NewRegistry creates a registry buffering at most maxBuffer messages per
// parked session for up to ttl.
func NewRegistry(b bus.Bus, ttl time.Duration, maxBuffer int) *Registry {
	if maxBuffer < 1 {
		maxBuffer = 1
	}
	return &Registry{
		ttl:       ttl,
		maxBuffer: maxBuffer,
		bus:       b,
		parked:    make(map[string]*parkedSession),
		done:      make(chan struct{}),
	}
}

// Start subscribes the registry to the bus and begins collecting missed
// messages for parked sessions.
func (r *Registry) Start() {
	r.sub = r.bus.Subscribe()
	r.wg.Add(1)
	go r.collect()
}

// Stop unsubscribes and waits for the collector.
func (r *Registry) Stop() {
	close(r.done)
	if r.sub != nil {
		r.sub.Close()
	}
	r.wg.Wait()
}

// NewSessionID returns a fresh session ID for a connecting client.
func (r *Registry) NewSessionID() string {
	return uuid.NewString()
}

// Park records the delivery position of a disconnecting session so a
// prompt reconnect can resume without store replay.
func (r *Registry) Park(sessionID string, lastSeq int64) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &parkedSession{
		lastSeq: lastSeq,
		expires: time.Now().Add(r.ttl),
	}
	for _, msg := range r.recent {
		if msg.Sequence > lastSeq {
			p.missed = append(p.missed, msg)
		}
	}
	if len(r.recent) == r.maxBuffer && len(r.recent) > 0 && r.recent[0].Sequence > lastSeq+1 {
		// The ring may no longer reach back to the parked position;
		// better a store replay than a silent gap.
		p.overflow = true
		p.missed = nil
	}
	r.parked[sessionID] = p
}

// Resume attempts transport-level recovery for sessionID. On success it
// returns the buffered messages (ascending by sequence), the session's
// parked position, and true. It returns ok=false for unknown, expired, or
// overflowed sessions; the caller then uses store-backed catch-up.
// The session entry is consumed either way.
func (r *Registry) Resume(sessionID string) (missed []bus.Message, lastSeq int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, found := r.parked[sessionID]
	if !found {
		return nil, 0, false
	}
	delete(r.parked, sessionID)

	if p.overflow || time.Now().After(p.expires) {
		return nil, 0, false
	}

	sort.Slice(p.missed, func(i, j int) bool {
		return p.missed[i].Sequence < p.missed[j].Sequence
	})
	return p.missed, p.lastSeq, true
}

// ParkedCount reports the number of sessions currently parked.
func (r *Registry) ParkedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parked)
}

// collect buffers published messages for parked sessions and sweeps
// expired entries.
func (r *Registry) collect() {
	defer r.wg.Done()

	sweepEvery := r.ttl / 2
	if sweepEvery <= 0 {
		sweepEvery = time.Second
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep()
		case msg, ok := <-r.sub.C:
			if !ok {
				return
			}
			r.buffer(msg)
		}
	}
}

func (r *Registry) buffer(msg bus.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recent = append(r.recent, msg)
	if len(r.recent) > r.maxBuffer {
		r.recent = r.recent[1:]
	}

	// Every accepted message is published exactly once, so anything
	// arriving while a session is parked was never delivered to it live.
	// No sequence filter here: a publish can trail a higher-sequenced one,
	// and re-sending a rare replay-covered message beats dropping it.
	for _, p := range r.parked {
		if p.overflow {
			continue
		}
		if len(p.missed) >= r.maxBuffer {
			// Too far behind for in-memory recovery; the session will
			// fall back to catch-up replay on reconnect.
			p.overflow = true
			p.missed = nil
			continue
		}
		p.missed = append(p.missed, msg)
	}
}

func (r *Registry) sweep() {
	now := time.Now()
	r.mu.Lock()
	var expired int
	for id, p := range r.parked {
		if now.After(p.expires) {
			delete(r.parked, id)
			expired++
		}
	}
	r.mu.Unlock()
	if expired > 0 {
		slog.Debug("Swept expired recovery sessions", "count", expired)
	}
}
