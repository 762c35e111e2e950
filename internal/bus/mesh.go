package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/chat-relay/internal/backoff"
)

const (
	// peerSendBuffer is the per-peer outbound queue. Frames beyond it are
	// dropped; the peer's clients recover through catch-up replay.
	peerSendBuffer = 256

	// peerWriteTimeout is the per-frame write deadline on peer links.
	peerWriteTimeout = 5 * time.Second
)

// NodeIDHeader carries the publishing node's ID on peer handshakes, for
// logging on the accepting side.
const NodeIDHeader = "X-Chat-Relay-Node"

// MeshConfig configures the cross-process fan-out mesh.
type MeshConfig struct {
	// NodeID identifies this process in peer handshakes and logs.
	NodeID string
	// PeerURLs are the ws:// endpoints of every other cooperating process.
	PeerURLs []string
	// DialTimeout bounds a single peer dial attempt.
	DialTimeout time.Duration
	// Retry shapes the redial backoff. Zero values mean retry forever
	// with the package defaults.
	Retry backoff.Config
}

// Mesh extends a process-local hub across cooperating processes. Local
// publishes are delivered to the local hub and forwarded to every peer;
// frames received from peers go to the local hub only, so a full mesh
// delivers each message to each process exactly once per link. Ordering
// across processes is best effort — sequence numbers are authoritative.
//
// A peer that is down is redialed with backoff; frames published while a
// link is down are dropped, not queued, because reconnecting clients
// recover history from the durable log, never from the bus.
type Mesh struct {
	local  *Hub
	cfg    MeshConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	outbound []*peerLink
	inbound  int
}

type peerLink struct {
	url  string
	send chan Message
}

// NewMesh wraps the local hub. Start must be called before the mesh
// forwards anything.
func NewMesh(local *Hub, cfg MeshConfig) *Mesh {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mesh{
		local:  local,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, url := range cfg.PeerURLs {
		m.outbound = append(m.outbound, &peerLink{
			url:  url,
			send: make(chan Message, peerSendBuffer),
		})
	}
	return m
}

// Start begins dialing peers in the background.
func (m *Mesh) Start() {
	for _, p := range m.outbound {
		m.wg.Add(1)
		go m.runPeer(p)
	}
}

// Stop tears down all peer links and waits for their goroutines.
func (m *Mesh) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Publish delivers msg locally and forwards it to every peer process.
func (m *Mesh) Publish(msg Message) {
	m.local.Publish(msg)

	m.mu.Lock()
	links := make([]*peerLink, len(m.outbound))
	copy(links, m.outbound)
	m.mu.Unlock()

	for _, p := range links {
		select {
		case p.send <- msg:
		default:
			slog.Warn("Peer send queue full, dropping frame", "peer", p.url, "sequence", msg.Sequence)
		}
	}
}

// Subscribe registers a subscriber on the local hub.
func (m *Mesh) Subscribe() *Subscription {
	return m.local.Subscribe()
}

// PeerCount reports configured outbound links plus currently connected
// inbound links.
func (m *Mesh) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbound) + m.inbound
}

// HandlePeer services an inbound peer link accepted by the HTTP layer.
// It blocks reading frames until the peer disconnects, publishing each
// frame to the local hub without re-forwarding. peerNode is the remote
// node's self-reported ID, used only for logging.
func (m *Mesh) HandlePeer(conn *websocket.Conn, peerNode string) {
	if peerNode == "" {
		peerNode = "unknown"
	}

	m.mu.Lock()
	m.inbound++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inbound--
		m.mu.Unlock()
	}()

	slog.Info("Peer connected", "peer", peerNode)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("Peer disconnected", "peer", peerNode, "error", err)
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid peer frame", "peer", peerNode, "error", err)
			continue
		}
		m.local.Publish(msg)
	}
}

// runPeer maintains one outbound link: dial with backoff, drain the send
// queue into it, redial on failure.
func (m *Mesh) runPeer(p *peerLink) {
	defer m.wg.Done()

	for {
		conn, err := m.dialPeer(p.url)
		if err != nil {
			// dialPeer only fails on context cancellation.
			return
		}
		m.writeLoop(p, conn)
		_ = conn.Close()

		select {
		case <-m.ctx.Done():
			return
		default:
		}
	}
}

func (m *Mesh) dialPeer(url string) (*websocket.Conn, error) {
	var conn *websocket.Conn
	dialer := websocket.Dialer{
		HandshakeTimeout: m.cfg.DialTimeout,
	}
	header := map[string][]string{NodeIDHeader: {m.cfg.NodeID}}

	err := backoff.Do(m.ctx, m.cfg.Retry, "dial peer "+url, func(ctx context.Context) error {
		c, _, dialErr := dialer.DialContext(ctx, url, header)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Peer link established", "peer", url)
	return conn, nil
}

func (m *Mesh) writeLoop(p *peerLink, conn *websocket.Conn) {
	for {
		select {
		case <-m.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(peerWriteTimeout))
			return
		case msg := <-p.send:
			data, err := json.Marshal(msg)
			if err != nil {
				slog.Warn("Failed to marshal peer frame", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("Peer write failed, redialing", "peer", p.url, "error", err)
				return
			}
		}
	}
}
