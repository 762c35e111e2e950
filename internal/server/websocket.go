package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/chat-relay/internal/bus"
	"github.com/workspace/chat-relay/internal/session"
)

// createUpgrader creates a WebSocket upgrader with origin validation.
// WebSocket upgrades bypass CORS, so origins must be validated explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header: same-origin or non-browser client.
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks if the given origin is in the allowed list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") {
			if matchWildcardOrigin(origin, allowed) {
				return true
			}
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix := parts[0]
	suffix := parts[1]

	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	if !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The middle part (subdomain) must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// WebSocket envelope and payloads
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsSubmitData struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	DedupToken string `json:"dedupToken,omitempty"`
}

type wsAckData struct {
	ID       string `json:"id"`
	Sequence int64  `json:"sequence,omitempty"`
}

type wsBroadcastData struct {
	Content  string `json:"content"`
	Sequence int64  `json:"sequence"`
}

type wsSessionData struct {
	SessionID string `json:"sessionId"`
}

// wsConn serializes writes to one client connection and implements
// session.Conn.
type wsConn struct {
	conn         *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

func (c *wsConn) writeEnvelope(msgType string, data any) error {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = encoded
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(wsMessage{Type: msgType, Data: raw})
}

func (c *wsConn) SendMessage(msg bus.Message) error {
	return c.writeEnvelope("message", wsBroadcastData{Content: msg.Content, Sequence: msg.Sequence})
}

func (c *wsConn) SendAck(requestID string, sequence int64) error {
	return c.writeEnvelope("ack", wsAckData{ID: requestID, Sequence: sequence})
}

// handleClientWS handles one client session: transport recovery or
// catch-up replay first, then live fan-out plus inbound submits.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	lastSeq := parseLastSeq(r.URL.Query().Get("lastSeq"))

	// Transport-level recovery: a prompt reconnect presenting its old
	// session ID resumes from the in-memory buffer with no store replay.
	var missed []bus.Message
	recovered := false
	if prior := r.URL.Query().Get("session"); prior != "" {
		if m, parkedSeq, ok := s.registry.Resume(prior); ok {
			missed = m
			lastSeq = parkedSeq
			recovered = true
		}
	}

	wc := &wsConn{conn: conn, writeTimeout: s.config.WSWriteTimeout}

	// Every connection gets a fresh session ID for its own future recovery.
	sessionID := s.registry.NewSessionID()
	if err := wc.writeEnvelope("session", wsSessionData{SessionID: sessionID}); err != nil {
		slog.Warn("Session envelope write failed", "error", err)
		return
	}

	coord := session.New(session.Config{
		Conn:        wc,
		Gate:        s.gate,
		Bus:         s.bus,
		Replayer:    s.replayer,
		LastSeq:     lastSeq,
		Recovered:   recovered,
		Missed:      missed,
		SubmitRate:  s.config.SubmitRate,
		SubmitBurst: s.config.SubmitBurst,
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			// Delivery broke (dead link or evicted as a lagging
			// subscriber). Close to kick the read loop; the client
			// reconnects and catches up from the log.
			slog.Info("Session delivery ended", "session", sessionID, "error", err)
			_ = conn.Close()
		}
	}()

	s.clients.Add(1)
	slog.Info("Client connected", "session", sessionID, "recovered", recovered, "lastSeq", lastSeq)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid message format", "session", sessionID, "error", err)
			continue
		}

		switch msg.Type {
		case "submit":
			var submit wsSubmitData
			if err := json.Unmarshal(msg.Data, &submit); err != nil {
				slog.Warn("Invalid submit data", "session", sessionID, "error", err)
				continue
			}
			if submit.Content == "" {
				slog.Debug("Ignoring empty submit", "session", sessionID)
				continue
			}
			coord.HandleSubmit(session.Submit{
				RequestID:  submit.ID,
				Content:    submit.Content,
				DedupToken: submit.DedupToken,
			})

		case "ping":
			_ = wc.writeEnvelope("pong", nil)

		default:
			slog.Debug("Unknown message type", "session", sessionID, "type", msg.Type)
		}
	}

	cancel()
	<-runDone
	s.clients.Add(-1)

	// Park the delivery position so a prompt reconnect skips store replay.
	s.registry.Park(sessionID, coord.LastDelivered())
	slog.Info("Client disconnected", "session", sessionID, "lastDelivered", coord.LastDelivered())
}

// handlePeerWS accepts a fan-out link from another relay process.
func (s *Server) handlePeerWS(w http.ResponseWriter, r *http.Request) {
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Peer upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.mesh.HandlePeer(conn, r.Header.Get(bus.NodeIDHeader))
}

func parseLastSeq(raw string) int64 {
	if raw == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}
