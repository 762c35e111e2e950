package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/chat-relay/internal/bus"
	"github.com/workspace/chat-relay/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:              8000,
		Host:              "127.0.0.1",
		AllowedOrigins:    []string{"*"},
		DBPath:            filepath.Join(t.TempDir(), "chat.db"),
		NodeID:            "test-node",
		PeerDialTimeout:   time.Second,
		PeerRetryInitial:  10 * time.Millisecond,
		PeerRetryMax:      50 * time.Millisecond,
		HTTPReadTimeout:   5 * time.Second,
		HTTPIdleTimeout:   5 * time.Second,
		WSReadBufferSize:  1024,
		WSWriteBufferSize: 1024,
		WSWriteTimeout:    5 * time.Second,
		SubscriberBuffer:  64,
		ReplayBatchSize:   4,
		RecoveryTTL:       time.Minute,
		RecoveryMaxBuffer: 64,
	}
}

// newTestServer spins up a relay on an httptest listener.
func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(cfg)
	require.NoError(t, err)

	srv.registry.Start()
	srv.mesh.Start()

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(func() {
		ts.Close()
		srv.mesh.Stop()
		srv.registry.Stop()
		_ = srv.store.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return strings.Replace(ts.URL, "http", "ws", 1) + path
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	// sessionID from the connect envelope, kept for recovery tests.
	sessionID string
	// pending holds envelopes skipped by readUntil, since ack and
	// broadcast ordering on one connection is not deterministic.
	pending []wsMessage
}

func dialClient(t *testing.T, ts *httptest.Server, query string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"+query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn}

	env := c.readEnvelope()
	require.Equal(t, "session", env.Type)
	var sess wsSessionData
	require.NoError(t, json.Unmarshal(env.Data, &sess))
	require.NotEmpty(t, sess.SessionID)
	c.sessionID = sess.SessionID
	return c
}

func (c *testClient) readEnvelope() wsMessage {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env wsMessage
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return env
}

// readUntil returns the next envelope of msgType, stashing any other
// types for later reads.
func (c *testClient) readUntil(msgType string) wsMessage {
	c.t.Helper()
	for i, env := range c.pending {
		if env.Type == msgType {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return env
		}
	}
	for i := 0; i < 20; i++ {
		env := c.readEnvelope()
		if env.Type == msgType {
			return env
		}
		c.pending = append(c.pending, env)
	}
	c.t.Fatalf("no %q envelope received", msgType)
	return wsMessage{}
}

func (c *testClient) submit(id, content, token string) {
	c.t.Helper()
	data, err := json.Marshal(wsSubmitData{ID: id, Content: content, DedupToken: token})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(wsMessage{Type: "submit", Data: data}))
}

func (c *testClient) readBroadcast() wsBroadcastData {
	c.t.Helper()
	env := c.readUntil("message")
	var msg wsBroadcastData
	require.NoError(c.t, json.Unmarshal(env.Data, &msg))
	return msg
}

func (c *testClient) readAck() wsAckData {
	c.t.Helper()
	env := c.readUntil("ack")
	var ack wsAckData
	require.NoError(c.t, json.Unmarshal(env.Data, &ack))
	return ack
}

func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	require.Empty(c.t, c.pending, "expected no traffic")
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	var env wsMessage
	err := c.conn.ReadJSON(&env)
	require.Error(c.t, err, "expected no traffic, got %+v", env)
}

func TestSubmitAckAndBroadcast(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))

	sender := dialClient(t, ts, "")
	watcher := dialClient(t, ts, "")

	sender.submit("req-1", "hi", "t1")

	ack := sender.readAck()
	assert.Equal(t, "req-1", ack.ID)
	assert.Equal(t, int64(1), ack.Sequence)

	for _, c := range []*testClient{sender, watcher} {
		msg := c.readBroadcast()
		assert.Equal(t, "hi", msg.Content)
		assert.Equal(t, int64(1), msg.Sequence)
	}
}

func TestResubmitAfterDroppedAck(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))

	sender := dialClient(t, ts, "")
	watcher := dialClient(t, ts, "")

	sender.submit("req-1", "hi", "t1")
	require.Equal(t, int64(1), sender.readAck().Sequence)
	require.Equal(t, int64(1), watcher.readBroadcast().Sequence)

	// The client never saw the ack and retries with the same token.
	sender.submit("req-2", "hi", "t1")
	retryAck := sender.readAck()
	assert.Equal(t, "req-2", retryAck.ID)
	assert.Equal(t, int64(0), retryAck.Sequence, "retry ack carries no new sequence")

	// No second row, no second broadcast.
	watcher.expectSilence(300 * time.Millisecond)
}

func TestFreshClientReceivesFullHistoryInOrder(t *testing.T) {
	srv, ts := newTestServer(t, testConfig(t))

	for i := 1; i <= 6; i++ {
		_, err := srv.store.Append(fmt.Sprintf("msg-%d", i), "")
		require.NoError(t, err)
	}

	// Six messages with a replay batch size of four exercises the
	// batched cursor walk.
	client := dialClient(t, ts, "")
	for i := 1; i <= 6; i++ {
		msg := client.readBroadcast()
		require.Equal(t, int64(i), msg.Sequence)
		require.Equal(t, fmt.Sprintf("msg-%d", i), msg.Content)
	}
}

func TestReconnectReplaysOnlyMissedMessages(t *testing.T) {
	srv, ts := newTestServer(t, testConfig(t))

	for i := 1; i <= 7; i++ {
		_, err := srv.store.Append(fmt.Sprintf("msg-%d", i), "")
		require.NoError(t, err)
	}

	// Disconnected after 5; messages 6 and 7 arrived while away.
	client := dialClient(t, ts, "?lastSeq=5")
	require.Equal(t, int64(6), client.readBroadcast().Sequence)
	require.Equal(t, int64(7), client.readBroadcast().Sequence)
	client.expectSilence(200 * time.Millisecond)
}

func TestConnectionStateRecoverySkipsStoreReplay(t *testing.T) {
	srv, ts := newTestServer(t, testConfig(t))

	first := dialClient(t, ts, "")
	sessionID := first.sessionID
	first.conn.Close()

	require.Eventually(t, func() bool {
		return srv.registry.ParkedCount() == 1
	}, 3*time.Second, 10*time.Millisecond, "session never parked")

	// A row that was never broadcast: recovery must not surface it,
	// while store replay would.
	_, err := srv.store.Append("never-broadcast", "")
	require.NoError(t, err)

	srv.bus.Publish(bus.Message{Sequence: 2, Content: "buffered-while-away"})
	time.Sleep(50 * time.Millisecond)

	resumed := dialClient(t, ts, "?session="+sessionID)
	msg := resumed.readBroadcast()
	assert.Equal(t, int64(2), msg.Sequence)
	assert.Equal(t, "buffered-while-away", msg.Content)
}

func TestExpiredSessionFallsBackToReplay(t *testing.T) {
	cfg := testConfig(t)
	cfg.RecoveryTTL = 20 * time.Millisecond
	srv, ts := newTestServer(t, cfg)

	first := dialClient(t, ts, "")
	sessionID := first.sessionID
	first.conn.Close()

	time.Sleep(100 * time.Millisecond)

	_, err := srv.store.Append("durable", "")
	require.NoError(t, err)

	// Recovery expired, so the reconnect goes through catch-up replay
	// and still sees the durable message.
	resumed := dialClient(t, ts, "?session="+sessionID+"&lastSeq=0")
	msg := resumed.readBroadcast()
	assert.Equal(t, int64(1), msg.Sequence)
	assert.Equal(t, "durable", msg.Content)
}

func TestCrossProcessFanOut(t *testing.T) {
	// Process B comes up first; process A dials its peer endpoint.
	cfgB := testConfig(t)
	cfgB.NodeID = "node-b"
	srvB, tsB := newTestServer(t, cfgB)

	cfgA := testConfig(t)
	cfgA.NodeID = "node-a"
	cfgA.PeerURLs = []string{wsURL(tsB, "/internal/peer")}
	_, tsA := newTestServer(t, cfgA)

	watcherB := dialClient(t, tsB, "")
	senderA := dialClient(t, tsA, "")

	// The peer link is dialed asynchronously and frames published while
	// it is down are dropped, so wait until B has accepted the inbound
	// link before submitting.
	require.Eventually(t, func() bool {
		return srvB.mesh.PeerCount() == 1
	}, 3*time.Second, 10*time.Millisecond, "peer link never established")

	senderA.submit("req-1", "hello from A", "t1")
	require.Equal(t, int64(1), senderA.readAck().Sequence)

	msg := watcherB.readBroadcast()
	assert.Equal(t, int64(1), msg.Sequence)
	assert.Equal(t, "hello from A", msg.Content)
}

func TestHealthEndpoint(t *testing.T) {
	srv, ts := newTestServer(t, testConfig(t))

	_, err := srv.store.Append("hi", "")
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test-node", body["node"])
	assert.Equal(t, float64(1), body["lastSequence"])
}

func TestStopIsGraceful(t *testing.T) {
	cfg := testConfig(t)
	cfg.Port = 0 // let the kernel pick
	srv, err := New(cfg)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("Start never returned after Stop")
	}
}
