package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/analytics"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/broker"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/identity"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/observability"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/sealbox"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/tenantstore"
)

type hubFixture struct {
	hub    *Hub
	tokens *identity.TokenService
	server *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	secret := []byte("stream-test-secret-0123456789abcdef")

	box, err := sealbox.New(sealbox.DeriveKey(secret, "tenant-data"))
	require.NoError(t, err)

	tokens := identity.NewTokenService(secret, time.Hour)
	data := tenantstore.New(t.TempDir(), box, true, logger)
	engine := analytics.New(10)
	data.SetOnMutate(engine.Invalidate)
	events := broker.New(logger)
	data.SetOnAppend(func(username string, entry tenantstore.ResultEntry) {
		events.Publish(username, MsgResultUpdate, entry)
	})

	obs, err := observability.New(context.Background(), observability.Config{
		ServiceName: "tokyo-predictor-test",
	}, logger)
	require.NoError(t, err)

	hub := NewHub(tokens, data, engine, events, obs, false, logger)
	ts := httptest.NewServer(hub)
	t.Cleanup(ts.Close)

	return &hubFixture{hub: hub, tokens: tokens, server: ts}
}

func (f *hubFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *hubFixture) mint(t *testing.T, username string) string {
	t.Helper()
	token, err := f.tokens.Mint(username, "user")
	require.NoError(t, err)
	return token
}

type frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Error     json.RawMessage `json:"error"`
	Timestamp int64           `json:"timestamp"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no delivery")
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestQueryTokenHandshake(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, f.mint(t, "alice"))

	hello := readFrame(t, conn)
	assert.Equal(t, MsgConnected, hello.Type)

	var data struct {
		Authenticated bool   `json:"authenticated"`
		Username      string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(hello.Data, &data))
	assert.True(t, data.Authenticated)
	assert.Equal(t, "alice", data.Username)
}

func TestMessageAuthenticationHandshake(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "")

	hello := readFrame(t, conn)
	assert.Equal(t, MsgAuthRequired, hello.Type)

	// Data operations before authentication are refused.
	writeFrame(t, conn, map[string]any{"type": MsgRequestResults})
	errFrame := readFrame(t, conn)
	assert.Equal(t, MsgError, errFrame.Type)

	writeFrame(t, conn, map[string]any{"type": MsgAuthenticate, "token": f.mint(t, "alice")})
	authed := readFrame(t, conn)
	assert.Equal(t, MsgAuthenticated, authed.Type)

	// Now the same operation succeeds.
	writeFrame(t, conn, map[string]any{"type": MsgRequestResults})
	results := readFrame(t, conn)
	assert.Equal(t, MsgResults, results.Type)
}

func TestBadTokenClosesConnection(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "")
	readFrame(t, conn) // auth-required

	writeFrame(t, conn, map[string]any{"type": MsgAuthenticate, "token": "garbage"})
	errFrame := readFrame(t, conn)
	assert.Equal(t, MsgError, errFrame.Type)

	// The error frame arrives before the close: the close frame is queued
	// behind it, carrying the policy-violation code.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestSubmitBroadcastsToTenant(t *testing.T) {
	f := newHubFixture(t)
	aliceToken := f.mint(t, "alice")

	submitter := f.dial(t, aliceToken)
	readFrame(t, submitter) // connected
	watcher := f.dial(t, aliceToken)
	readFrame(t, watcher) // connected
	outsider := f.dial(t, f.mint(t, "bob"))
	readFrame(t, outsider) // connected

	writeFrame(t, submitter, map[string]any{"type": MsgSubmit, "value": 12})

	// The broadcast fires inside the append, so the submitter sees the
	// result-update before its own result-captured reply.
	update := readFrame(t, submitter)
	assert.Equal(t, MsgResultUpdate, update.Type)

	captured := readFrame(t, submitter)
	assert.Equal(t, MsgResultCaptured, captured.Type)
	var entry tenantstore.ResultEntry
	require.NoError(t, json.Unmarshal(captured.Data, &entry))
	assert.Equal(t, 12, entry.Value)

	update = readFrame(t, watcher)
	assert.Equal(t, MsgResultUpdate, update.Type)

	// The broadcast never crosses tenants.
	expectNoFrame(t, outsider)
}

func TestSubmitValidation(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, f.mint(t, "alice"))
	readFrame(t, conn) // connected

	writeFrame(t, conn, map[string]any{"type": MsgSubmit, "value": "not-a-number"})
	errFrame := readFrame(t, conn)
	assert.Equal(t, MsgError, errFrame.Type)

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(errFrame.Error, &body))
	assert.Equal(t, "invalid", body.Code)
}

func TestRequestReplies(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, f.mint(t, "alice"))
	readFrame(t, conn) // connected

	for _, v := range []int{5, 10, 5} {
		writeFrame(t, conn, map[string]any{"type": MsgSubmit, "value": v})
		readFrame(t, conn) // result-update broadcast
		readFrame(t, conn) // result-captured
	}

	writeFrame(t, conn, map[string]any{"type": MsgRequestResults, "limit": 2})
	results := readFrame(t, conn)
	require.Equal(t, MsgResults, results.Type)
	var entries []tenantstore.ResultEntry
	require.NoError(t, json.Unmarshal(results.Data, &entries))
	assert.Len(t, entries, 2)

	writeFrame(t, conn, map[string]any{"type": MsgRequestStatistics})
	stats := readFrame(t, conn)
	require.Equal(t, MsgStatistics, stats.Type)
	var snapshot tenantstore.Statistics
	require.NoError(t, json.Unmarshal(stats.Data, &snapshot))
	assert.Equal(t, 3, snapshot.Total)

	writeFrame(t, conn, map[string]any{"type": MsgRequestHistory})
	history := readFrame(t, conn)
	require.Equal(t, MsgHistory, history.Type)

	writeFrame(t, conn, map[string]any{"type": MsgRequestAnalysis})
	analysis := readFrame(t, conn)
	require.Equal(t, MsgAnalysis, analysis.Type)
	var record map[string]any
	require.NoError(t, json.Unmarshal(analysis.Data, &record))
	assert.EqualValues(t, 3, record["windowSize"])
}

func TestPingPong(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, f.mint(t, "alice"))
	readFrame(t, conn) // connected

	writeFrame(t, conn, map[string]any{"type": MsgPing})
	pong := readFrame(t, conn)
	assert.Equal(t, MsgPong, pong.Type)
}

func TestUnknownMessageType(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, f.mint(t, "alice"))
	readFrame(t, conn) // connected

	writeFrame(t, conn, map[string]any{"type": "mystery"})
	errFrame := readFrame(t, conn)
	assert.Equal(t, MsgError, errFrame.Type)

	// Malformed JSON gets an error frame, not a disconnect.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	errFrame = readFrame(t, conn)
	assert.Equal(t, MsgError, errFrame.Type)
}

func TestSessionCountTracksLifecycle(t *testing.T) {
	f := newHubFixture(t)
	assert.Equal(t, 0, f.hub.Count())

	conn := f.dial(t, f.mint(t, "alice"))
	readFrame(t, conn) // connected
	assert.Equal(t, 1, f.hub.Count())

	conn.Close()
	require.Eventually(t, func() bool { return f.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownDrainsSessions(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, f.mint(t, "alice"))
	readFrame(t, conn) // connected

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.hub.Shutdown(ctx)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)

	// New upgrades are refused while draining.
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
