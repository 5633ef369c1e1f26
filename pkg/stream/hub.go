// Package stream is the authenticated long-lived channel: a websocket
// upgrade carrying the same data operations as the request API plus
// heartbeat and per-tenant broadcast subscription.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/analytics"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/broker"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/fault"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/identity"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/observability"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/tenantstore"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 32
	opTimeout      = 10 * time.Second
)

// Hub owns every live stream session.
type Hub struct {
	tokens      *identity.TokenService
	data        *tenantstore.Store
	engine      *analytics.Engine
	events      *broker.Broker
	obs         *observability.Provider
	logger      *slog.Logger
	autoAnalyze bool

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	draining bool
}

// NewHub wires the stream surface.
func NewHub(tokens *identity.TokenService, data *tenantstore.Store, engine *analytics.Engine, events *broker.Broker, obs *observability.Provider, autoAnalyze bool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		tokens:      tokens,
		data:        data,
		engine:      engine,
		events:      events,
		obs:         obs,
		logger:      logger,
		autoAnalyze: autoAnalyze,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy matches the permissive CORS surface.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP performs the upgrade and runs the session until close.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &Session{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.obs.StreamOpened(r.Context())

	go s.writePump()

	// Handshake: a token in the query string authenticates immediately;
	// otherwise the session waits for an authenticate message.
	if token := r.URL.Query().Get("token"); token != "" {
		if !h.authenticate(s, token) {
			s.closeWithNotice(websocket.ClosePolicyViolation, "authentication failed")
			return
		}
		name, _ := s.isAuthenticated()
		s.Send(encodeMessage(MsgConnected, map[string]any{
			"authenticated": true,
			"username":      name,
		}))
	} else {
		s.Send(encodeMessage(MsgAuthRequired, map[string]any{"authenticated": false}))
	}

	s.readPump()
}

// authenticate verifies the token and enrolls the session in the broker.
// A failed verification sends an error frame and reports false.
func (h *Hub) authenticate(s *Session, token string) bool {
	id, err := h.tokens.Verify(token)
	if err != nil {
		s.Send(encodeError(string(fault.KindOf(err)), fault.Message(err)))
		return false
	}
	s.mu.Lock()
	s.authenticated = true
	s.username = id.Subject
	s.role = id.Role
	s.mu.Unlock()

	h.events.Subscribe(id.Subject, s)
	return true
}

// Shutdown closes every session with a going-away notice.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.draining = true
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.closeWithNotice(websocket.CloseGoingAway, "server shutting down")
	}
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	_, present := h.sessions[s.id]
	delete(h.sessions, s.id)
	h.mu.Unlock()
	if present {
		h.events.Unsubscribe(s)
		h.obs.StreamClosed(context.Background())
	}
}

// Session is one live subscription.
type Session struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	sendMu      sync.Mutex
	send        chan []byte
	closed      bool
	closeCode   int
	closeReason string

	mu            sync.Mutex
	authenticated bool
	username      string
	role          string
}

// ID identifies the session for broker enrollment.
func (s *Session) ID() string { return s.id }

// Send enqueues a payload without blocking. False means the buffer is full
// or the session is closed; the caller drops the subscriber.
func (s *Session) Send(payload []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Drop disconnects a subscriber that cannot keep up with broadcasts.
func (s *Session) Drop() {
	s.closeWithNotice(websocket.ClosePolicyViolation, "slow consumer")
}

func (s *Session) isAuthenticated() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username, s.authenticated
}

func (s *Session) terminate() {
	s.shutdown(0, "")
}

func (s *Session) closeWithNotice(code int, reason string) {
	s.shutdown(code, reason)
}

// shutdown closes the send channel; the write pump drains any frames still
// queued (error notices included), writes the close frame when one was
// recorded, and only then closes the connection. Writing the close control
// frame directly here would overtake queued frames.
func (s *Session) shutdown(code int, reason string) {
	s.sendMu.Lock()
	if !s.closed {
		s.closed = true
		s.closeCode = code
		s.closeReason = reason
		close(s.send)
	}
	s.sendMu.Unlock()
	s.hub.remove(s)
}

func (s *Session) readPump() {
	defer s.terminate()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.Send(encodeError(string(fault.Invalid), "malformed message"))
			continue
		}
		s.handle(&msg)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				// Queue drained; deliver the close notice last.
				s.sendMu.Lock()
				code, reason := s.closeCode, s.closeReason
				s.sendMu.Unlock()
				if code != 0 {
					_ = s.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
				}
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Session) handle(msg *clientMessage) {
	switch msg.Type {
	case MsgPing:
		s.Send(encodeMessage(MsgPong, map[string]any{"server_time": time.Now().UnixMilli()}))
		return
	case MsgAuthenticate:
		if name, ok := s.isAuthenticated(); ok {
			s.Send(encodeMessage(MsgAuthenticated, map[string]any{"username": name}))
			return
		}
		if s.hub.authenticate(s, msg.Token) {
			name, _ := s.isAuthenticated()
			s.Send(encodeMessage(MsgAuthenticated, map[string]any{"username": name}))
		} else {
			// Auth failure destroys the subscription.
			s.closeWithNotice(websocket.ClosePolicyViolation, "authentication failed")
		}
		return
	}

	username, ok := s.isAuthenticated()
	if !ok {
		s.Send(encodeError(string(fault.Unauthorized), "authenticate first"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch msg.Type {
	case MsgSubmit:
		s.handleSubmit(ctx, username, msg.Value)
	case MsgRequestAnalysis:
		s.handleAnalysis(ctx, username, msg.Count)
	case MsgRequestResults:
		s.reply(ctx, username, MsgResults, func(limit int) (any, error) {
			return s.hub.data.ListResults(ctx, username, limit)
		}, msg.Limit)
	case MsgRequestHistory:
		s.reply(ctx, username, MsgHistory, func(limit int) (any, error) {
			return s.hub.data.ListHistory(ctx, username, limit)
		}, msg.Limit)
	case MsgRequestStatistics:
		stats, err := s.hub.data.Statistics(ctx, username)
		if err != nil {
			s.sendFault(err)
			return
		}
		s.Send(encodeMessage(MsgStatistics, stats))
	default:
		s.Send(encodeError(string(fault.Invalid), "unknown message type"))
	}
}

func (s *Session) handleSubmit(ctx context.Context, username string, rawValue any) {
	value, err := CoerceValue(rawValue)
	if err != nil {
		s.sendFault(err)
		return
	}
	entry, err := s.hub.data.Append(ctx, username, value)
	if err != nil {
		s.sendFault(err)
		return
	}
	s.Send(encodeMessage(MsgResultCaptured, entry))
	if s.hub.autoAnalyze {
		go s.hub.publishAnalysis(username)
	}
}

func (s *Session) handleAnalysis(ctx context.Context, username string, count *int) {
	window := s.hub.engine.BatchSize()
	if count != nil {
		if *count < 0 {
			s.sendFault(fault.New(fault.Invalid, "count must not be negative"))
			return
		}
		window = *count
	}
	raw, err := s.hub.analyze(ctx, username, window)
	if err != nil {
		s.sendFault(err)
		return
	}
	s.Send(encodeMessage(MsgAnalysis, raw))
}

func (s *Session) reply(ctx context.Context, username, msgType string, fetch func(limit int) (any, error), limit *int) {
	n := -1 // absent limit returns everything
	if limit != nil {
		if *limit < 0 {
			s.sendFault(fault.New(fault.Invalid, "limit must not be negative"))
			return
		}
		n = *limit
	}
	data, err := fetch(n)
	if err != nil {
		s.sendFault(err)
		return
	}
	s.Send(encodeMessage(msgType, data))
}

func (s *Session) sendFault(err error) {
	s.Send(encodeError(string(fault.KindOf(err)), fault.Message(err)))
}

// analyze snapshots the counters and window together and runs the engine.
func (h *Hub) analyze(ctx context.Context, username string, window int) (json.RawMessage, error) {
	stats, entries, err := h.data.Window(ctx, username, window)
	if err != nil {
		return nil, err
	}
	return h.engine.Analyze(username, entries, stats.Total, stats.LastUpdated)
}

// publishAnalysis broadcasts a fresh analysis to the tenant's subscribers.
func (h *Hub) publishAnalysis(username string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	raw, err := h.analyze(ctx, username, h.engine.BatchSize())
	if err != nil {
		h.logger.Warn("auto-analysis failed", "username", username, "error", err)
		return
	}
	h.events.Publish(username, MsgAnalysis, raw)
}

// CoerceValue accepts integers arriving as JSON numbers or numeric
// strings, matching the coerce-then-validate boundary of both surfaces.
func CoerceValue(raw any) (int, error) {
	switch v := raw.(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, fault.New(fault.Invalid, "value must be an integer")
		}
		return int(v), nil
	case string:
		return parseIntString(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fault.New(fault.Invalid, "value must be an integer")
		}
		return int(n), nil
	default:
		return 0, fault.New(fault.Invalid, "value is required and must be an integer")
	}
}
