// Package server assembles the request API: routes, middleware chain, and
// the handler set over the credential store, data store, analytics engine,
// and event broker.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/analytics"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/auth"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/broker"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/config"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/credentials"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/identity"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/observability"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/stream"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/tenantstore"
)

// Server is the request API surface.
type Server struct {
	cfg    *config.Config
	creds  *credentials.Store
	tokens *identity.TokenService
	data   *tenantstore.Store
	engine *analytics.Engine
	events *broker.Broker
	hub    *stream.Hub
	obs    *observability.Provider
	logger *slog.Logger

	authLimiter *auth.FixedWindowLimiter
	started     time.Time
}

// New wires the server over its collaborators.
func New(cfg *config.Config, creds *credentials.Store, tokens *identity.TokenService, data *tenantstore.Store, engine *analytics.Engine, events *broker.Broker, hub *stream.Hub, obs *observability.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		creds:       creds,
		tokens:      tokens,
		data:        data,
		engine:      engine,
		events:      events,
		hub:         hub,
		obs:         obs,
		logger:      logger,
		authLimiter: auth.NewFixedWindowLimiter(auth.AuthWindow, auth.AuthLimit),
		started:     time.Now(),
	}
}

// Handler builds the routed handler with the full middleware chain.
// The stream upgrade bypasses the deadline and metrics wrappers: a
// websocket outlives any request deadline and needs the raw hijackable
// ResponseWriter.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/auth/verify", s.handleVerify)
	mux.HandleFunc("/api/auth/users", s.handleUsers)
	mux.HandleFunc("/api/auth/users/", s.handleUserDelete)

	mux.HandleFunc("/api/result", s.handleSubmit)
	mux.HandleFunc("/api/results", s.handleResults)
	mux.HandleFunc("/api/statistics", s.handleStatistics)
	mux.HandleFunc("/api/analysis", s.handleAnalysis)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/export", s.handleExport)
	mux.HandleFunc("/api/clear", s.handleClear)

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/check", s.handleCheck)
	mux.HandleFunc("/status", s.handleStatus)

	var apiChain http.Handler = mux
	apiChain = auth.Middleware(s.tokens)(apiChain)
	apiChain = s.obs.Middleware(apiChain)
	apiChain = auth.DeadlineMiddleware(apiChain)
	if s.cfg.GlobalRateRPS > 0 {
		apiChain = auth.GlobalLimitMiddleware(auth.NewGlobalRateLimiter(s.cfg.GlobalRateRPS, s.cfg.GlobalRateBurst))(apiChain)
	}
	apiChain = auth.CORSMiddleware(s.cfg.CORSOrigins)(apiChain)
	apiChain = auth.RequestIDMiddleware(apiChain)

	root := http.NewServeMux()
	root.Handle("/ws", s.hub)
	root.Handle("/", apiChain)
	return root
}
