package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/api"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/auth"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/fault"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/stream"
)

// principal returns the authenticated caller or writes unauthorized.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteFault(w, r, fault.New(fault.Unauthorized, "authentication required"))
		return auth.Principal{}, false
	}
	return p, true
}

// limitParam parses ?limit / ?count. Absent means "no bound" (-1); zero is
// a valid explicit value and yields an empty tail.
func limitParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fault.Newf(fault.Invalid, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	var body struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.WriteFault(w, r, fault.New(fault.Invalid, "malformed request body"))
		return
	}
	value, err := stream.CoerceValue(body.Value)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}

	entry, err := s.data.Append(r.Context(), p.Username, value)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}

	if s.cfg.AutoAnalyze {
		go s.publishAnalysis(p.Username)
	}

	api.WriteSuccess(w, http.StatusCreated, map[string]any{"result": entry})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	limit, err := limitParam(r, "limit")
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	entries, err := s.data.ListResults(r.Context(), p.Username, limit)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, map[string]any{"results": entries})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	limit, err := limitParam(r, "limit")
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	entries, err := s.data.ListHistory(r.Context(), p.Username, limit)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	stats, err := s.data.Statistics(r.Context(), p.Username)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, map[string]any{"statistics": stats})
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	window := s.engine.BatchSize()
	if count, err := limitParam(r, "count"); err != nil {
		api.WriteFault(w, r, err)
		return
	} else if count >= 0 {
		window = count
	}

	raw, err := s.analyze(r.Context(), p.Username, window)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, map[string]any{"analysis": raw})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	exp, err := s.data.Export(r.Context(), p.Username)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, map[string]any{"export": exp})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	if err := s.data.Clear(r.Context(), p.Username); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	s.events.Publish(p.Username, stream.MsgResultsCleared, nil)
	api.WriteSuccess(w, http.StatusOK, map[string]any{"cleared": true})
}

// analyze snapshots the counters and window together and runs the engine.
func (s *Server) analyze(ctx context.Context, username string, window int) (json.RawMessage, error) {
	stats, entries, err := s.data.Window(ctx, username, window)
	if err != nil {
		return nil, err
	}
	return s.engine.Analyze(username, entries, stats.Total, stats.LastUpdated)
}

// publishAnalysis pushes a fresh default-window analysis to the tenant's
// stream subscribers after a submit.
func (s *Server) publishAnalysis(username string) {
	ctx, cancel := context.WithTimeout(context.Background(), auth.RequestDeadline)
	defer cancel()
	raw, err := s.analyze(ctx, username, s.engine.BatchSize())
	if err != nil {
		s.logger.Warn("auto-analysis failed", "username", username, "error", err)
		return
	}
	s.events.Publish(username, stream.MsgAnalysis, raw)
}
