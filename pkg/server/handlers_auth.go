package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/api"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/auth"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/credentials"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/fault"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/tenantstore"
)

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// checkAuthLimiter answers rate-limited before any credential work.
func (s *Server) checkAuthLimiter(w http.ResponseWriter, r *http.Request) bool {
	ip := auth.ClientIP(r)
	if s.authLimiter.Allow(ip) {
		return true
	}
	retry := int(s.authLimiter.RetryAfter(ip).Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	api.WriteFault(w, r, fault.New(fault.RateLimited, "too many attempts, try again later"))
	return false
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	if !s.checkAuthLimiter(w, r) {
		return
	}

	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteFault(w, r, fault.New(fault.Invalid, "malformed request body"))
		return
	}

	cred, err := s.creds.Register(req.Username, req.Password)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	s.data.AddHistoryMarker(cred.Username, tenantstore.ActionUserCreated)

	api.WriteSuccess(w, http.StatusCreated, map[string]any{
		"user": credentials.Public{
			Username:  cred.Username,
			Role:      cred.Role,
			CreatedAt: cred.CreatedAt,
		},
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	if !s.checkAuthLimiter(w, r) {
		return
	}

	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteFault(w, r, fault.New(fault.Invalid, "malformed request body"))
		return
	}

	cred, err := s.creds.Authenticate(req.Username, req.Password)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	token, err := s.tokens.Mint(cred.Username, string(cred.Role))
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}

	api.WriteSuccess(w, http.StatusOK, map[string]any{
		"token": token,
		"user": credentials.Public{
			Username:  cred.Username,
			Role:      cred.Role,
			CreatedAt: cred.CreatedAt,
		},
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteFault(w, r, fault.New(fault.Unauthorized, "authentication required"))
		return
	}
	api.WriteSuccess(w, http.StatusOK, map[string]any{
		"user": map[string]any{"username": p.Username, "role": p.Role},
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	api.WriteSuccess(w, http.StatusOK, map[string]any{"users": s.creds.List()})
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		api.WriteMethodNotAllowed(w)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	username := strings.TrimPrefix(r.URL.Path, "/api/auth/users/")
	if username == "" || strings.Contains(username, "/") {
		api.WriteFault(w, r, fault.New(fault.Invalid, "username is required"))
		return
	}

	if err := s.creds.Delete(username); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	if err := s.data.Drop(username); err != nil {
		s.logger.Error("tenant drop failed after credential deletion", "username", username, "error", err)
	}

	// The deletion marker lands in the acting admin's history; the
	// deleted tenant's log is gone with the tenant.
	if p, err := auth.GetPrincipal(r.Context()); err == nil {
		s.data.AddHistoryMarker(p.Username, tenantstore.ActionUserDeleted)
	}

	api.WriteSuccess(w, http.StatusOK, map[string]any{"deleted": username})
}

// requireAdmin enforces the admin role on an already-authenticated request.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteFault(w, r, fault.New(fault.Unauthorized, "authentication required"))
		return false
	}
	if !p.IsAdmin() {
		api.WriteFault(w, r, fault.New(fault.Forbidden, "admin role required"))
		return false
	}
	return true
}
