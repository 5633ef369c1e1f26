// Package api provides the JSON response envelope shared by every HTTP
// handler. Success responses carry {"success": true, ...}; failures carry
// a stable error code and a short message that never reveals internals.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/fault"
)

// ErrorBody is the error half of the response envelope.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes any payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteSuccess writes {"success": true} merged with the given fields.
func WriteSuccess(w http.ResponseWriter, status int, fields map[string]any) {
	body := make(map[string]any, len(fields)+1)
	body["success"] = true
	for k, v := range fields {
		body[k] = v
	}
	WriteJSON(w, status, body)
}

// WriteFault classifies err and writes the matching envelope. Unkinded
// errors are logged server-side and surface as a generic internal error.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	if kind == fault.Internal {
		slog.Error("internal server error", "path", r.URL.Path, "error", err)
	}
	if kind == fault.RateLimited && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "60")
	}
	WriteJSON(w, StatusForKind(kind), map[string]any{
		"success": false,
		"error": ErrorBody{
			Code:      string(kind),
			Message:   fault.Message(err),
			RequestID: w.Header().Get("X-Request-ID"),
		},
	})
}

// StatusForKind maps an error kind to its HTTP status.
func StatusForKind(kind fault.Kind) int {
	switch kind {
	case fault.Invalid:
		return http.StatusBadRequest
	case fault.Unauthorized:
		return http.StatusUnauthorized
	case fault.Forbidden:
		return http.StatusForbidden
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Conflict:
		return http.StatusConflict
	case fault.RateLimited:
		return http.StatusTooManyRequests
	case fault.Timeout:
		return http.StatusGatewayTimeout
	case fault.Integrity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteMethodNotAllowed rejects unsupported methods on a known path.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"success": false,
		"error":   ErrorBody{Code: "invalid", Message: "method not allowed"},
	})
}
