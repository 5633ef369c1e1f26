package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/analytics"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/broker"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/config"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/credentials"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/identity"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/observability"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/sealbox"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/stream"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/tenantstore"
)

const testAdminPassword = "AdminPass123!"

func newTestServer(t *testing.T, opts ...func(*config.Config)) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		Port:             "0",
		Environment:      "development",
		DataDir:          t.TempDir(),
		BatchSize:        10,
		EnableEncryption: true,
		AutoAnalyze:      false,
		JWTSecret:        "server-test-secret-0123456789abcdef",
		JWTExpiration:    time.Hour,
		GlobalRateRPS:    50,
		GlobalRateBurst:  100,
		AdminUsername:    "admin",
		AdminPassword:    testAdminPassword,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dataKey, err := sealbox.New(sealbox.DeriveKey([]byte(cfg.JWTSecret), "tenant-data"))
	require.NoError(t, err)
	credKey, err := sealbox.New(sealbox.DeriveKey([]byte(cfg.JWTSecret), "credentials"))
	require.NoError(t, err)

	creds, err := credentials.Open(cfg.DataDir, credKey, cfg.AdminUsername, cfg.AdminPassword, logger)
	require.NoError(t, err)

	tokens := identity.NewTokenService([]byte(cfg.JWTSecret), cfg.JWTExpiration)
	data := tenantstore.New(cfg.DataDir, dataKey, cfg.EnableEncryption, logger)
	engine := analytics.New(cfg.BatchSize)
	data.SetOnMutate(engine.Invalidate)
	events := broker.New(logger)
	data.SetOnAppend(func(username string, entry tenantstore.ResultEntry) {
		events.Publish(username, stream.MsgResultUpdate, entry)
	})

	obs, err := observability.New(context.Background(), observability.Config{
		ServiceName: "tokyo-predictor-test",
		Environment: cfg.Environment,
	}, logger)
	require.NoError(t, err)

	hub := stream.NewHub(tokens, data, engine, events, obs, cfg.AutoAnalyze, logger)
	srv := New(cfg, creds, tokens, data, engine, events, hub, obs, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// call issues a JSON request and decodes the envelope.
func call(t *testing.T, ts *httptest.Server, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp.StatusCode, envelope
}

func register(t *testing.T, ts *httptest.Server, username, password string) {
	t.Helper()
	status, envelope := call(t, ts, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username, "password": password,
	})
	require.Equal(t, http.StatusCreated, status, "register envelope: %v", envelope)
}

func login(t *testing.T, ts *httptest.Server, username, password string) string {
	t.Helper()
	status, envelope := call(t, ts, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": username, "password": password,
	})
	require.Equal(t, http.StatusOK, status, "login envelope: %v", envelope)
	token, _ := envelope["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func errorCode(envelope map[string]any) string {
	errBody, _ := envelope["error"].(map[string]any)
	code, _ := errBody["code"].(string)
	return code
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	status, envelope := call(t, ts, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, envelope["success"])
	assert.Equal(t, "healthy", envelope["status"])

	status, envelope = call(t, ts, http.MethodGet, "/check", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", envelope["status"])
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)

	status, envelope := call(t, ts, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, status)
	body, ok := envelope["status"].(map[string]any)
	require.True(t, ok, "envelope: %v", envelope)
	assert.Contains(t, body, "uptime_seconds")
	assert.Contains(t, body, "memory_mb")
	assert.Equal(t, "development", body["environment"])
	assert.NotContains(t, body, "statistics", "anonymous status has no tenant data")

	// With a bearer the caller's own statistics are included.
	token := login(t, ts, "admin", testAdminPassword)
	_, _ = call(t, ts, http.MethodPost, "/api/result", token, map[string]any{"value": 5})
	status, envelope = call(t, ts, http.MethodGet, "/status", token, nil)
	require.Equal(t, http.StatusOK, status)
	body = envelope["status"].(map[string]any)
	assert.Contains(t, body, "statistics")
}

func TestSubmitAndListFlow(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "alice", "password-for-alice")
	token := login(t, ts, "alice", "password-for-alice")

	status, envelope := call(t, ts, http.MethodPost, "/api/result", token, map[string]any{"value": 12})
	require.Equal(t, http.StatusCreated, status, "envelope: %v", envelope)
	result, ok := envelope["result"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 12, result["resultado"])
	assert.NotEmpty(t, result["fecha"])
	assert.NotEmpty(t, result["hora"])
	assert.NotZero(t, result["timestamp"])

	// A numeric string coerces.
	status, _ = call(t, ts, http.MethodPost, "/api/result", token, map[string]any{"value": "27"})
	require.Equal(t, http.StatusCreated, status)

	status, envelope = call(t, ts, http.MethodGet, "/api/results", token, nil)
	require.Equal(t, http.StatusOK, status)
	results := envelope["results"].([]any)
	require.Len(t, results, 2)

	status, envelope = call(t, ts, http.MethodGet, "/api/results?limit=1", token, nil)
	require.Equal(t, http.StatusOK, status)
	results = envelope["results"].([]any)
	require.Len(t, results, 1)
	last := results[0].(map[string]any)
	assert.EqualValues(t, 27, last["resultado"])

	status, envelope = call(t, ts, http.MethodGet, "/api/statistics", token, nil)
	require.Equal(t, http.StatusOK, status)
	stats := envelope["statistics"].(map[string]any)
	assert.EqualValues(t, 2, stats["total"])

	status, envelope = call(t, ts, http.MethodGet, "/api/history", token, nil)
	require.Equal(t, http.StatusOK, status)
	history := envelope["history"].([]any)
	// user-created marker plus two submissions.
	require.Len(t, history, 3)
	first := history[0].(map[string]any)
	assert.Equal(t, tenantstore.ActionUserCreated, first["action"])
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "alice", "password-for-alice")
	token := login(t, ts, "alice", "password-for-alice")

	for name, body := range map[string]any{
		"missing value":    map[string]any{},
		"fractional value": map[string]any{"value": 3.5},
		"non-numeric":      map[string]any{"value": "twelve"},
	} {
		status, envelope := call(t, ts, http.MethodPost, "/api/result", token, body)
		assert.Equal(t, http.StatusBadRequest, status, name)
		assert.Equal(t, false, envelope["success"], name)
		assert.Equal(t, "invalid", errorCode(envelope), name)
	}
}

func TestAnalysisEndpoint(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "alice", "password-for-alice")
	token := login(t, ts, "alice", "password-for-alice")

	for _, v := range []int{5, 10, 5, 15, 5, 10} {
		status, _ := call(t, ts, http.MethodPost, "/api/result", token, map[string]any{"value": v})
		require.Equal(t, http.StatusCreated, status)
	}

	status, envelope := call(t, ts, http.MethodGet, "/api/analysis", token, nil)
	require.Equal(t, http.StatusOK, status, "envelope: %v", envelope)
	analysis := envelope["analysis"].(map[string]any)
	assert.EqualValues(t, 6, analysis["windowSize"])

	freqs := analysis["frequencies"].(map[string]any)
	assert.EqualValues(t, 3, freqs["5"])
	assert.EqualValues(t, 2, freqs["10"])
	assert.EqualValues(t, 1, freqs["15"])

	trends := analysis["trends"].(map[string]any)
	assert.EqualValues(t, 5, trends["mostFrequent"])

	footer := analysis["statistics"].(map[string]any)
	assert.EqualValues(t, 6, footer["totalResults"])

	// An explicit window bounds the analysis.
	status, envelope = call(t, ts, http.MethodGet, "/api/analysis?count=2", token, nil)
	require.Equal(t, http.StatusOK, status)
	analysis = envelope["analysis"].(map[string]any)
	assert.EqualValues(t, 2, analysis["windowSize"])

	status, envelope = call(t, ts, http.MethodGet, "/api/analysis?count=-1", token, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid", errorCode(envelope))
}

func TestClearRetainsHistory(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "alice", "password-for-alice")
	token := login(t, ts, "alice", "password-for-alice")

	status, _ := call(t, ts, http.MethodPost, "/api/result", token, map[string]any{"value": 7})
	require.Equal(t, http.StatusCreated, status)

	status, envelope := call(t, ts, http.MethodPost, "/api/clear", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, envelope["cleared"])

	status, envelope = call(t, ts, http.MethodGet, "/api/results", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, envelope["results"])

	status, envelope = call(t, ts, http.MethodGet, "/api/history", token, nil)
	require.Equal(t, http.StatusOK, status)
	history := envelope["history"].([]any)
	require.Len(t, history, 3)
	lastEntry := history[len(history)-1].(map[string]any)
	assert.Equal(t, tenantstore.ActionResultsCleared, lastEntry["action"])
}

func TestExportEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token := login(t, ts, "admin", testAdminPassword)

	status, envelope := call(t, ts, http.MethodGet, "/api/export", token, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not-found", errorCode(envelope))

	status, _ = call(t, ts, http.MethodPost, "/api/result", token, map[string]any{"value": 3})
	require.Equal(t, http.StatusCreated, status)

	status, envelope = call(t, ts, http.MethodGet, "/api/export", token, nil)
	require.Equal(t, http.StatusOK, status)
	export := envelope["export"].(map[string]any)
	assert.Equal(t, "admin", export["username"])
	assert.Equal(t, tenantstore.SchemaVersion, export["schema_version"])
	assert.Len(t, export["results"], 1)
}

func TestTenantIsolation(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "alice", "password-for-alice")
	register(t, ts, "bob", "password-for-bobby")
	aliceToken := login(t, ts, "alice", "password-for-alice")
	bobToken := login(t, ts, "bob", "password-for-bobby")

	status, _ := call(t, ts, http.MethodPost, "/api/result", aliceToken, map[string]any{"value": 9})
	require.Equal(t, http.StatusCreated, status)

	status, envelope := call(t, ts, http.MethodGet, "/api/results", bobToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, envelope["results"], "bob must not see alice's results")
}

func TestUnauthorizedAccess(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/api/result", "/api/results", "/api/statistics", "/api/analysis", "/api/history", "/api/export", "/api/clear", "/api/auth/verify", "/api/auth/users"} {
		method := http.MethodGet
		switch path {
		case "/api/result", "/api/clear":
			method = http.MethodPost
		}
		status, envelope := call(t, ts, method, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, status, "path %s", path)
		assert.Equal(t, false, envelope["success"], "path %s", path)
		assert.Equal(t, "unauthorized", errorCode(envelope), "path %s", path)
	}

	status, envelope := call(t, ts, http.MethodGet, "/api/results", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", errorCode(envelope))
}

func TestVerifyEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token := login(t, ts, "admin", testAdminPassword)

	status, envelope := call(t, ts, http.MethodGet, "/api/auth/verify", token, nil)
	require.Equal(t, http.StatusOK, status)
	user := envelope["user"].(map[string]any)
	assert.Equal(t, "admin", user["username"])
	assert.Equal(t, "admin", user["role"])
}

func TestLoginValidation(t *testing.T) {
	ts := newTestServer(t)

	status, envelope := call(t, ts, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "admin", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", errorCode(envelope))

	status, envelope = call(t, ts, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid", errorCode(envelope))
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "alice", "password-for-alice")

	status, envelope := call(t, ts, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "password": "password-for-alice",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", errorCode(envelope))
}

func TestAuthRateLimit(t *testing.T) {
	ts := newTestServer(t)

	var status int
	var envelope map[string]any
	for i := 0; i < 6; i++ {
		status, envelope = call(t, ts, http.MethodPost, "/api/auth/login", "", map[string]string{
			"username": "admin", "password": fmt.Sprintf("wrong-%d", i),
		})
	}
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate-limited", errorCode(envelope))

	// The denial carries Retry-After.
	raw, err := json.Marshal(map[string]string{"username": "admin", "password": "wrong"})
	require.NoError(t, err)
	resp, err := ts.Client().Post(ts.URL+"/api/auth/login", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestAdminUserManagement(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "alice", "password-for-alice")
	adminToken := login(t, ts, "admin", testAdminPassword)
	aliceToken := login(t, ts, "alice", "password-for-alice")

	// Listing requires the admin role.
	status, envelope := call(t, ts, http.MethodGet, "/api/auth/users", aliceToken, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errorCode(envelope))

	status, envelope = call(t, ts, http.MethodGet, "/api/auth/users", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	users := envelope["users"].([]any)
	assert.Len(t, users, 2)
	for _, u := range users {
		assert.NotContains(t, u.(map[string]any), "password_hash")
	}

	// The bootstrap admin is protected.
	status, envelope = call(t, ts, http.MethodDelete, "/api/auth/users/admin", adminToken, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errorCode(envelope))

	status, envelope = call(t, ts, http.MethodDelete, "/api/auth/users/alice", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", envelope["deleted"])

	status, envelope = call(t, ts, http.MethodDelete, "/api/auth/users/ghost", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not-found", errorCode(envelope))
}

func TestGlobalRateLimitConfigurable(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.GlobalRateRPS = 1
		cfg.GlobalRateBurst = 1
	})

	status, _ := call(t, ts, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	status, envelope := call(t, ts, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate-limited", errorCode(envelope))

	// RPS <= 0 removes the bucket entirely.
	open := newTestServer(t, func(cfg *config.Config) { cfg.GlobalRateRPS = 0 })
	for i := 0; i < 20; i++ {
		status, _ := call(t, open, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, status)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	token := login(t, ts, "admin", testAdminPassword)

	status, envelope := call(t, ts, http.MethodDelete, "/api/results", token, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	assert.Equal(t, false, envelope["success"])
}

func TestResponseCarriesRequestID(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
