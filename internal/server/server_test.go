package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedrop/internal/auth"
	"sharedrop/internal/files"
	"sharedrop/internal/objectstore"
	"sharedrop/internal/records"
)

type testEnv struct {
	srv      *Server
	records  *records.MemoryStore
	objects  *objectstore.MemoryStore
	sessions *auth.Sessions
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))

	recs := records.NewMemoryStore()
	objs := objectstore.NewMemory("sharedrop", "test-secret")
	cache := files.NewRecordCache(64, time.Minute)
	sessions, err := auth.NewSessions(auth.Config{Secret: strings.Repeat("k", 32), TTL: time.Hour})
	require.NoError(t, err)

	srv := New(cfg, Deps{
		Coordinator: files.NewCoordinator(files.CoordinatorConfig{Records: recs, Objects: objs, Cache: cache, Logger: logger}),
		Gate:        files.NewGate(files.GateConfig{Records: recs, Objects: objs, Cache: cache, Logger: logger}),
		Sessions:    sessions,
		Checks:      map[string]Pinger{"database": recs, "object_store": objs},
		Logger:      logger,
	})
	return &testEnv{srv: srv, records: recs, objects: objs, sessions: sessions}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:4711"
	if user != "" {
		tok, _, err := e.sessions.Issue(user)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) reserve(t *testing.T, user string) reserveResp {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/files", user, map[string]any{
		"filename": "a.txt", "mime_type": "text/plain", "size_bytes": 10,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res reserveResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestUploadLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})

	res := env.reserve(t, "alice")
	assert.NotEmpty(t, res.FileID)
	assert.NotEmpty(t, res.PresignedPutURL)
	assert.Equal(t, files.StatusReserved, res.Status)
	assert.Equal(t, "uploads/alice/"+res.FileID, res.Locator)

	env.objects.Put(res.Locator, 10)

	w := env.do(t, http.MethodPut, "/api/v1/files/"+res.FileID+"/status", "alice", map[string]string{"status": "uploaded"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, files.StatusUploaded, decode[files.FileRecord](t, w).Status)

	w = env.do(t, http.MethodPut, "/api/v1/files/"+res.FileID+"/status", "alice", map[string]string{"status": "validated"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, files.StatusValidated, decode[files.FileRecord](t, w).Status)

	w = env.do(t, http.MethodPut, "/api/v1/files/"+res.FileID+"/status", "alice", map[string]string{"status": "validated"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/files/"+res.FileID+"/download", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"presigned_get_url":`)
	dl := decode[downloadResp](t, w)
	require.NoError(t, env.objects.Verify(dl.PresignedGetURL, http.MethodGet))
	assert.False(t, dl.ExpiresAt.IsZero())
}

func TestCompleteVerificationFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	res := env.reserve(t, "alice")

	w := env.do(t, http.MethodPut, "/api/v1/files/"+res.FileID+"/status", "alice", map[string]string{"status": "uploaded"})
	require.Equal(t, http.StatusBadGateway, w.Code)

	body := decode[completeFailure](t, w)
	assert.Equal(t, "external_service_error", body.Error.Code)
	require.NotNil(t, body.File)
	assert.Equal(t, files.StatusFailed, body.File.Status)
}

func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t, Config{})
	res := env.reserve(t, "alice")
	status := "/api/v1/files/" + res.FileID + "/status"

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		want   int
		code   string
	}{
		{"reserve anonymous", http.MethodPost, "/api/v1/files", "", map[string]any{"filename": "a", "mime_type": "text/plain", "size_bytes": 1}, 401, "unauthenticated"},
		{"reserve missing size", http.MethodPost, "/api/v1/files", "alice", map[string]any{"filename": "a", "mime_type": "text/plain"}, 400, "validation_error"},
		{"reserve unknown field", http.MethodPost, "/api/v1/files", "alice", map[string]any{"filename": "a", "bogus": true}, 400, "validation_error"},
		{"complete other owner", http.MethodPut, status, "bob", map[string]string{"status": "uploaded"}, 403, "unauthorized"},
		{"complete missing file", http.MethodPut, "/api/v1/files/nope/status", "alice", map[string]string{"status": "uploaded"}, 404, "not_found"},
		{"complete empty status", http.MethodPut, status, "alice", map[string]string{"status": ""}, 400, "validation_error"},
		{"download anonymous private", http.MethodGet, "/api/v1/files/" + res.FileID + "/download", "", nil, 401, "unauthorized"},
		{"download stranger private", http.MethodGet, "/api/v1/files/" + res.FileID + "/download", "bob", nil, 403, "unauthorized"},
		{"list bad limit", http.MethodGet, "/api/v1/files?limit=abc", "alice", nil, 400, "validation_error"},
		{"unknown route", http.MethodGet, "/api/v1/nothing", "alice", nil, 404, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.user, tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[errorBody](t, w).Error.Code)
		})
	}

	rec, err := env.records.FindByID(context.Background(), res.FileID)
	require.NoError(t, err)
	assert.Equal(t, files.StatusReserved, rec.Status)
}

func TestInvalidToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionCookie(t *testing.T) {
	env := newTestEnv(t, Config{})
	tok, _, err := env.sessions.Issue("alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	req.AddCookie(&http.Cookie{Name: env.sessions.CookieName(), Value: tok})
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestShareLink(t *testing.T) {
	env := newTestEnv(t, Config{})
	res := env.reserve(t, "alice")
	link := "/d/" + res.FileID

	w := env.do(t, http.MethodGet, link, "", nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login?next=%2Fd%2F"+res.FileID, w.Header().Get("Location"))

	w = env.do(t, http.MethodGet, link, "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, link, "alice", nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.NoError(t, env.objects.Verify(w.Header().Get("Location"), http.MethodGet))

	w = env.do(t, http.MethodPut, "/api/v1/files/"+res.FileID+"/permissions", "alice", map[string]string{"permissions": "public"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, files.PermissionPublic, decode[files.FileRecord](t, w).Permissions)

	w = env.do(t, http.MethodGet, link, "", nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Location"), "memory://sharedrop/uploads/alice/"))

	w = env.do(t, http.MethodGet, "/d/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPermissionsValidation(t *testing.T) {
	env := newTestEnv(t, Config{})
	res := env.reserve(t, "alice")

	w := env.do(t, http.MethodPut, "/api/v1/files/"+res.FileID+"/permissions", "alice", map[string]string{"permissions": "everyone"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/files/"+res.FileID+"/permissions", "bob", map[string]string{"permissions": "public"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListAndUsage(t *testing.T) {
	env := newTestEnv(t, Config{})
	first := env.reserve(t, "alice")
	env.reserve(t, "alice")
	env.reserve(t, "bob")

	w := env.do(t, http.MethodGet, "/api/v1/files?limit=1", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[listResp](t, w)
	assert.Len(t, list.Files, 1)
	assert.Equal(t, 1, list.Limit)

	w = env.do(t, http.MethodGet, "/api/v1/files", "alice", nil)
	assert.Len(t, decode[listResp](t, w).Files, 2)

	env.objects.Put(first.Locator, 10)
	w = env.do(t, http.MethodPut, "/api/v1/files/"+first.FileID+"/status", "alice", map[string]string{"status": "validated"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/users/me/usage", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	usage := decode[files.Usage](t, w)
	assert.Equal(t, int64(1), usage.FileCounts["total"])
	assert.Equal(t, int64(10), usage.ByteCounts[files.CategoryDocuments])
}

func TestReserveRateLimited(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 2, RateWindow: time.Minute})
	env.reserve(t, "alice")
	env.reserve(t, "alice")

	w := env.do(t, http.MethodPost, "/api/v1/files", "alice", map[string]any{
		"filename": "a.txt", "mime_type": "text/plain", "size_bytes": 10,
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Other endpoints are not limited.
	w = env.do(t, http.MethodGet, "/api/v1/files", "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// reserveVia posts a reservation from remote with the given
// X-Forwarded-For header and returns the status code.
func (e *testEnv) reserveVia(t *testing.T, remote, xff string) int {
	t.Helper()
	body := strings.NewReader(`{"filename":"a.txt","mime_type":"text/plain","size_bytes":10}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", body)
	req.RemoteAddr = remote
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	tok, _, err := e.sessions.Issue("alice")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w.Code
}

func TestReserveRateLimit_ForwardedForFromUntrustedPeer(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 2, RateWindow: time.Minute})

	accepted := 0
	for i := 0; i < 10; i++ {
		if env.reserveVia(t, "198.51.100.7:5000", fmt.Sprintf("10.0.0.%d", i)) == http.StatusCreated {
			accepted++
		}
	}
	assert.Equal(t, 2, accepted, "rotating X-Forwarded-For must not reset the budget")
	assert.Len(t, env.srv.limiter.visitors, 1)
}

func TestReserveRateLimit_TrustedProxy(t *testing.T) {
	env := newTestEnv(t, Config{
		RateLimit:      1,
		RateWindow:     time.Minute,
		TrustedProxies: []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")},
	})

	assert.Equal(t, http.StatusCreated, env.reserveVia(t, "10.1.2.3:443", "203.0.113.1"))
	assert.Equal(t, http.StatusCreated, env.reserveVia(t, "10.1.2.3:443", "203.0.113.2"), "each forwarded client has its own budget")
	assert.Equal(t, http.StatusTooManyRequests, env.reserveVia(t, "10.1.2.3:443", "203.0.113.1"))
}

func TestMiddlewareHeaders(t *testing.T) {
	env := newTestEnv(t, Config{HSTS: true})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-Id", "abc123")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc123", w.Header().Get("X-Request-Id"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("Strict-Transport-Security"))

	w = env.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Len(t, w.Header().Get("X-Request-Id"), 32)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{Version: "test"})
	env.reserve(t, "alice")

	w := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "sharedrop_http_requests_total")
	assert.Contains(t, body, `route="/api/v1/files"`)
	assert.Contains(t, body, "sharedrop_reservations_total")
}

type failingPinger struct{ err error }

func (f failingPinger) Ping(context.Context) error { return f.err }

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Config{Version: "1.2.3"})

	w := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[Health](t, w)
	assert.Equal(t, HealthStatusHealthy, h.Status)
	assert.Equal(t, "1.2.3", h.Version)
	assert.Equal(t, ComponentStatusUp, h.Components["database"].Status)
	assert.Equal(t, ComponentStatusUp, h.Components["object_store"].Status)

	w = env.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	env.srv.checks["object_store"] = failingPinger{errors.New("dial tcp minio.internal:9000: connection refused")}

	w = env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "minio.internal")
	h = decode[Health](t, w)
	assert.Equal(t, HealthStatusUnhealthy, h.Status)
	assert.Equal(t, ComponentStatusDown, h.Components["object_store"].Status)
	assert.Equal(t, "unreachable", h.Components["object_store"].Message)

	w = env.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "object_store unavailable")
	assert.NotContains(t, w.Body.String(), "minio.internal")
}

func TestOverallHealth(t *testing.T) {
	assert.Equal(t, HealthStatusHealthy, overallHealth(nil))
	assert.Equal(t, HealthStatusDegraded, overallHealth(map[string]ComponentHealth{
		"a": {Status: ComponentStatusUp}, "b": {Status: ComponentStatusDegraded},
	}))
	assert.Equal(t, HealthStatusUnhealthy, overallHealth(map[string]ComponentHealth{
		"a": {Status: ComponentStatusDown}, "b": {Status: ComponentStatusDegraded},
	}))
}

func TestServeAndShutdown(t *testing.T) {
	env := newTestEnv(t, Config{Addr: "127.0.0.1:0"})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- env.srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx))
	require.NoError(t, <-errCh)
	require.NoError(t, env.srv.Shutdown(ctx), "shutdown is idempotent")
}
