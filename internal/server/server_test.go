package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladholos492-wq/mediagw/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		BotMode:         config.ModePolling,
		StorageMode:     config.StorageJSON,
		DataDir:         t.TempDir(),
		KIEAPIURL:       config.DefaultKIEAPIURL,
		TestMode:        true,
		USDToRUB:        config.DefaultUSDToRUB,
		PriceMultiplier: config.DefaultPriceMultiplier,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := New(testConfig(t),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { s.limiter.Stop() })
	return s
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status   string   `json:"status"`
		Uptime   int64    `json:"uptime"`
		Active   bool     `json:"active"`
		LockSt   string   `json:"lock_state"`
		LockIdle *float64 `json:"lock_idle_duration"`
		Queue    struct {
			QueueDepth int `json:"queue_depth"`
		} `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.GreaterOrEqual(t, resp.Uptime, int64(0))
	assert.True(t, resp.Active) // JSON mode is always the leader
	assert.Equal(t, "holder", resp.LockSt)
	require.NotNil(t, resp.LockIdle)
	assert.GreaterOrEqual(t, *resp.LockIdle, 0.0)
	assert.Equal(t, 0, resp.Queue.QueueDepth)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mediagw_")
}

func TestCallbackRouteMounted(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/callbacks/kie", nil)
	s.Router().ServeHTTP(w, req)

	// tolerant receiver: even an empty body gets a 200
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Router().ServeHTTP(w, req)
	assert.Len(t, w.Header().Get("X-Request-ID"), 8)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "upstream-id", w.Header().Get("X-Request-ID"))
}

func TestEnsureUserFeedsJobStore(t *testing.T) {
	s := newTestServer(t)

	u, err := s.EnsureUser(context.Background(), 7, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)

	// the memory job store now knows the user, so job creation works
	price, err := s.Price("nonexistent-model")
	assert.Error(t, err)
	assert.Zero(t, price)
}

func TestStubModeCreatesSyntheticTasks(t *testing.T) {
	s := newTestServer(t)

	taskID, err := s.KIE().CreateTask(context.Background(), "any-model", nil, "")
	// empty catalog: unknown model is a validation error before any I/O
	assert.Error(t, err)
	assert.Empty(t, taskID)
}
