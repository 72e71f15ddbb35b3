package kie

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladholos492-wq/mediagw/internal/catalog"
	"github.com/vladholos492-wq/mediagw/internal/circuitbreaker"
)

func testCatalog(t *testing.T) catalog.Catalog {
	t.Helper()
	return catalog.NewStatic([]*catalog.Model{
		{ID: "sora-pro", Name: "Sora Pro", Category: catalog.CategoryVideo, PriceUSD: 0.4, Enabled: true},
	}, 100, 1.5)
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New(Options{BaseURL: srv.URL, APIKey: "test-key"}, testCatalog(t), nil)
	c.backoff = func(int, bool) time.Duration { return 0 }
	return c
}

func TestCreateTaskSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, createTaskPath, r.URL.Path)

		var req createTaskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sora-pro", req.Model)
		assert.Equal(t, "https://gw.example/callbacks/kie", req.CallBackURL)

		_, _ = w.Write([]byte(`{"code":200,"msg":"ok","data":{"taskId":"task-123"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	taskID, err := c.CreateTask(context.Background(), "sora-pro",
		json.RawMessage(`{"prompt":"a cat"}`), "https://gw.example/callbacks/kie")
	require.NoError(t, err)
	assert.Equal(t, "task-123", taskID)
}

func TestCreateTaskUnknownModelNoIO(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.CreateTask(context.Background(), "no-such-model", json.RawMessage(`{}`), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.Equal(t, ClassValidation, Classify(err))
	assert.Equal(t, int32(0), hits.Load(), "validation must reject before network I/O")
}

func TestEnvelopeCodeIsClientError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"code":422,"msg":"prompt rejected"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.CreateTask(context.Background(), "sora-pro", json.RawMessage(`{}`), "")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ClassClient, apiErr.Class)
	assert.Equal(t, 422, apiErr.Code)
	assert.False(t, apiErr.Retryable())
	assert.Equal(t, int32(1), hits.Load(), "client errors are not retried")
}

func TestServerErrorRetriedThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"code":200,"data":{"taskId":"task-9"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	taskID, err := c.CreateTask(context.Background(), "sora-pro", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	assert.Equal(t, "task-9", taskID)
	assert.Equal(t, int32(3), hits.Load())
}

func TestServerErrorExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.CreateTask(context.Background(), "sora-pro", json.RawMessage(`{}`), "")
	require.Error(t, err)
	assert.Equal(t, ClassServer, Classify(err))
	assert.Equal(t, int32(1+maxRetries), hits.Load())
}

func TestRateLimitClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	var sawDoubled bool
	c.backoff = func(attempt int, rateLimited bool) time.Duration {
		if rateLimited {
			sawDoubled = true
		}
		return 0
	}

	_, err := c.CreateTask(context.Background(), "sora-pro", json.RawMessage(`{}`), "")
	require.Error(t, err)
	assert.Equal(t, ClassRateLimit, Classify(err))
	assert.True(t, sawDoubled, "rate limit retries use the doubled backoff")
}

func TestTransportErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	c := New(Options{BaseURL: srv.URL}, testCatalog(t), nil)
	c.backoff = func(int, bool) time.Duration { return 0 }

	_, err := c.CreateTask(context.Background(), "sora-pro", json.RawMessage(`{}`), "")
	require.Error(t, err)
	assert.Equal(t, ClassNetwork, Classify(err))
}

func TestStubModeFabricatesTaskID(t *testing.T) {
	c := New(Options{Stub: true}, testCatalog(t), nil)

	taskID, err := c.CreateTask(context.Background(), "sora-pro", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(taskID, "stub-"))

	info, err := c.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, "waiting", info.State)
}

func TestCircuitBreakerTripsPerModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(2, time.Minute)
	c := New(Options{BaseURL: srv.URL}, testCatalog(t), breaker)
	c.backoff = func(int, bool) time.Duration { return 0 }

	ctx := context.Background()
	_, err := c.CreateTask(ctx, "sora-pro", json.RawMessage(`{}`), "")
	require.Error(t, err)
	_, err = c.CreateTask(ctx, "sora-pro", json.RawMessage(`{}`), "")
	require.Error(t, err)

	_, err = c.CreateTask(ctx, "sora-pro", json.RawMessage(`{}`), "")
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestGetTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, recordInfoPath, r.URL.Path)
		assert.Equal(t, "task-7", r.URL.Query().Get("taskId"))
		_, _ = w.Write([]byte(`{"code":200,"data":{"taskId":"task-7","state":"success","resultJson":{"urls":["https://cdn/x.mp4"]}}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	info, err := c.GetTask(context.Background(), "task-7")
	require.NoError(t, err)
	assert.Equal(t, "task-7", info.TaskID)
	assert.Equal(t, "success", info.State)
	assert.NotEmpty(t, info.Result)
}

func TestContextCancellationStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.backoff = func(int, bool) time.Duration { return time.Hour }

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.CreateTask(ctx, "sora-pro", json.RawMessage(`{}`), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || Classify(err) == ClassServer)
}
