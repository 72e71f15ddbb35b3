// Package kie calls the KIE generative-media API.
//
// Flow:
//  1. CreateTask validates the model against the catalog, then POSTs the
//     generation request; the returned task ID binds callbacks to jobs
//  2. GetTask polls a task when no callback arrived
//
// Responses are classified into typed errors (see errors.go) and retried
// with full-jitter exponential backoff. A per-model circuit breaker stops
// hammering an upstream model that keeps failing. In stub mode (dry run or
// test) no network I/O happens and synthetic task IDs are returned.
package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/vladholos492-wq/mediagw/internal/catalog"
	"github.com/vladholos492-wq/mediagw/internal/circuitbreaker"
	"github.com/vladholos492-wq/mediagw/internal/idgen"
	"github.com/vladholos492-wq/mediagw/internal/logging"
	"github.com/vladholos492-wq/mediagw/internal/retry"
)

const (
	defaultBaseURL = "https://api.kie.ai"
	createTaskPath = "/api/v1/jobs/createTask"
	recordInfoPath = "/api/v1/jobs/recordInfo"

	totalTimeout   = 30 * time.Second
	connectTimeout = 10 * time.Second
	maxRetries     = 3
	maxBackoff     = 60 * time.Second
)

// TaskInfo is the upstream view of one task.
type TaskInfo struct {
	TaskID         string          `json:"taskId"`
	State          string          `json:"state"`
	Result         json.RawMessage `json:"resultJson,omitempty"`
	FailMsg        string          `json:"failMsg,omitempty"`
	UpstreamStatus string          `json:"-"`
}

// Options configures the client.
type Options struct {
	BaseURL string
	APIKey  string
	// Stub disables network I/O and fabricates task IDs.
	Stub bool
}

// Client talks to the KIE API.
type Client struct {
	baseURL string
	apiKey  string
	stub    bool
	http    *http.Client
	catalog catalog.Catalog
	breaker *circuitbreaker.Breaker

	// backoff is swappable in tests
	backoff func(attempt int, rateLimited bool) time.Duration
}

// New creates a KIE client. breaker may be nil to disable tripping.
func New(opts Options, cat catalog.Catalog, breaker *circuitbreaker.Breaker) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  opts.APIKey,
		stub:    opts.Stub,
		http: &http.Client{
			Timeout:   totalTimeout,
			Transport: transport,
		},
		catalog: cat,
		breaker: breaker,
		backoff: defaultBackoff,
	}
}

func defaultBackoff(attempt int, rateLimited bool) time.Duration {
	d := retry.FullJitterDelay(attempt, maxBackoff)
	if rateLimited {
		d *= 2
		if d > maxBackoff {
			d = maxBackoff
		}
	}
	return d
}

type createTaskRequest struct {
	Model       string          `json:"model"`
	Input       json.RawMessage `json:"input"`
	CallBackURL string          `json:"callBackUrl,omitempty"`
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// CreateTask submits a generation request and returns the upstream task ID.
// Unknown models fail with a validation error before any network I/O.
func (c *Client) CreateTask(ctx context.Context, model string, input json.RawMessage, callbackURL string) (string, error) {
	if _, err := c.catalog.Get(model); err != nil {
		return "", &APIError{Class: ClassValidation, Msg: "model not in catalog: " + model, err: ErrUnknownModel}
	}

	if c.stub {
		taskID := "stub-" + idgen.Hex(8)
		logging.L(ctx).Info("stub mode, fabricated task", "model", model, "taskId", taskID)
		return taskID, nil
	}

	if c.breaker != nil && !c.breaker.Allow(model) {
		return "", fmt.Errorf("%w: %s", ErrCircuitOpen, model)
	}

	body, err := json.Marshal(createTaskRequest{Model: model, Input: input, CallBackURL: callbackURL})
	if err != nil {
		return "", &APIError{Class: ClassValidation, Msg: "marshal request: " + err.Error(), err: err}
	}

	data, err := c.do(ctx, http.MethodPost, createTaskPath, body)
	if c.breaker != nil {
		if err != nil {
			c.breaker.RecordFailure(model)
		} else {
			c.breaker.RecordSuccess(model)
		}
	}
	if err != nil {
		return "", err
	}

	var out struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.TaskID == "" {
		return "", &APIError{Class: ClassClient, Msg: "createTask response missing taskId", err: err}
	}
	return out.TaskID, nil
}

// GetTask polls the state of a task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskInfo, error) {
	if c.stub {
		return &TaskInfo{TaskID: taskID, State: "waiting"}, nil
	}

	data, err := c.do(ctx, http.MethodGet, recordInfoPath+"?taskId="+url.QueryEscape(taskID), nil)
	if err != nil {
		return nil, err
	}

	info := &TaskInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, &APIError{Class: ClassClient, Msg: "recordInfo response malformed", err: err}
	}
	info.UpstreamStatus = info.State
	return info, nil
}

// do issues the request with retries, returning the envelope data payload.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	log := logging.L(ctx)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			rateLimited := Classify(lastErr) == ClassRateLimit
			delay := c.backoff(attempt, rateLimited)
			log.Warn("retrying upstream request",
				"path", path, "attempt", attempt, "delay", delay.String(), "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		data, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable() {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &APIError{Class: ClassValidation, Msg: "build request: " + err.Error(), err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Class: ClassNetwork, Msg: err.Error(), err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &APIError{Class: ClassNetwork, Status: resp.StatusCode, Msg: "read body: " + err.Error(), err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &APIError{Class: ClassRateLimit, Status: resp.StatusCode, Msg: trim(raw)}
	case resp.StatusCode >= 500:
		return nil, &APIError{Class: ClassServer, Status: resp.StatusCode, Msg: trim(raw)}
	case resp.StatusCode >= 400:
		return nil, &APIError{Class: ClassClient, Status: resp.StatusCode, Msg: trim(raw)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &APIError{Class: ClassClient, Status: resp.StatusCode, Msg: "malformed envelope", err: err}
	}
	if env.Code != 200 {
		return nil, &APIError{Class: ClassClient, Status: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}
	return env.Data, nil
}

func trim(raw []byte) string {
	const max = 200
	s := string(raw)
	if len(s) > max {
		s = s[:max]
	}
	return s
}
