// Package delivery sends finished media to the chat platform exactly once.
//
// Flow:
//  1. Acquire the delivery lease via a conditional UPDATE on the job row;
//     concurrent callers lose with ErrAlreadyDelivering
//  2. Send by category with fallback chains (direct URL, re-uploaded
//     bytes, plain document)
//  3. Mark delivered on success; release the lease on failure so a later
//     retry can re-acquire
//
// The lease lives in the jobs table, not a process mutex, so active/passive
// failover cannot lose it.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vladholos492-wq/mediagw/internal/catalog"
	"github.com/vladholos492-wq/mediagw/internal/job"
	"github.com/vladholos492-wq/mediagw/internal/logging"
	"github.com/vladholos492-wq/mediagw/internal/metrics"
	"github.com/vladholos492-wq/mediagw/internal/security"
)

const (
	sendAttempts  = 3
	backoffStep   = 2 * time.Second
	maxFetchBytes = 50 << 20
	queueCapacity = 256
)

// PlatformError is a failed chat-platform send. RetryAfter is honored when
// the platform signals rate limiting.
type PlatformError struct {
	Msg        string
	RetryAfter time.Duration
	Permanent  bool
}

func (e *PlatformError) Error() string { return "platform: " + e.Msg }

// Sender is the chat-platform adapter the coordinator drives. Out of scope
// here; the bot layer implements it.
type Sender interface {
	SendPhoto(ctx context.Context, chatID int64, url, caption string) error
	SendPhotoBytes(ctx context.Context, chatID int64, data []byte, caption string) error
	SendVideo(ctx context.Context, chatID int64, url, caption string) error
	SendAudio(ctx context.Context, chatID int64, url, caption string) error
	SendDocument(ctx context.Context, chatID int64, url, caption string) error
	SendText(ctx context.Context, chatID int64, text string) error
}

// Store is the slice of the job store the coordinator needs.
type Store interface {
	AcquireDelivery(ctx context.Context, key string) (*job.Job, error)
	MarkDelivered(ctx context.Context, id string) error
	ReleaseDeliveryLock(ctx context.Context, id, note string) error
	ListUndelivered(ctx context.Context, limit int) ([]*job.Job, error)
}

// Coordinator owns the enqueue buffer and the acquire/send/mark sequence.
type Coordinator struct {
	store  Store
	sender Sender
	fetch  func(ctx context.Context, url string) ([]byte, error)
	queue  chan string

	// sleep is swappable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a coordinator.
func New(store Store, sender Sender) *Coordinator {
	return &Coordinator{
		store:  store,
		sender: sender,
		fetch:  fetchBytes,
		queue:  make(chan string, queueCapacity),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func fetchBytes(ctx context.Context, url string) ([]byte, error) {
	// Artifact URLs come from an inbound callback; keep fetches off
	// internal addresses.
	if err := security.ValidateFetchURL(url); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
}

// Enqueue hands a completed job to the worker. Non-blocking; a full queue
// drops the entry, the retry loop picks it up later.
func (c *Coordinator) Enqueue(jobID string) {
	select {
	case c.queue <- jobID:
	default:
		metrics.DeliveriesTotal.WithLabelValues("queue_full").Inc()
	}
}

// QueueDepth reports the pending enqueue count.
func (c *Coordinator) QueueDepth() int { return len(c.queue) }

// Start consumes the queue. Call in a goroutine.
func (c *Coordinator) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-c.queue:
			if err := c.Deliver(ctx, jobID); err != nil && !errors.Is(err, job.ErrAlreadyDelivering) {
				logging.L(ctx).Warn("delivery failed", "jobId", jobID, "error", err)
			}
		}
	}
}

// Deliver runs the full acquire/send/mark sequence for a job addressed by
// ID or external task ID.
func (c *Coordinator) Deliver(ctx context.Context, key string) error {
	j, err := c.store.AcquireDelivery(ctx, key)
	if err != nil {
		if errors.Is(err, job.ErrAlreadyDelivering) {
			metrics.DeliveriesTotal.WithLabelValues("lost_race").Inc()
		}
		return err
	}
	log := logging.L(ctx)

	if j.ChatID == nil {
		// nothing to send; mark so the retry loop stops picking it up
		if err := c.store.MarkDelivered(ctx, j.ID); err != nil {
			return err
		}
		return nil
	}

	if err := c.send(ctx, j); err != nil {
		metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		note := "delivery: " + err.Error()
		if len(note) > 500 {
			note = note[:500]
		}
		if relErr := c.store.ReleaseDeliveryLock(ctx, j.ID, note); relErr != nil {
			log.Error("failed to release delivery lock", "jobId", j.ID, "error", relErr)
		}
		return err
	}

	if err := c.store.MarkDelivered(ctx, j.ID); err != nil {
		return err
	}
	metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
	log.Info("job delivered", "jobId", j.ID, "chatId", *j.ChatID, "category", j.Category)
	return nil
}

// send dispatches by category with per-category fallback chains.
func (c *Coordinator) send(ctx context.Context, j *job.Job) error {
	chatID := *j.ChatID
	urls := ResultURLs(j.Result)
	caption := captionFor(j)

	if len(urls) == 0 {
		return c.withRetry(ctx, func() error {
			return c.sender.SendText(ctx, chatID, caption)
		})
	}

	for _, url := range urls {
		var err error
		switch j.Category {
		case catalog.CategoryImage, catalog.CategoryUpscale:
			err = c.sendImage(ctx, chatID, url, caption)
		case catalog.CategoryVideo:
			err = c.sendWithDocumentFallback(ctx, chatID, url, caption, c.sender.SendVideo)
		case catalog.CategoryAudio:
			err = c.sendWithDocumentFallback(ctx, chatID, url, caption, c.sender.SendAudio)
		default:
			err = c.withRetry(ctx, func() error {
				return c.sender.SendDocument(ctx, chatID, url, caption)
			})
		}
		if err != nil {
			return err
		}
		caption = "" // only the first artifact carries the caption
	}
	return nil
}

// sendImage tries the direct URL, then re-uploads fetched bytes, then
// falls back to a document.
func (c *Coordinator) sendImage(ctx context.Context, chatID int64, url, caption string) error {
	err := c.withRetry(ctx, func() error {
		return c.sender.SendPhoto(ctx, chatID, url, caption)
	})
	if err == nil {
		return nil
	}

	data, fetchErr := c.fetch(ctx, url)
	if fetchErr == nil {
		err = c.withRetry(ctx, func() error {
			return c.sender.SendPhotoBytes(ctx, chatID, data, caption)
		})
		if err == nil {
			return nil
		}
	}

	return c.withRetry(ctx, func() error {
		return c.sender.SendDocument(ctx, chatID, url, caption)
	})
}

func (c *Coordinator) sendWithDocumentFallback(ctx context.Context, chatID int64, url, caption string,
	primary func(ctx context.Context, chatID int64, url, caption string) error) error {
	err := c.withRetry(ctx, func() error {
		return primary(ctx, chatID, url, caption)
	})
	if err == nil {
		return nil
	}
	return c.withRetry(ctx, func() error {
		return c.sender.SendDocument(ctx, chatID, url, caption)
	})
}

// withRetry retries a send up to three times with 2/4/6 second backoff,
// honoring RetryAfter on platform rate limits.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var pErr *PlatformError
		if errors.As(lastErr, &pErr) && pErr.Permanent {
			return lastErr
		}
		if attempt == sendAttempts {
			break
		}

		delay := backoffStep * time.Duration(attempt)
		if errors.As(lastErr, &pErr) && pErr.RetryAfter > 0 {
			delay = pErr.RetryAfter
		}
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func captionFor(j *job.Job) string {
	return "Generation complete: " + j.ModelID
}

// ResultURLs pulls artifact URLs out of a result payload, tolerating the
// envelope shapes the upstream uses.
func ResultURLs(result json.RawMessage) []string {
	if len(result) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(result, &m); err != nil {
		return nil
	}
	for _, key := range []string{"resultUrls", "result_urls", "urls"} {
		if raw, ok := m[key]; ok {
			var urls []string
			if err := json.Unmarshal(raw, &urls); err == nil && len(urls) > 0 {
				return urls
			}
		}
	}
	for _, key := range []string{"resultUrl", "videoUrl", "audioUrl", "imageUrl", "url"} {
		if raw, ok := m[key]; ok {
			var url string
			if err := json.Unmarshal(raw, &url); err == nil && url != "" {
				return []string{url}
			}
		}
	}
	// some callbacks nest the payload one level down
	for _, key := range []string{"resultJson", "data", "result"} {
		if raw, ok := m[key]; ok {
			// resultJson may arrive double-encoded as a JSON string
			var inner string
			if err := json.Unmarshal(raw, &inner); err == nil {
				if urls := ResultURLs(json.RawMessage(inner)); len(urls) > 0 {
					return urls
				}
				continue
			}
			if urls := ResultURLs(raw); len(urls) > 0 {
				return urls
			}
		}
	}
	return nil
}
