package callback

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladholos492-wq/mediagw/internal/job"
	"github.com/vladholos492-wq/mediagw/internal/logging"
)

const maxBodyBytes = 10 << 20

// Handler is the HTTP receiver for upstream callbacks. It always answers
// 200 so the upstream never retries into a failure loop; anything it
// cannot apply is either ignored or parked as an orphan.
type Handler struct {
	engine *job.Engine
}

func NewHandler(engine *job.Engine) *Handler {
	return &Handler{engine: engine}
}

// Register mounts the callback route.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/callbacks/kie", h.handle)
}

func (h *Handler) handle(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.L(ctx)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		log.Warn("failed to read callback body", "error", err)
		c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true, "reason": "unreadable body"})
		return
	}

	cb := Parse(body)
	if cb.TaskID == "" {
		// last resort: some upstream configurations put the task ID on
		// the callback URL instead of the payload
		q := c.Request.URL.Query()
		for _, key := range taskIDKeys {
			if v := q.Get(key); v != "" {
				cb.TaskID = v
				break
			}
		}
	}
	if cb.TaskID == "" {
		log.Warn("callback without task id, ignoring", "bytes", len(body))
		c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true, "reason": "no task id"})
		return
	}
	if cb.State == "" {
		log.Warn("callback without state, ignoring", "taskId", cb.TaskID)
		c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true, "reason": "no state"})
		return
	}

	res, err := h.engine.ApplyCallback(ctx, cb)
	if err != nil {
		// still 200: the upstream retries, and the orphan reconciler
		// covers anything lost
		log.Error("failed to apply callback", "taskId", cb.TaskID, "error", err)
		c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true, "reason": "internal"})
		return
	}

	switch res.Outcome {
	case job.OutcomeApplied:
		c.JSON(http.StatusOK, gin.H{"ok": true, "outcome": res.Outcome})
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true, "reason": res.Outcome})
	}
}
