package handlers

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-finassist-backend/internal/protocol"
	"github.com/tbourn/go-finassist-backend/internal/queue"
	"github.com/tbourn/go-finassist-backend/internal/utils"
)

// ReadyReport is the body of /ready.
type ReadyReport struct {
	Ready          bool             `json:"ready"`
	Services       map[string]bool  `json:"services"`
	RedisLatencyMs float64          `json:"redis_latency_ms"`
	QueueDepths    map[string]int64 `json:"queue_depths,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// QueueStats describes one queue.
type QueueStats struct {
	Name       string `json:"name" example:"chat"`
	Partitions int    `json:"partitions" example:"16"`
	Depth      int64  `json:"depth" example:"3"`
}

// DeadLettersResponse lists dead-lettered messages, newest first.
type DeadLettersResponse struct {
	Queue    string          `json:"queue"`
	Messages []queue.Message `json:"messages"`
}

// Health godoc
// @ID          health
// @Summary     Liveness probe
// @Tags        Ops
// @Produce     json
// @Success     200  {object}  map[string]string
// @Router      /health [get]
func (h *Handlers) Health(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}

// Ready godoc
// @ID          ready
// @Summary     Readiness probe
// @Description Reports the readiness flag of every core service, the Redis round trip and the depth of known queues. Answers 503 until every service is ready.
// @Tags        Ops
// @Produce     json
// @Success     200  {object}  handlers.ReadyReport
// @Failure     503  {object}  handlers.ReadyReport
// @Router      /ready [get]
func (h *Handlers) Ready(c *gin.Context) {
	if h.d.Ready == nil {
		fail(c, http.StatusServiceUnavailable, ErrNotReady)
		return
	}
	ctx := c.Request.Context()
	rep := h.d.Ready.Readiness(ctx)
	if rep.Ready && h.d.Queues != nil {
		rep.QueueDepths = make(map[string]int64, len(h.d.KnownQueues))
		for _, q := range h.d.KnownQueues {
			n, err := h.d.Queues.Depth(ctx, q)
			if err != nil {
				rep.Ready = false
				rep.Error = "queue depth: " + protocol.SafeMessage(err)
				break
			}
			rep.QueueDepths[q] = n
		}
	}
	status := http.StatusOK
	if !rep.Ready {
		status = http.StatusServiceUnavailable
	}
	ok(c, status, rep)
}

// Queues godoc
// @ID          listQueues
// @Summary     Queue depths
// @Tags        Ops
// @Produce     json
// @Success     200  {array}   handlers.QueueStats
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /admin/queues [get]
func (h *Handlers) Queues(c *gin.Context) {
	if h.d.Queues == nil {
		fail(c, http.StatusServiceUnavailable, ErrQueueUnavailable)
		return
	}
	out := make([]QueueStats, 0, len(h.d.KnownQueues))
	for _, q := range h.d.KnownQueues {
		n, err := h.d.Queues.Depth(c.Request.Context(), q)
		if err != nil {
			fail(c, http.StatusServiceUnavailable, protocol.Wrap(protocol.Unavailable, "queue depth unavailable", err))
			return
		}
		out = append(out, QueueStats{Name: q, Partitions: h.d.Queues.Partitions(), Depth: n})
	}
	ok(c, http.StatusOK, out)
}

// DeadLetters godoc
// @ID          deadLetters
// @Summary     Dead-lettered messages of a queue
// @Tags        Ops
// @Produce     json
// @Param       name   path   string  true   "Queue name"  example(chat)
// @Param       limit  query  int     false  "Max messages" minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.DeadLettersResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /admin/queues/{name}/dead [get]
func (h *Handlers) DeadLetters(c *gin.Context) {
	if h.d.Queues == nil {
		fail(c, http.StatusServiceUnavailable, ErrQueueUnavailable)
		return
	}
	name := c.Param("name")
	if !slices.Contains(h.d.KnownQueues, name) {
		fail(c, http.StatusNotFound, protocol.Errorf(protocol.NotFound, "unknown queue %q", name))
		return
	}
	_, limit, _ := utils.Paginate(1, utils.AtoiDefault(c.Query("limit"), utils.DefaultPageSize))

	msgs, err := h.d.Queues.DeadLetters(c.Request.Context(), name, int64(limit))
	if err != nil {
		fail(c, http.StatusServiceUnavailable, protocol.Wrap(protocol.Unavailable, "dead letters unavailable", err))
		return
	}
	ok(c, http.StatusOK, DeadLettersResponse{Queue: name, Messages: msgs})
}
