package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/threadline/internal/models"
)

type CompletionHandler struct{}

func NewCompletionHandler() *CompletionHandler { return &CompletionHandler{} }

func (h *CompletionHandler) bind(c *gin.Context, op string) (models.CompletionRequest, bool) {
	var req models.CompletionRequest
	if !bindJSON(c, op, &req) {
		return req, false
	}
	req.ThreadID = c.Param("thread_id")
	return req, true
}

func (h *CompletionHandler) Complete(c *gin.Context) {
	dc, ok := domainClient(c)
	if !ok {
		return
	}
	req, ok := h.bind(c, "CompletionHandler.Complete")
	if !ok {
		return
	}

	res, err := dc.CompleteChatPrompt(c.Request.Context(), c.GetString("user_id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Stream relays generation events as text/event-stream frames named after
// the event type. Failures that happen before the first event go out as a
// plain JSON error.
func (h *CompletionHandler) Stream(c *gin.Context) {
	dc, ok := domainClient(c)
	if !ok {
		return
	}
	req, ok := h.bind(c, "CompletionHandler.Stream")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	started := false

	err := dc.StreamChatCompletion(ctx, c.GetString("user_id"), req, func(ev models.ChunkEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !started {
			started = true
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Header("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
		}
		c.SSEvent(string(ev.Type), ev)
		c.Writer.Flush()
		return ctx.Err()
	})

	if err != nil && !started {
		writeError(c, err)
		return
	}
	if err != nil {
		// already delivered as an error event
		_ = c.Error(err)
	}
}

func (h *CompletionHandler) Cancel(c *gin.Context) {
	dc, ok := domainClient(c)
	if !ok {
		return
	}

	if err := dc.CancelGeneration(c.Request.Context(), c.Param("thread_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
