package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/threadline/internal/models"
	"github.com/yoockh/threadline/internal/utils"
)

// ThreadHandler serves the store operations through the request's domain
// client.
type ThreadHandler struct{}

func NewThreadHandler() *ThreadHandler { return &ThreadHandler{} }

func (h *ThreadHandler) Create(c *gin.Context) {
	dc, ok := domainClient(c)
	if !ok {
		return
	}
	var p models.CreateThreadParams
	if !bindJSON(c, "ThreadHandler.Create", &p) {
		return
	}

	t, err := dc.CreateThread(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *ThreadHandler) Get(c *gin.Context) {
	dc, ok := domainClient(c)
	if !ok {
		return
	}

	t, err := dc.GetThread(c.Request.Context(), c.Param("thread_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *ThreadHandler) List(c *gin.Context) {
	const op = "ThreadHandler.List"

	dc, ok := domainClient(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "limit must be an integer", err))
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "offset must be an integer", err))
		return
	}

	out, err := dc.ListThreads(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	if out == nil {
		out = []models.ThreadSummary{}
	}
	c.JSON(http.StatusOK, out)
}

func (h *ThreadHandler) Update(c *gin.Context) {
	dc, ok := domainClient(c)
	if !ok {
		return
	}
	var p models.UpdateThreadParams
	if !bindJSON(c, "ThreadHandler.Update", &p) {
		return
	}

	t, err := dc.UpdateThread(c.Request.Context(), c.Param("thread_id"), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *ThreadHandler) Delete(c *gin.Context) {
	dc, ok := domainClient(c)
	if !ok {
		return
	}

	if err := dc.DeleteThread(c.Request.Context(), c.Param("thread_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ThreadHandler) AddMessage(c *gin.Context) {
	dc, ok := domainClient(c)
	if !ok {
		return
	}
	var p models.MessagePayload
	if !bindJSON(c, "ThreadHandler.AddMessage", &p) {
		return
	}

	t, err := dc.AddMessage(c.Request.Context(), c.Param("thread_id"), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *ThreadHandler) UpdateMessage(c *gin.Context) {
	dc, ok := domainClient(c)
	if !ok {
		return
	}
	var p models.MessagePatch
	if !bindJSON(c, "ThreadHandler.UpdateMessage", &p) {
		return
	}

	t, err := dc.UpdateMessage(c.Request.Context(), c.Param("thread_id"), c.Param("message_id"), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
