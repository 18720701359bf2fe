package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/threadline/internal/services"
)

type ExportHandler struct {
	exports services.ExportService
}

func NewExportHandler(exports services.ExportService) *ExportHandler {
	return &ExportHandler{exports: exports}
}

func (h *ExportHandler) Enqueue(c *gin.Context) {
	job, err := h.exports.Enqueue(c.Request.Context(), c.Param("thread_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}
