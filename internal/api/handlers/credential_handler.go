package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/threadline/internal/providers/llm"
	"github.com/yoockh/threadline/internal/services"
	"github.com/yoockh/threadline/internal/utils"
)

type CredentialHandler struct {
	creds     services.CredentialStore
	providers *llm.Registry
}

func NewCredentialHandler(creds services.CredentialStore, providers *llm.Registry) *CredentialHandler {
	return &CredentialHandler{creds: creds, providers: providers}
}

type SaveCredentialRequest struct {
	APIKey string `json:"apiKey" binding:"required"`
}

// Save stores the caller's API key for one provider.
func (h *CredentialHandler) Save(c *gin.Context) {
	const op = "CredentialHandler.Save"

	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	provider := c.Param("provider")
	if _, ok := h.providers.Lookup(provider); !ok {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "unknown provider "+provider, nil))
		return
	}
	var req SaveCredentialRequest
	if !bindJSON(c, op, &req) {
		return
	}

	if err := h.creds.SaveAPIKey(c.Request.Context(), userID, provider, req.APIKey); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
