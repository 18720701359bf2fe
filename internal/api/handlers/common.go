package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/yoockh/threadline/internal/api/middleware"
	"github.com/yoockh/threadline/internal/client"
	"github.com/yoockh/threadline/internal/utils"
)

type APIError struct {
	Code    utils.Code `json:"code"`
	Message string     `json:"message"`
}

func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(utils.HTTPStatus(err), APIError{
		Code:    utils.CodeOf(err),
		Message: utils.MessageOf(err),
	})
}

func requireUserID(c *gin.Context) (string, bool) {
	if s := c.GetString("user_id"); s != "" {
		return s, true
	}
	writeError(c, utils.E(utils.CodeUnauthorized, "Auth", "unauthorized", nil))
	return "", false
}

func domainClient(c *gin.Context) (client.DomainClient, bool) {
	if dc, ok := middleware.Client(c); ok {
		return dc, true
	}
	writeError(c, utils.E(utils.CodeInternal, "Handler", "no domain client resolved", nil))
	return nil, false
}

func bindJSON(c *gin.Context, op string, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "invalid request body", err))
		return false
	}
	return true
}
