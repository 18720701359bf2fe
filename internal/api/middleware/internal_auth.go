package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/threadline/internal/utils"
)

// InternalAuth admits callers presenting the shared service token. The
// acting user travels in X-User-Id.
func InternalAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			abort(c, http.StatusServiceUnavailable, utils.CodeUnavailable, "internal API is disabled")
			return
		}

		raw, ok := bearer(c)
		if !ok || subtle.ConstantTimeCompare([]byte(raw), []byte(token)) != 1 {
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "invalid service token")
			return
		}

		c.Set("user_id", c.GetHeader("X-User-Id"))
		c.Set("role", "service")
		c.Next()
	}
}
