package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/yoockh/threadline/internal/utils"
)

type apiError struct {
	Code    utils.Code `json:"code"`
	Message string     `json:"message"`
}

func abort(c *gin.Context, status int, code utils.Code, msg string) {
	c.AbortWithStatusJSON(status, apiError{Code: code, Message: msg})
}

type JWTConfig struct {
	Secret   string
	Issuer   string // optional
	Audience string // optional
}

type userClaims struct {
	jwt.RegisteredClaims
	Role        string         `json:"role"`
	AppMetadata map[string]any `json:"app_metadata"` // {"role":"admin"} overrides the default role
}

func JWTAuth(cfg JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Secret == "" {
			abort(c, http.StatusInternalServerError, utils.CodeInternal, "JWT_SECRET is not set")
			return
		}

		raw, ok := bearer(c)
		if !ok {
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "missing bearer token")
			return
		}

		claims := &userClaims{}
		tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return []byte(cfg.Secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

		if err != nil || tok == nil || !tok.Valid {
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "invalid token")
			return
		}

		if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "invalid token issuer")
			return
		}

		if cfg.Audience != "" {
			valid := false
			for _, aud := range claims.Audience {
				if aud == cfg.Audience {
					valid = true
					break
				}
			}
			if !valid {
				abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "invalid token audience")
				return
			}
		}

		userID := claims.Subject
		if userID == "" {
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "missing subject")
			return
		}

		appRole := "user"
		if claims.AppMetadata != nil {
			if v, ok := claims.AppMetadata["role"]; ok {
				if s, ok := v.(string); ok && s != "" {
					appRole = s
				}
			}
		}

		c.Set("user_id", userID)
		c.Set("role", appRole)
		c.Next()
	}
}

func bearer(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return raw, raw != ""
}
