package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/threadline/internal/client"
)

func init() { gin.SetMode(gin.TestMode) }

func echoIdentity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("user_id"), "role": c.GetString("role")})
}

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func do(r http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	cfg := JWTConfig{Secret: "s3cret", Audience: "threadline"}
	r := gin.New()
	r.GET("/me", JWTAuth(cfg), echoIdentity)

	w := do(r, http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok := sign(t, "s3cret", jwt.MapClaims{
		"sub":          "u1",
		"aud":          "threadline",
		"exp":          time.Now().Add(time.Hour).Unix(),
		"app_metadata": map[string]any{"role": "admin"},
	})
	w = do(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"u1","role":"admin"}`, w.Body.String())

	wrongAud := sign(t, "s3cret", jwt.MapClaims{"sub": "u1", "aud": "other"})
	w = do(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + wrongAud})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged := sign(t, "not-it", jwt.MapClaims{"sub": "u1", "aud": "threadline"})
	w = do(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInternalAuthAndRole(t *testing.T) {
	r := gin.New()
	r.GET("/svc", InternalAuth("tok"), RequireRole("service"), echoIdentity)

	w := do(r, http.MethodGet, "/svc", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodGet, "/svc", map[string]string{"Authorization": "Bearer tok", "X-User-Id": "u9"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"u9","role":"service"}`, w.Body.String())

	disabled := gin.New()
	disabled.GET("/svc", InternalAuth(""), echoIdentity)
	w = do(disabled, http.MethodGet, "/svc", map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequireRole_Forbidden(t *testing.T) {
	r := gin.New()
	r.GET("/admin", func(c *gin.Context) { c.Set("role", "user") }, RequireRole("admin"), echoIdentity)

	w := do(r, http.MethodGet, "/admin", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"code":"FORBIDDEN","message":"forbidden"}`, w.Body.String())
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(1, 2)
	r := gin.New()
	r.GET("/x", l.Middleware(), echoIdentity)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/x", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/x", nil).Code)
	w := do(r, http.MethodGet, "/x", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")

	l.Prune(-time.Second)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/x", nil).Code)
}

type namedClient struct {
	client.DomainClient
	name string
}

func TestClientMode(t *testing.T) {
	direct := &namedClient{name: "direct"}
	remote := &namedClient{name: "remote"}

	handler := func(c *gin.Context) {
		dc, ok := Client(c)
		require.True(t, ok)
		c.String(http.StatusOK, dc.(*namedClient).name)
	}

	dev := gin.New()
	dev.GET("/x", ClientMode(client.NewSelector(direct, remote, client.ModeDirect, false)), handler)
	assert.Equal(t, "direct", do(dev, http.MethodGet, "/x", nil).Body.String())
	assert.Equal(t, "remote", do(dev, http.MethodGet, "/x", map[string]string{ClientModeHeader: "remote"}).Body.String())
	assert.Equal(t, http.StatusBadRequest, do(dev, http.MethodGet, "/x", map[string]string{ClientModeHeader: "carrier-pigeon"}).Code)

	prod := gin.New()
	prod.GET("/x", ClientMode(client.NewSelector(direct, remote, client.ModeDirect, true)), handler)
	assert.Equal(t, "direct", do(prod, http.MethodGet, "/x", map[string]string{ClientModeHeader: "remote"}).Body.String())

	pinned := gin.New()
	pinned.GET("/x", UseClient(remote, client.ModeRemote), handler)
	assert.Equal(t, "remote", do(pinned, http.MethodGet, "/x", nil).Body.String())
}
