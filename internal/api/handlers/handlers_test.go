package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/threadline/internal/api/handlers"
	"github.com/yoockh/threadline/internal/api/middleware"
	"github.com/yoockh/threadline/internal/api/routes"
	"github.com/yoockh/threadline/internal/cache"
	"github.com/yoockh/threadline/internal/client"
	"github.com/yoockh/threadline/internal/models"
	"github.com/yoockh/threadline/internal/providers/llm"
	pgrepo "github.com/yoockh/threadline/internal/repositories/postgres"
	"github.com/yoockh/threadline/internal/services"
	"github.com/yoockh/threadline/internal/sse"
	"github.com/yoockh/threadline/internal/storage"
	"github.com/yoockh/threadline/internal/testutil"
	"github.com/yoockh/threadline/internal/utils"
)

const jwtSecret = "jwt-secret"

type server struct {
	engine  *gin.Engine
	threads services.ThreadService
	creds   services.CredentialStore
	token   string
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	log := testutil.NewLogger()

	threads := services.NewThreadService(pgrepo.NewThreadRepo(db), cache.NewRedisCache(rdb, "test:"), time.Minute, log)
	box, err := utils.NewSecretBox("secret")
	require.NoError(t, err)
	creds := services.NewCredentialService(pgrepo.NewCredentialRepo(db), box)
	reg := llm.NewRegistry(llm.MockProvider(0))
	completions := services.NewCompletionService(services.CompletionDeps{
		Threads:   threads,
		Creds:     creds,
		Providers: reg,
		Guard:     services.NewMemoryGuard(),
		Logger:    log,
	})
	direct := client.NewDirect(threads, completions)

	r := gin.New()
	r.Use(middleware.RequestLogger(log))
	routes.RegisterRoutes(r, routes.Deps{
		Threads:       handlers.NewThreadHandler(),
		Completions:   handlers.NewCompletionHandler(),
		Credentials:   handlers.NewCredentialHandler(creds, reg),
		Exports:       handlers.NewExportHandler(services.NewExportService(threads, rdb, storage.Discard{})),
		WS:            handlers.NewWSHandler(rdb, nil, log, nil),
		Selector:      client.NewSelector(direct, nil, client.ModeDirect, false),
		Direct:        direct,
		JWT:           middleware.JWTConfig{Secret: jwtSecret},
		InternalToken: "svc",
		Limiter:       middleware.NewRateLimiter(1000, 1000),
	})

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return &server{engine: r, threads: threads, creds: creds, token: tok}
}

func (s *server) do(method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+s.token)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestThreadRoutes(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodPost, "/v1/threads", models.CreateThreadParams{Title: "first"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	th := decode[models.ContextThread](t, w)
	assert.Equal(t, "first", th.Title)

	w = s.do(http.MethodPost, "/v1/threads/"+th.ID+"/messages", models.MessagePayload{Role: models.RoleUser, Content: "hi"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	th = decode[models.ContextThread](t, w)
	require.Len(t, th.Messages, 1)

	w = s.do(http.MethodGet, "/v1/threads?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]models.ThreadSummary](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].MessageCount)

	w = s.do(http.MethodGet, "/v1/threads?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodDelete, "/v1/threads/"+th.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(http.MethodGet, "/v1/threads/"+th.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, utils.CodeNotFound, decode[handlers.APIError](t, w).Code)
}

func TestThreadRoutes_RequireAuth(t *testing.T) {
	s := newServer(t)
	s.token = "garbage"

	w := s.do(http.MethodGet, "/v1/threads", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStreamRoute_EmitsSSEFrames(t *testing.T) {
	s := newServer(t)
	th, err := s.threads.Create(context.Background(), models.CreateThreadParams{Title: "t"})
	require.NoError(t, err)

	w := s.do(http.MethodPost, "/v1/threads/"+th.ID+"/completions/stream", models.CompletionRequest{
		Prompt: "hello world", Provider: "mock", ModelID: "echo",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream"))

	rd := sse.NewReader(io.NopCloser(bytes.NewReader(w.Body.Bytes())))
	var names []string
	var last models.ChunkEvent
	for {
		frame, err := rd.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, frame.Event)
		require.NoError(t, json.Unmarshal([]byte(frame.Data), &last))
	}
	assert.Equal(t, []string{"chunk", "chunk", "chunk", "done"}, names)
	assert.Equal(t, "Echo: hello world", last.Content)
	assert.Equal(t, int64(4), last.Seq)
}

func TestStreamRoute_EarlyFailureIsJSON(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodPost, "/v1/threads/missing/completions/stream", models.CompletionRequest{
		Prompt: "hi", Provider: "mock", ModelID: "echo",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, utils.CodeNotFound, decode[handlers.APIError](t, w).Code)
}

func TestCompletionRoute(t *testing.T) {
	s := newServer(t)
	th, err := s.threads.Create(context.Background(), models.CreateThreadParams{Title: "t"})
	require.NoError(t, err)

	w := s.do(http.MethodPost, "/v1/threads/"+th.ID+"/completions", models.CompletionRequest{
		Prompt: "ping", Provider: "mock", ModelID: "echo",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[models.CompletionResult](t, w)
	assert.Equal(t, "Echo: ping", res.Message.Content)
	assert.Equal(t, th.ID, res.ThreadID)

	w = s.do(http.MethodDelete, "/v1/threads/"+th.ID+"/generation", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCredentialRoute(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodPut, "/v1/credentials/mock", handlers.SaveCredentialRequest{APIKey: "k-123"})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	key, err := s.creds.GetDecryptedAPIKey(context.Background(), "user-1", "mock")
	require.NoError(t, err)
	assert.Equal(t, "k-123", key)

	w = s.do(http.MethodPut, "/v1/credentials/unknown", handlers.SaveCredentialRequest{APIKey: "k"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPut, "/v1/credentials/mock", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportRoute(t *testing.T) {
	s := newServer(t)
	th, err := s.threads.Create(context.Background(), models.CreateThreadParams{Title: "t"})
	require.NoError(t, err)

	w := s.do(http.MethodPost, "/v1/threads/"+th.ID+"/export", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	job := decode[models.ExportJob](t, w)
	assert.Equal(t, th.ID, job.ThreadID)
	assert.True(t, strings.HasPrefix(job.ObjectName, "threads/"+th.ID+"/"))
}

func TestInternalRoutes_IgnoreClientModeHeader(t *testing.T) {
	s := newServer(t)
	s.token = "svc"

	// the public selector has no remote; the internal surface never consults it
	w := s.do(http.MethodPost, "/internal/v1/threads", models.CreateThreadParams{Title: "x"}, middleware.ClientModeHeader, "remote")
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}
