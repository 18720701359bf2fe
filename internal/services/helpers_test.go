package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yoockh/threadline/internal/cache"
	"github.com/yoockh/threadline/internal/models"
	"github.com/yoockh/threadline/internal/providers/llm"
	pgrepo "github.com/yoockh/threadline/internal/repositories/postgres"
	"github.com/yoockh/threadline/internal/testutil"
	"github.com/yoockh/threadline/internal/utils"
)

func newThreads(t *testing.T) (ThreadService, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	svc := NewThreadService(pgrepo.NewThreadRepo(db), cache.NewRedisCache(rdb, "test:"), 0, testutil.NewLogger())
	return svc, db
}

func newCreds(t *testing.T, db *gorm.DB, secret string) CredentialStore {
	t.Helper()
	box, err := utils.NewSecretBox(secret)
	require.NoError(t, err)
	return NewCredentialService(pgrepo.NewCredentialRepo(db), box)
}

// fakeClient replays chunks, optionally waits on hold, replays tail, then
// reports err.
type fakeClient struct {
	chunks []llm.StreamChunk
	hold   chan struct{}
	tail   []llm.StreamChunk
	err    error

	completion    *llm.Completion
	completionErr error

	mu     sync.Mutex
	prompt []llm.Message
	apiKey string
}

func (f *fakeClient) record(msgs []llm.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompt = append([]llm.Message(nil), msgs...)
}

func (f *fakeClient) seenPrompt() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompt
}

func (f *fakeClient) StreamCompletion(ctx context.Context, msgs []llm.Message, _ llm.Params) (<-chan llm.StreamChunk, <-chan error) {
	f.record(msgs)
	out := make(chan llm.StreamChunk)
	errs := make(chan error, 1)

	send := func(cs []llm.StreamChunk) bool {
		for _, c := range cs {
			select {
			case out <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return false
			}
		}
		return true
	}

	go func() {
		defer close(out)
		defer close(errs)
		if !send(f.chunks) {
			return
		}
		if f.hold != nil {
			select {
			case <-f.hold:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if !send(f.tail) {
			return
		}
		if f.err != nil {
			errs <- f.err
		}
	}()
	return out, errs
}

func (f *fakeClient) Completion(ctx context.Context, msgs []llm.Message, _ llm.Params) (*llm.Completion, error) {
	f.record(msgs)
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.completion, f.completionErr
}

func (f *fakeClient) Close() error { return nil }

func fakeProvider(name string, requiresKey bool, c *fakeClient) llm.Provider {
	return llm.Provider{
		Name:        name,
		RequiresKey: requiresKey,
		New: func(_ context.Context, apiKey string) (llm.Client, error) {
			c.mu.Lock()
			c.apiKey = apiKey
			c.mu.Unlock()
			return c, nil
		},
	}
}

func newThread(t *testing.T, threads ThreadService) *models.ContextThread {
	t.Helper()
	th, err := threads.Create(context.Background(), models.CreateThreadParams{Title: "Test"})
	require.NoError(t, err)
	return th
}
