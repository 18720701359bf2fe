package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/threadline/internal/models"
	"github.com/yoockh/threadline/internal/providers/llm"
	"github.com/yoockh/threadline/internal/testutil"
	"github.com/yoockh/threadline/internal/utils"
)

type harness struct {
	threads ThreadService
	creds   CredentialStore
	svc     CompletionService
	client  *fakeClient
}

func newHarness(t *testing.T, client *fakeClient, timeout time.Duration) *harness {
	t.Helper()
	threads, db := newThreads(t)
	creds := newCreds(t, db, "test-secret")
	svc := NewCompletionService(CompletionDeps{
		Threads:         threads,
		Creds:           creds,
		Providers:       llm.NewRegistry(fakeProvider("fake", false, client), fakeProvider("keyed", true, client)),
		Fitter:          NewContextFitter(HeuristicCounter{}, 1000, "You are helpful."),
		Guard:           NewMemoryGuard(),
		Logger:          testutil.NewLogger(),
		ProviderTimeout: timeout,
	})
	return &harness{threads: threads, creds: creds, svc: svc, client: client}
}

// recorder collects events and signals the first one.
type recorder struct {
	mu     sync.Mutex
	events []models.ChunkEvent
	first  chan struct{}
	once   sync.Once
}

func newRecorder() *recorder { return &recorder{first: make(chan struct{})} }

func (r *recorder) handle(ev models.ChunkEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.once.Do(func() { close(r.first) })
	return nil
}

func (r *recorder) all() []models.ChunkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ChunkEvent(nil), r.events...)
}

func (r *recorder) waitFirst(t *testing.T) {
	t.Helper()
	select {
	case <-r.first:
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}

func request(threadID, provider string) models.CompletionRequest {
	return models.CompletionRequest{ThreadID: threadID, Prompt: "Say hello", Provider: provider, ModelID: "model-x"}
}

func assistantOf(t *testing.T, th *models.ContextThread) models.Message {
	t.Helper()
	require.NotEmpty(t, th.Messages)
	last := th.Messages[len(th.Messages)-1]
	require.Equal(t, models.RoleAssistant, last.Role)
	return last
}

func TestStream_AccumulatesChunks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeClient{chunks: []llm.StreamChunk{
		{Delta: "Hel"},
		{Delta: "lo"},
		{FinishReason: "stop", Usage: &llm.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}},
	}}, time.Minute)
	th := newThread(t, h.threads)

	rec := newRecorder()
	require.NoError(t, h.svc.StreamChatCompletion(ctx, "u1", request(th.ID, "fake"), rec.handle))

	events := rec.all()
	require.Len(t, events, 3)
	assert.Equal(t, models.EventChunk, events[0].Type)
	assert.Equal(t, "Hel", events[0].Delta)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, "lo", events[1].Delta)
	assert.Equal(t, int64(2), events[1].Seq)
	assert.Equal(t, models.EventDone, events[2].Type)
	assert.Equal(t, "Hello", events[2].Content)
	assert.Equal(t, models.StatusComplete, events[2].Status)
	assert.Equal(t, &models.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}, events[2].Usage)

	got, err := h.threads.Get(ctx, th.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, models.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "Say hello", got.Messages[0].Content)

	m := assistantOf(t, got)
	assert.Equal(t, events[0].MessageID, m.ID)
	assert.Equal(t, "Hello", m.Content)
	assert.Equal(t, models.StatusComplete, m.Status)
	assert.Equal(t, "model-x", m.Metadata["model"])
	assert.Equal(t, "fake", m.Metadata["provider"])
	assert.Equal(t, "stop", m.Metadata["finishReason"])
	assert.Equal(t, map[string]any{"promptTokens": 5.0, "completionTokens": 2.0, "totalTokens": 7.0}, m.Metadata["usage"])

	prompt := h.client.seenPrompt()
	require.Len(t, prompt, 2)
	assert.Equal(t, llm.Message{Role: llm.RoleSystem, Content: "You are helpful."}, prompt[0])
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "Say hello"}, prompt[1])
}

type memJournal struct {
	mu      sync.Mutex
	records []models.ChunkRecord
}

func (j *memJournal) Append(_ context.Context, rec *models.ChunkRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, *rec)
	return nil
}

func (j *memJournal) ListByMessage(_ context.Context, messageID string, afterSeq int64) ([]models.ChunkRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []models.ChunkRecord
	for _, r := range j.records {
		if r.MessageID == messageID && r.Seq > afterSeq {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestStream_JournalsChunks(t *testing.T) {
	ctx := context.Background()
	threads, db := newThreads(t)
	journal := &memJournal{}
	log, hook := logtest.NewNullLogger()
	svc := NewCompletionService(CompletionDeps{
		Threads: threads,
		Creds:   newCreds(t, db, "test-secret"),
		Providers: llm.NewRegistry(fakeProvider("fake", false, &fakeClient{chunks: []llm.StreamChunk{
			{Delta: "a"}, {Delta: "b"}, {FinishReason: "stop"},
		}})),
		Guard:      NewMemoryGuard(),
		Journal:    journal,
		JournalTTL: time.Minute,
		Logger:     log,
	})
	th := newThread(t, threads)

	rec := newRecorder()
	require.NoError(t, svc.StreamChatCompletion(ctx, "u1", request(th.ID, "fake"), rec.handle))
	msgID := rec.all()[0].MessageID

	got, err := journal.ListByMessage(ctx, msgID, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Delta)
	assert.Equal(t, int64(2), got[0].Seq)
	assert.Equal(t, th.ID, got[0].ThreadID)
	assert.WithinDuration(t, got[0].Timestamp.Add(time.Minute), got[0].ExpiresAt, time.Second)

	var started *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "generation started" {
			started = e
		}
	}
	require.NotNil(t, started)
	assert.Positive(t, started.Data["prompt_tokens"])
}

func TestStream_ProviderErrorKeepsContent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeClient{
		chunks: []llm.StreamChunk{{Delta: "Hel"}},
		err:    &llm.APIError{Provider: "fake", StatusCode: 500, Message: "boom"},
	}, time.Minute)
	th := newThread(t, h.threads)

	rec := newRecorder()
	err := h.svc.StreamChatCompletion(ctx, "u1", request(th.ID, "fake"), rec.handle)
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeProviderUnavailable))

	events := rec.all()
	require.Len(t, events, 2)
	last := events[1]
	assert.Equal(t, models.EventError, last.Type)
	require.NotNil(t, last.Error)
	assert.Equal(t, string(utils.CodeProviderUnavailable), last.Error.Code)

	got, err := h.threads.Get(ctx, th.ID)
	require.NoError(t, err)
	m := assistantOf(t, got)
	assert.Equal(t, "Hel", m.Content)
	assert.Equal(t, models.StatusError, m.Status)
	errMeta, ok := m.Metadata["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "PROVIDER_UNAVAILABLE", errMeta["code"])
}

func TestStream_CutStreamIsInterrupted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeClient{chunks: []llm.StreamChunk{{Delta: "Hel"}}}, time.Minute)
	th := newThread(t, h.threads)

	rec := newRecorder()
	err := h.svc.StreamChatCompletion(ctx, "u1", request(th.ID, "fake"), rec.handle)
	assert.True(t, utils.IsCode(err, utils.CodeProviderUnavailable))

	events := rec.all()
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventError, events[len(events)-1].Type)
	assert.Equal(t, models.StatusInterrupted, events[len(events)-1].Status)

	got, err := h.threads.Get(ctx, th.ID)
	require.NoError(t, err)
	m := assistantOf(t, got)
	assert.Equal(t, "Hel", m.Content)
	assert.Equal(t, models.StatusInterrupted, m.Status)
}

func TestStream_TimeoutIsInterrupted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeClient{
		chunks: []llm.StreamChunk{{Delta: "Hel"}},
		hold:   make(chan struct{}),
	}, 100*time.Millisecond)
	th := newThread(t, h.threads)

	err := h.svc.StreamChatCompletion(ctx, "u1", request(th.ID, "fake"), nil)
	assert.True(t, utils.IsCode(err, utils.CodeProviderUnavailable))

	got, err := h.threads.Get(ctx, th.ID)
	require.NoError(t, err)
	m := assistantOf(t, got)
	assert.Equal(t, "Hel", m.Content)
	assert.Equal(t, models.StatusInterrupted, m.Status)
}

func TestStream_SecondConcurrentGenerationConflicts(t *testing.T) {
	ctx := context.Background()
	hold := make(chan struct{})
	h := newHarness(t, &fakeClient{
		chunks: []llm.StreamChunk{{Delta: "Hel"}},
		hold:   hold,
		tail:   []llm.StreamChunk{{Delta: "lo"}, {FinishReason: "stop"}},
	}, time.Minute)
	th := newThread(t, h.threads)

	rec := newRecorder()
	firstDone := make(chan error, 1)
	go func() { firstDone <- h.svc.StreamChatCompletion(ctx, "u1", request(th.ID, "fake"), rec.handle) }()
	rec.waitFirst(t)

	before, err := h.threads.Get(ctx, th.ID)
	require.NoError(t, err)

	second := newRecorder()
	err = h.svc.StreamChatCompletion(ctx, "u1", request(th.ID, "fake"), second.handle)
	assert.True(t, utils.IsCode(err, utils.CodeConflict))
	assert.Empty(t, second.all())

	after, err := h.threads.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	close(hold)
	require.NoError(t, <-firstDone)

	got, err := h.threads.Get(ctx, th.ID)
	require.NoError(t, err)
	m := assistantOf(t, got)
	assert.Equal(t, "Hello", m.Content)
	assert.Equal(t, models.StatusComplete, m.Status)
}

func TestStream_CancelGenerationInterrupts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeClient{
		chunks: []llm.StreamChunk{{Delta: "Hel"}},
		hold:   make(chan struct{}),
	}, time.Minute)
	th := newThread(t, h.threads)

	assert.True(t, utils.IsCode(h.svc.CancelGeneration(ctx, th.ID), utils.CodeNotFound))

	rec := newRecorder()
	done := make(chan error, 1)
	go func() { done <- h.svc.StreamChatCompletion(ctx, "u1", request(th.ID, "fake"), rec.handle) }()
	rec.waitFirst(t)

	require.NoError(t, h.svc.CancelGeneration(ctx, th.ID))
	require.NoError(t, <-done)

	events := rec.all()
	last := events[len(events)-1]
	assert.Equal(t, models.EventDone, last.Type)
	assert.Equal(t, models.StatusInterrupted, last.Status)

	got, err := h.threads.Get(ctx, th.ID)
	require.NoError(t, err)
	m := assistantOf(t, got)
	assert.Equal(t, "Hel", m.Content)
	assert.Equal(t, models.StatusInterrupted, m.Status)
}

func TestStream_ConsumerGoneStillPersists(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeClient{chunks: []llm.StreamChunk{
		{Delta: "Hel"},
		{Delta: "lo"},
		{FinishReason: "stop"},
	}}, time.Minute)
	th := newThread(t, h.threads)

	calls := 0
	err := h.svc.StreamChatCompletion(ctx, "u1", request(th.ID, "fake"), func(models.ChunkEvent) error {
		calls++
		return errors.New("client went away")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	got, err := h.threads.Get(ctx, th.ID)
	require.NoError(t, err)
	m := assistantOf(t, got)
	assert.Equal(t, "Hello", m.Content)
	assert.Equal(t, models.StatusComplete, m.Status)
}

func TestStream_FailuresBeforePlaceholder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeClient{}, time.Minute)
	th := newThread(t, h.threads)

	rec := newRecorder()

	err := h.svc.StreamChatCompletion(ctx, "u1", request("11111111-1111-1111-1111-111111111111", "fake"), rec.handle)
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))

	err = h.svc.StreamChatCompletion(ctx, "u1", request(th.ID, "keyed"), rec.handle)
	assert.True(t, utils.IsCode(err, utils.CodeCredentialMissing))

	err = h.svc.StreamChatCompletion(ctx, "u1", request(th.ID, "unknown"), rec.handle)
	assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))

	bad := request(th.ID, "fake")
	bad.Prompt = ""
	err = h.svc.StreamChatCompletion(ctx, "u1", bad, rec.handle)
	assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))

	assert.Empty(t, rec.all())
	got, err := h.threads.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
}

func TestStream_UsesStoredCredential(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{chunks: []llm.StreamChunk{{Delta: "ok"}, {FinishReason: "stop"}}}
	h := newHarness(t, client, time.Minute)
	th := newThread(t, h.threads)

	require.NoError(t, h.creds.SaveAPIKey(ctx, "u1", "keyed", "sk-123"))
	require.NoError(t, h.svc.StreamChatCompletion(ctx, "u1", request(th.ID, "keyed"), nil))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, "sk-123", client.apiKey)
}

func TestCompleteChatPrompt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeClient{completion: &llm.Completion{
		Content:      "Hello",
		FinishReason: "stop",
		Usage:        &llm.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
	}}, time.Minute)
	th := newThread(t, h.threads)

	res, err := h.svc.CompleteChatPrompt(ctx, "u1", request(th.ID, "fake"))
	require.NoError(t, err)
	assert.Equal(t, th.ID, res.ThreadID)
	assert.Equal(t, "Hello", res.Message.Content)
	assert.Equal(t, models.StatusComplete, res.Message.Status)
	assert.Equal(t, 4, res.Usage.TotalTokens)

	got, err := h.threads.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Message, assistantOf(t, got))
}

func TestCompleteChatPrompt_ProviderError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeClient{completionErr: errors.New("unreachable")}, time.Minute)
	th := newThread(t, h.threads)

	_, err := h.svc.CompleteChatPrompt(ctx, "u1", request(th.ID, "fake"))
	assert.True(t, utils.IsCode(err, utils.CodeProviderUnavailable))

	got, err := h.threads.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, assistantOf(t, got).Status)
}
