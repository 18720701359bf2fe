package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/threadline/internal/models"
	"github.com/yoockh/threadline/internal/providers/llm"
	mongorepo "github.com/yoockh/threadline/internal/repositories/mongo"
	"github.com/yoockh/threadline/internal/utils"
)

type CompletionService interface {
	CompleteChatPrompt(ctx context.Context, userID string, req models.CompletionRequest) (*models.CompletionResult, error)
	// StreamChatCompletion delivers the generation as ordered events. Once the
	// assistant placeholder exists the sequence always ends with one done or
	// error event; earlier failures are returned without any event.
	StreamChatCompletion(ctx context.Context, userID string, req models.CompletionRequest, onChunk models.ChunkHandler) error
	CancelGeneration(ctx context.Context, threadID string) error
}

type CompletionDeps struct {
	Threads   ThreadService
	Creds     CredentialStore
	Providers *llm.Registry
	Fitter    *ContextFitter
	Guard     GenerationGuard
	Events    EventPublisher            // optional
	Journal   mongorepo.ChunkRepository // optional
	Logger    *logrus.Logger

	ProviderTimeout time.Duration
	JournalTTL      time.Duration
	TokenBudget     int
}

type completionService struct {
	CompletionDeps

	mu     sync.Mutex
	active map[string]*activeGeneration
}

type activeGeneration struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func NewCompletionService(d CompletionDeps) CompletionService {
	if d.Fitter == nil {
		d.Fitter = NewContextFitter(HeuristicCounter{}, d.TokenBudget, "")
	}
	if d.Guard == nil {
		d.Guard = NewMemoryGuard()
	}
	if d.Logger == nil {
		d.Logger = logrus.New()
	}
	if d.ProviderTimeout <= 0 {
		d.ProviderTimeout = 2 * time.Minute
	}
	if d.JournalTTL <= 0 {
		d.JournalTTL = time.Hour
	}
	return &completionService{CompletionDeps: d, active: map[string]*activeGeneration{}}
}

// generation is everything resolved before the provider is called.
type generation struct {
	req       models.CompletionRequest
	client    llm.Client
	prompt    []llm.Message
	params    llm.Params
	messageID string
	release   func()
	log       *logrus.Entry
}

func (s *completionService) prepare(ctx context.Context, op, userID string, req models.CompletionRequest, placeholder models.Status) (*generation, error) {
	if err := utils.ValidateStruct(op, req); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "user_id is required", nil)
	}
	provider, ok := s.Providers.Lookup(req.Provider)
	if !ok {
		return nil, utils.E(utils.CodeInvalidArgument, op, "unknown provider "+req.Provider, nil)
	}

	if _, err := s.Threads.Get(ctx, req.ThreadID); err != nil {
		return nil, err
	}

	var apiKey string
	if provider.RequiresKey {
		key, err := s.Creds.GetDecryptedAPIKey(ctx, userID, req.Provider)
		if err != nil {
			return nil, err
		}
		apiKey = key
	}

	release, err := s.Guard.Acquire(ctx, req.ThreadID)
	if err != nil {
		if errors.Is(err, ErrGenerationInProgress) {
			return nil, utils.E(utils.CodeConflict, op, "a generation is already running for this thread", err)
		}
		return nil, utils.E(utils.CodeUnavailable, op, "generation lock unavailable", err)
	}

	g, err := s.setup(ctx, op, req, provider, apiKey, placeholder)
	if err != nil {
		release()
		return nil, err
	}
	g.release = release
	g.log = s.Logger.WithFields(logrus.Fields{
		"thread_id":     req.ThreadID,
		"message_id":    g.messageID,
		"provider":      req.Provider,
		"model":         req.ModelID,
		"user_id":       userID,
		"prompt_tokens": s.Fitter.CountMessages(g.prompt),
	})
	return g, nil
}

// setup runs under the generation guard: it appends the prompt, fits the
// window, and reserves the assistant placeholder.
func (s *completionService) setup(ctx context.Context, op string, req models.CompletionRequest, provider llm.Provider, apiKey string, placeholder models.Status) (*generation, error) {
	client, err := provider.New(ctx, apiKey)
	if err != nil {
		return nil, utils.E(utils.CodeProviderUnavailable, op, "failed to initialise provider "+req.Provider, err)
	}

	t, err := s.Threads.AddMessage(ctx, req.ThreadID, models.MessagePayload{
		Role:    models.RoleUser,
		Content: req.Prompt,
		Status:  models.StatusComplete,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	prompt := s.Fitter.FitToWindow(t.Messages, s.TokenBudget)

	messageID := uuid.NewString()
	_, err = s.Threads.AddMessage(ctx, req.ThreadID, models.MessagePayload{
		ID:       messageID,
		Role:     models.RoleAssistant,
		Status:   placeholder,
		Metadata: models.Metadata{"model": req.ModelID, "provider": req.Provider},
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	return &generation{
		req:       req,
		client:    client,
		prompt:    prompt,
		params:    llm.Params{Model: req.ModelID, Temperature: req.Temperature, MaxTokens: req.MaxTokens},
		messageID: messageID,
	}, nil
}

// begin starts the provider context. It outlives the caller's context and
// ends on timeout or CancelGeneration.
func (s *completionService) begin(threadID string) (context.Context, *activeGeneration, func()) {
	genCtx, cancel := context.WithTimeout(context.Background(), s.ProviderTimeout)
	ag := &activeGeneration{cancel: cancel}

	s.mu.Lock()
	s.active[threadID] = ag
	s.mu.Unlock()

	return genCtx, ag, func() {
		s.mu.Lock()
		if s.active[threadID] == ag {
			delete(s.active, threadID)
		}
		s.mu.Unlock()
		cancel()
	}
}

func (s *completionService) CancelGeneration(ctx context.Context, threadID string) error {
	const op = "CompletionService.CancelGeneration"

	if threadID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "thread_id is required", nil)
	}

	s.mu.Lock()
	ag := s.active[threadID]
	s.mu.Unlock()
	if ag != nil {
		ag.cancelled.Store(true)
		ag.cancel()
		return nil
	}

	if _, err := s.Threads.Get(ctx, threadID); err != nil {
		return err
	}
	held, err := s.Guard.Held(ctx, threadID)
	if err != nil {
		return utils.E(utils.CodeUnavailable, op, "generation lock unavailable", err)
	}
	if held {
		return utils.E(utils.CodeConflict, op, "generation is owned by another instance", nil)
	}
	return utils.E(utils.CodeNotFound, op, "no generation in progress", nil)
}

// sink forwards events to the caller until the caller goes away.
type sink struct {
	ctx      context.Context
	onChunk  models.ChunkHandler
	detached bool
}

func (k *sink) emit(ev models.ChunkEvent) {
	if k.detached || k.onChunk == nil {
		return
	}
	if k.ctx.Err() != nil {
		k.detached = true
		return
	}
	if err := k.onChunk(ev); err != nil {
		k.detached = true
	}
}

func (s *completionService) StreamChatCompletion(ctx context.Context, userID string, req models.CompletionRequest, onChunk models.ChunkHandler) error {
	const op = "CompletionService.StreamChatCompletion"

	g, err := s.prepare(ctx, op, userID, req, models.StatusStreaming)
	if err != nil {
		return err
	}
	defer g.release()
	defer g.client.Close()

	// persistence outlives the caller
	persistCtx := context.WithoutCancel(ctx)
	out := &sink{ctx: ctx, onChunk: onChunk}

	genCtx, ag, end := s.begin(req.ThreadID)
	defer end()

	g.log.Info("generation started")
	chunks, errs := g.client.StreamCompletion(genCtx, g.prompt, g.params)

	var (
		acc      strings.Builder
		seq      int64
		finish   string
		usage    *llm.Usage
		storeErr error
	)
	for ch := range chunks {
		if storeErr != nil {
			continue
		}
		if ch.Usage != nil {
			usage = ch.Usage
		}
		if ch.FinishReason != "" {
			finish = ch.FinishReason
		}
		if ch.Delta == "" {
			continue
		}

		acc.WriteString(ch.Delta)
		seq++
		content := acc.String()
		if err := s.Threads.StreamContent(persistCtx, req.ThreadID, g.messageID, content); err != nil {
			storeErr = err
			end()
			continue
		}
		s.journal(persistCtx, g, seq, ch.Delta)

		ev := models.ChunkEvent{
			Type:      models.EventChunk,
			ThreadID:  req.ThreadID,
			MessageID: g.messageID,
			Seq:       seq,
			Delta:     ch.Delta,
			Status:    models.StatusStreaming,
		}
		s.publish(persistCtx, g, ev)
		out.emit(ev)
	}
	streamErr := <-errs
	seq++

	content := acc.String()
	switch {
	case storeErr != nil:
		g.log.WithError(storeErr).Error("generation aborted: store write failed")
		return s.fail(persistCtx, out, g, seq, content, models.StatusError, storeErr)

	case ag.cancelled.Load() && (streamErr != nil || finish == ""):
		g.log.Info("generation cancelled")
		md := s.baseMetadata(g)
		md["finishReason"] = "cancelled"
		return s.finish(persistCtx, out, g, seq, content, models.StatusInterrupted, md, "cancelled", nil)

	case streamErr != nil && genCtx.Err() != nil:
		g.log.WithError(streamErr).Warn("generation interrupted")
		appErr := utils.E(utils.CodeProviderUnavailable, op, "provider stream timed out", streamErr)
		return s.fail(persistCtx, out, g, seq, content, models.StatusInterrupted, appErr)

	case streamErr != nil:
		g.log.WithError(streamErr).Error("provider stream failed")
		appErr := utils.E(utils.CodeProviderUnavailable, op, providerMessage(req.Provider, streamErr), streamErr)
		return s.fail(persistCtx, out, g, seq, content, models.StatusError, appErr)

	case finish == "":
		g.log.Warn("provider stream ended without finish")
		appErr := utils.E(utils.CodeProviderUnavailable, op, "provider stream ended unexpectedly", nil)
		return s.fail(persistCtx, out, g, seq, content, models.StatusInterrupted, appErr)
	}

	md := s.baseMetadata(g)
	md["finishReason"] = finish
	var mu *models.Usage
	if usage != nil {
		mu = toUsage(usage)
		md["usage"] = mu.ToMetadata()
	}
	g.log.WithField("finish_reason", finish).Info("generation complete")
	return s.finish(persistCtx, out, g, seq, content, models.StatusComplete, md, finish, mu)
}

// finish writes the terminal state and emits the done event.
func (s *completionService) finish(ctx context.Context, out *sink, g *generation, seq int64, content string, status models.Status, md models.Metadata, finishReason string, usage *models.Usage) error {
	if _, err := s.Threads.UpdateMessage(ctx, g.req.ThreadID, g.messageID, models.MessagePatch{
		Content:  &content,
		Status:   &status,
		Metadata: md,
	}); err != nil {
		g.log.WithError(err).Error("failed to persist final message")
		s.emitError(ctx, out, g, seq, content, models.StatusStreaming, err)
		return err
	}

	ev := models.ChunkEvent{
		Type:         models.EventDone,
		ThreadID:     g.req.ThreadID,
		MessageID:    g.messageID,
		Seq:          seq,
		Content:      content,
		Status:       status,
		FinishReason: finishReason,
		Usage:        usage,
	}
	s.publish(ctx, g, ev)
	out.emit(ev)
	return nil
}

// fail writes status (error or interrupted) with the accumulated content and
// emits the error event carrying appErr.
func (s *completionService) fail(ctx context.Context, out *sink, g *generation, seq int64, content string, status models.Status, appErr error) error {
	md := s.baseMetadata(g)
	md["error"] = map[string]any{
		"code":    string(utils.CodeOf(appErr)),
		"message": utils.MessageOf(appErr),
	}
	if _, err := s.Threads.UpdateMessage(ctx, g.req.ThreadID, g.messageID, models.MessagePatch{
		Content:  &content,
		Status:   &status,
		Metadata: md,
	}); err != nil {
		// left streaming; the stale sweeper settles it
		g.log.WithError(err).Error("failed to persist failed message")
		status = models.StatusStreaming
	}
	s.emitError(ctx, out, g, seq, content, status, appErr)
	return appErr
}

func (s *completionService) emitError(ctx context.Context, out *sink, g *generation, seq int64, content string, status models.Status, err error) {
	ev := models.ChunkEvent{
		Type:      models.EventError,
		ThreadID:  g.req.ThreadID,
		MessageID: g.messageID,
		Seq:       seq,
		Content:   content,
		Status:    status,
		Error: &models.ErrorDetail{
			Code:    string(utils.CodeOf(err)),
			Message: utils.MessageOf(err),
		},
	}
	s.publish(ctx, g, ev)
	out.emit(ev)
}

func (s *completionService) CompleteChatPrompt(ctx context.Context, userID string, req models.CompletionRequest) (*models.CompletionResult, error) {
	const op = "CompletionService.CompleteChatPrompt"

	g, err := s.prepare(ctx, op, userID, req, models.StatusPending)
	if err != nil {
		return nil, err
	}
	defer g.release()
	defer g.client.Close()

	persistCtx := context.WithoutCancel(ctx)
	genCtx, ag, end := s.begin(req.ThreadID)
	defer end()

	resp, callErr := g.client.Completion(genCtx, g.prompt, g.params)

	md := s.baseMetadata(g)
	patch := models.MessagePatch{Metadata: md}
	var usage *models.Usage
	var retErr error

	switch {
	case ag.cancelled.Load() && callErr != nil:
		status := models.StatusInterrupted
		patch.Status = &status
		md["finishReason"] = "cancelled"

	case callErr != nil:
		status := models.StatusError
		retErr = utils.E(utils.CodeProviderUnavailable, op, providerMessage(req.Provider, callErr), callErr)
		if genCtx.Err() != nil {
			status = models.StatusInterrupted
			retErr = utils.E(utils.CodeProviderUnavailable, op, "provider request timed out", callErr)
		}
		patch.Status = &status
		md["error"] = map[string]any{"code": string(utils.CodeProviderUnavailable), "message": utils.MessageOf(retErr)}
		g.log.WithError(callErr).Error("provider completion failed")

	default:
		status := models.StatusComplete
		patch.Status = &status
		patch.Content = &resp.Content
		md["finishReason"] = resp.FinishReason
		if resp.Usage != nil {
			usage = toUsage(resp.Usage)
			md["usage"] = usage.ToMetadata()
		}
	}

	t, err := s.Threads.UpdateMessage(persistCtx, req.ThreadID, g.messageID, patch)
	if err != nil {
		g.log.WithError(err).Error("failed to persist completion")
		return nil, err
	}
	if retErr != nil {
		return nil, retErr
	}

	m := t.FindMessage(g.messageID)
	if m == nil {
		return nil, utils.E(utils.CodeInternal, op, "completed message vanished", nil)
	}
	return &models.CompletionResult{ThreadID: req.ThreadID, Message: *m, Usage: usage}, nil
}

func (s *completionService) baseMetadata(g *generation) models.Metadata {
	return models.Metadata{"model": g.req.ModelID, "provider": g.req.Provider}
}

func (s *completionService) journal(ctx context.Context, g *generation, seq int64, delta string) {
	if s.Journal == nil {
		return
	}
	now := time.Now().UTC()
	err := s.Journal.Append(ctx, &models.ChunkRecord{
		ThreadID:  g.req.ThreadID,
		MessageID: g.messageID,
		Seq:       seq,
		Delta:     delta,
		Timestamp: now,
		ExpiresAt: now.Add(s.JournalTTL),
	})
	if err != nil {
		g.log.WithError(err).WithField("seq", seq).Warn("chunk journal append failed")
	}
}

func (s *completionService) publish(ctx context.Context, g *generation, ev models.ChunkEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		g.log.WithError(err).WithField("seq", ev.Seq).Warn("event publish failed")
	}
}

func toUsage(u *llm.Usage) *models.Usage {
	return &models.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

func providerMessage(provider string, err error) string {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("provider %s returned status %d", provider, apiErr.StatusCode)
	}
	return "provider " + provider + " request failed"
}
