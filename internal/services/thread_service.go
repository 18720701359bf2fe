package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/threadline/internal/cache"
	"github.com/yoockh/threadline/internal/models"
	pgrepo "github.com/yoockh/threadline/internal/repositories/postgres"
	"github.com/yoockh/threadline/internal/utils"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type ThreadService interface {
	Create(ctx context.Context, p models.CreateThreadParams) (*models.ContextThread, error)
	Get(ctx context.Context, threadID string) (*models.ContextThread, error)
	List(ctx context.Context, limit, offset int) ([]models.ThreadSummary, error)
	Update(ctx context.Context, threadID string, p models.UpdateThreadParams) (*models.ContextThread, error)
	Delete(ctx context.Context, threadID string) error
	AddMessage(ctx context.Context, threadID string, p models.MessagePayload) (*models.ContextThread, error)
	UpdateMessage(ctx context.Context, threadID, messageID string, p models.MessagePatch) (*models.ContextThread, error)
	// StreamContent replaces the content of a streaming message. Unlike
	// UpdateMessage it does not return the reloaded thread.
	StreamContent(ctx context.Context, threadID, messageID, content string) error
}

type threadService struct {
	threads  pgrepo.ThreadRepository
	cache    cache.Cache
	cacheTTL time.Duration
	locks    *threadLocks
	log      *logrus.Logger
	now      func() int64
}

func NewThreadService(threads pgrepo.ThreadRepository, c cache.Cache, cacheTTL time.Duration, log *logrus.Logger) ThreadService {
	if c == nil {
		c = cache.Noop{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &threadService{
		threads:  threads,
		cache:    c,
		cacheTTL: cacheTTL,
		locks:    newThreadLocks(),
		log:      log,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

func cacheKey(threadID string) string { return "thread:" + threadID }

func (s *threadService) Create(ctx context.Context, p models.CreateThreadParams) (*models.ContextThread, error) {
	const op = "ThreadService.Create"

	if err := utils.ValidateStruct(op, p); err != nil {
		return nil, err
	}

	now := s.now()
	t := &models.ContextThread{
		ID:        uuid.NewString(),
		Title:     p.Title,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  p.Metadata,
	}
	if p.Seed != nil {
		m, err := s.newMessage(op, t.ID, *p.Seed, now)
		if err != nil {
			return nil, err
		}
		t.Messages = []models.Message{*m}
	}

	if err := s.threads.CreateThread(ctx, t); err != nil {
		return nil, s.storeErr(op, t.ID, err)
	}
	return s.load(ctx, op, t.ID)
}

func (s *threadService) Get(ctx context.Context, threadID string) (*models.ContextThread, error) {
	const op = "ThreadService.Get"

	if threadID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "thread_id is required", nil)
	}

	unlock := s.locks.RLock(threadID)
	defer unlock()

	var cached models.ContextThread
	hit, err := s.cache.GetJSON(ctx, cacheKey(threadID), &cached)
	if err != nil {
		s.log.WithError(err).WithField("thread_id", threadID).Warn("thread cache read failed")
	}
	if hit {
		return &cached, nil
	}

	t, err := s.load(ctx, op, threadID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, cacheKey(threadID), t, s.cacheTTL); err != nil {
		s.log.WithError(err).WithField("thread_id", threadID).Warn("thread cache write failed")
	}
	return t, nil
}

func (s *threadService) List(ctx context.Context, limit, offset int) ([]models.ThreadSummary, error) {
	const op = "ThreadService.List"

	if limit < 0 || offset < 0 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "limit and offset must be >= 0", nil)
	}
	if limit == 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	out, err := s.threads.ListThreads(ctx, limit, offset)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list threads", err)
	}
	return out, nil
}

func (s *threadService) Update(ctx context.Context, threadID string, p models.UpdateThreadParams) (*models.ContextThread, error) {
	const op = "ThreadService.Update"

	if threadID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "thread_id is required", nil)
	}
	if err := utils.ValidateStruct(op, p); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(threadID)
	defer unlock()

	if err := s.threads.UpdateThread(ctx, threadID, p.Title, p.Metadata, s.now()); err != nil {
		return nil, s.storeErr(op, threadID, err)
	}
	s.evict(ctx, threadID)
	return s.load(ctx, op, threadID)
}

func (s *threadService) Delete(ctx context.Context, threadID string) error {
	const op = "ThreadService.Delete"

	if threadID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "thread_id is required", nil)
	}

	unlock := s.locks.Lock(threadID)
	defer unlock()

	if err := s.threads.DeleteThread(ctx, threadID); err != nil {
		return s.storeErr(op, threadID, err)
	}
	s.evict(ctx, threadID)
	return nil
}

func (s *threadService) AddMessage(ctx context.Context, threadID string, p models.MessagePayload) (*models.ContextThread, error) {
	const op = "ThreadService.AddMessage"

	if threadID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "thread_id is required", nil)
	}

	now := s.now()
	m, err := s.newMessage(op, threadID, p, now)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(threadID)
	defer unlock()

	if err := s.threads.InsertMessage(ctx, m, now); err != nil {
		return nil, s.storeErr(op, threadID, err)
	}
	s.evict(ctx, threadID)
	return s.load(ctx, op, threadID)
}

func (s *threadService) UpdateMessage(ctx context.Context, threadID, messageID string, p models.MessagePatch) (*models.ContextThread, error) {
	const op = "ThreadService.UpdateMessage"

	if threadID == "" || messageID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "thread_id and message_id are required", nil)
	}
	if err := utils.ValidateStruct(op, p); err != nil {
		return nil, err
	}
	if p.Empty() {
		return nil, utils.E(utils.CodeInvalidArgument, op, "patch has no fields", nil)
	}

	unlock := s.locks.Lock(threadID)
	defer unlock()

	cur, err := s.threads.GetMessage(ctx, threadID, messageID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "message not found", err)
		}
		return nil, s.storeErr(op, threadID, err)
	}

	contentChanged := p.Content != nil && *p.Content != cur.Content
	statusChanged := p.Status != nil && *p.Status != cur.Status
	if cur.Status.Terminal() && (contentChanged || statusChanged) {
		return nil, utils.E(utils.CodeConflict, op, "message is final", nil)
	}
	next := cur.Status
	if p.Status != nil {
		next = *p.Status
	}
	// content moves only while streaming or on the write that settles the message
	if contentChanged && next != models.StatusStreaming && !next.Terminal() {
		return nil, utils.E(utils.CodeConflict, op, "message content can only change while streaming", nil)
	}

	if statusChanged && *p.Status == models.StatusStreaming {
		t, err := s.threads.GetThread(ctx, threadID)
		if err != nil {
			return nil, s.storeErr(op, threadID, err)
		}
		if sm := t.StreamingMessage(); sm != nil && sm.ID != messageID {
			return nil, utils.E(utils.CodeConflict, op, "thread already has a streaming message", nil)
		}
	}

	now := s.now()
	if p.Content != nil {
		cur.Content = *p.Content
	}
	if p.Status != nil {
		cur.Status = *p.Status
	}
	if len(p.Metadata) > 0 {
		merged := make(models.Metadata, len(cur.Metadata)+len(p.Metadata))
		for k, v := range cur.Metadata {
			merged[k] = v
		}
		for k, v := range p.Metadata {
			merged[k] = v
		}
		cur.Metadata = merged
	}
	if now > cur.UpdatedAt {
		cur.UpdatedAt = now
	}

	if err := s.threads.SaveMessage(ctx, cur, now); err != nil {
		return nil, s.storeErr(op, threadID, err)
	}
	s.evict(ctx, threadID)
	return s.load(ctx, op, threadID)
}

func (s *threadService) StreamContent(ctx context.Context, threadID, messageID, content string) error {
	const op = "ThreadService.StreamContent"

	if threadID == "" || messageID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "thread_id and message_id are required", nil)
	}

	unlock := s.locks.Lock(threadID)
	defer unlock()

	if err := s.threads.SetStreamingContent(ctx, threadID, messageID, content, s.now()); err != nil {
		switch {
		case errors.Is(err, utils.ErrNotFound):
			return utils.E(utils.CodeNotFound, op, "message not found", err)
		case errors.Is(err, pgrepo.ErrNotStreaming):
			return utils.E(utils.CodeConflict, op, "message content can only change while streaming", err)
		}
		return s.storeErr(op, threadID, err)
	}
	s.evict(ctx, threadID)
	return nil
}

func (s *threadService) newMessage(op, threadID string, p models.MessagePayload, now int64) (*models.Message, error) {
	if err := utils.ValidateStruct(op, p); err != nil {
		return nil, err
	}

	m := &models.Message{
		ID:        p.ID,
		ThreadID:  threadID,
		Role:      p.Role,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
		Status:    p.Status,
		Metadata:  p.Metadata,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.UpdatedAt < m.CreatedAt {
		m.UpdatedAt = m.CreatedAt
	}
	if m.Status == "" {
		m.Status = models.StatusComplete
	}
	return m, nil
}

// load reads the thread straight from the store, bypassing the cache.
func (s *threadService) load(ctx context.Context, op, threadID string) (*models.ContextThread, error) {
	t, err := s.threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, s.storeErr(op, threadID, err)
	}
	return t, nil
}

func (s *threadService) evict(ctx context.Context, threadID string) {
	if err := s.cache.Del(ctx, cacheKey(threadID)); err != nil {
		s.log.WithError(err).WithField("thread_id", threadID).Warn("thread cache evict failed")
	}
}

func (s *threadService) storeErr(op, threadID string, err error) error {
	var corrupt *pgrepo.CorruptDataError
	switch {
	case errors.Is(err, utils.ErrNotFound):
		return utils.E(utils.CodeNotFound, op, "thread not found", err)
	case errors.Is(err, pgrepo.ErrDuplicateMessage):
		return utils.E(utils.CodeConflict, op, "message id already exists", err)
	case errors.Is(err, pgrepo.ErrStreamingInProgress):
		return utils.E(utils.CodeConflict, op, "thread already has a streaming message", err)
	case errors.As(err, &corrupt):
		s.log.WithError(err).WithFields(logrus.Fields{
			"op":         op,
			"thread_id":  corrupt.ThreadID,
			"message_id": corrupt.MessageID,
		}).Error("stored thread data is corrupted")
		return utils.E(utils.CodeDataCorrupted, op, "thread "+corrupt.ThreadID+" data is corrupted", err)
	default:
		return utils.E(utils.CodeInternal, op, "thread store failure", err)
	}
}
