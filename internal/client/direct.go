package client

import (
	"context"
	"errors"

	"github.com/yoockh/threadline/internal/models"
	"github.com/yoockh/threadline/internal/services"
	"github.com/yoockh/threadline/internal/utils"
)

// Direct calls the services in-process.
type Direct struct {
	threads     services.ThreadService
	completions services.CompletionService
}

func NewDirect(threads services.ThreadService, completions services.CompletionService) *Direct {
	return &Direct{threads: threads, completions: completions}
}

// normalize keeps taxonomy errors and folds anything else into INTERNAL.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *utils.AppError
	if errors.As(err, &ae) {
		return err
	}
	return utils.E(utils.CodeInternal, op, "internal error", err)
}

func (d *Direct) CreateThread(ctx context.Context, p models.CreateThreadParams) (*models.ContextThread, error) {
	t, err := d.threads.Create(ctx, p)
	return t, normalize("Direct.CreateThread", err)
}

func (d *Direct) GetThread(ctx context.Context, threadID string) (*models.ContextThread, error) {
	t, err := d.threads.Get(ctx, threadID)
	return t, normalize("Direct.GetThread", err)
}

func (d *Direct) ListThreads(ctx context.Context, limit, offset int) ([]models.ThreadSummary, error) {
	out, err := d.threads.List(ctx, limit, offset)
	return out, normalize("Direct.ListThreads", err)
}

func (d *Direct) UpdateThread(ctx context.Context, threadID string, p models.UpdateThreadParams) (*models.ContextThread, error) {
	t, err := d.threads.Update(ctx, threadID, p)
	return t, normalize("Direct.UpdateThread", err)
}

func (d *Direct) DeleteThread(ctx context.Context, threadID string) error {
	return normalize("Direct.DeleteThread", d.threads.Delete(ctx, threadID))
}

func (d *Direct) AddMessage(ctx context.Context, threadID string, p models.MessagePayload) (*models.ContextThread, error) {
	t, err := d.threads.AddMessage(ctx, threadID, p)
	return t, normalize("Direct.AddMessage", err)
}

func (d *Direct) UpdateMessage(ctx context.Context, threadID, messageID string, p models.MessagePatch) (*models.ContextThread, error) {
	t, err := d.threads.UpdateMessage(ctx, threadID, messageID, p)
	return t, normalize("Direct.UpdateMessage", err)
}

func (d *Direct) CompleteChatPrompt(ctx context.Context, userID string, req models.CompletionRequest) (*models.CompletionResult, error) {
	res, err := d.completions.CompleteChatPrompt(ctx, userID, req)
	return res, normalize("Direct.CompleteChatPrompt", err)
}

func (d *Direct) StreamChatCompletion(ctx context.Context, userID string, req models.CompletionRequest, onChunk models.ChunkHandler) error {
	return normalize("Direct.StreamChatCompletion", d.completions.StreamChatCompletion(ctx, userID, req, onChunk))
}

func (d *Direct) CancelGeneration(ctx context.Context, threadID string) error {
	return normalize("Direct.CancelGeneration", d.completions.CancelGeneration(ctx, threadID))
}
