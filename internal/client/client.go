// Package client exposes the conversation engine behind one interface with
// an in-process (Direct) and an HTTP (Remote) implementation.
package client

import (
	"context"
	"strings"

	"github.com/yoockh/threadline/internal/models"
	"github.com/yoockh/threadline/internal/utils"
)

type DomainClient interface {
	CreateThread(ctx context.Context, p models.CreateThreadParams) (*models.ContextThread, error)
	GetThread(ctx context.Context, threadID string) (*models.ContextThread, error)
	ListThreads(ctx context.Context, limit, offset int) ([]models.ThreadSummary, error)
	UpdateThread(ctx context.Context, threadID string, p models.UpdateThreadParams) (*models.ContextThread, error)
	DeleteThread(ctx context.Context, threadID string) error
	AddMessage(ctx context.Context, threadID string, p models.MessagePayload) (*models.ContextThread, error)
	UpdateMessage(ctx context.Context, threadID, messageID string, p models.MessagePatch) (*models.ContextThread, error)

	CompleteChatPrompt(ctx context.Context, userID string, req models.CompletionRequest) (*models.CompletionResult, error)
	StreamChatCompletion(ctx context.Context, userID string, req models.CompletionRequest, onChunk models.ChunkHandler) error
	CancelGeneration(ctx context.Context, threadID string) error
}

type Mode string

const (
	ModeDirect Mode = "direct"
	ModeRemote Mode = "remote"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDirect:
		return ModeDirect, nil
	case ModeRemote:
		return ModeRemote, nil
	}
	return "", utils.E(utils.CodeInvalidArgument, "client.ParseMode", "client mode must be direct or remote", nil)
}

// Selector picks the client for one request. The choice is made once and
// never revisited while the request runs.
type Selector struct {
	direct        DomainClient
	remote        DomainClient
	def           Mode
	allowOverride bool
}

// NewSelector builds a selector defaulting to def. Per-request overrides are
// honoured only outside production. remote may be nil when no remote
// endpoint is configured.
func NewSelector(direct, remote DomainClient, def Mode, production bool) *Selector {
	if def == "" {
		def = ModeDirect
	}
	return &Selector{direct: direct, remote: remote, def: def, allowOverride: !production}
}

func (s *Selector) Default() Mode { return s.def }

func (s *Selector) Resolve(override string) (DomainClient, Mode, error) {
	const op = "Selector.Resolve"

	mode := s.def
	if override != "" && s.allowOverride {
		m, err := ParseMode(override)
		if err != nil {
			return nil, "", err
		}
		mode = m
	}

	switch mode {
	case ModeRemote:
		if s.remote == nil {
			return nil, "", utils.E(utils.CodeUnavailable, op, "remote client is not configured", nil)
		}
		return s.remote, ModeRemote, nil
	default:
		return s.direct, ModeDirect, nil
	}
}
