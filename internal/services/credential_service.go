package services

import (
	"context"
	"errors"
	"strings"
	"time"

	pgrepo "github.com/yoockh/threadline/internal/repositories/postgres"
	"github.com/yoockh/threadline/internal/utils"
)

// CredentialStore resolves per-user provider API keys.
type CredentialStore interface {
	GetDecryptedAPIKey(ctx context.Context, userID, provider string) (string, error)
	SaveAPIKey(ctx context.Context, userID, provider, apiKey string) error
}

type credentialService struct {
	creds pgrepo.CredentialRepository
	box   *utils.SecretBox
}

func NewCredentialService(creds pgrepo.CredentialRepository, box *utils.SecretBox) CredentialStore {
	return &credentialService{creds: creds, box: box}
}

func sealAAD(userID, provider string) string { return userID + ":" + provider }

func (s *credentialService) GetDecryptedAPIKey(ctx context.Context, userID, provider string) (string, error) {
	const op = "CredentialService.GetDecryptedAPIKey"

	if userID == "" || provider == "" {
		return "", utils.E(utils.CodeInvalidArgument, op, "user_id and provider are required", nil)
	}

	sealed, err := s.creds.GetSealed(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return "", utils.E(utils.CodeCredentialMissing, op, "no api key stored for provider "+provider, err)
		}
		return "", utils.E(utils.CodeInternal, op, "failed to load credential", err)
	}

	key, err := s.box.Open(sealed, sealAAD(userID, provider))
	if err != nil {
		// a key sealed under another secret is as good as none
		return "", utils.E(utils.CodeCredentialMissing, op, "stored api key for provider "+provider+" is unusable", err)
	}
	return key, nil
}

func (s *credentialService) SaveAPIKey(ctx context.Context, userID, provider, apiKey string) error {
	const op = "CredentialService.SaveAPIKey"

	apiKey = strings.TrimSpace(apiKey)
	if userID == "" || provider == "" || apiKey == "" {
		return utils.E(utils.CodeInvalidArgument, op, "user_id, provider, and api_key are required", nil)
	}

	sealed, err := s.box.Seal(apiKey, sealAAD(userID, provider))
	if err != nil {
		return utils.E(utils.CodeInternal, op, "failed to seal api key", err)
	}
	if err := s.creds.Upsert(ctx, userID, provider, sealed, time.Now().UnixMilli()); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to save credential", err)
	}
	return nil
}
