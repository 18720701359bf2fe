package postgres

import (
	"context"
	"errors"

	"github.com/yoockh/threadline/internal/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type credentialRow struct {
	UserID    string `gorm:"column:user_id;primaryKey"`
	Provider  string `gorm:"column:provider;primaryKey"`
	SealedKey string `gorm:"column:sealed_key;type:text;not null"`
	UpdatedMs int64  `gorm:"column:updated_at;not null"`
}

func (credentialRow) TableName() string { return "provider_credentials" }

type CredentialRepository interface {
	GetSealed(ctx context.Context, userID, provider string) (string, error)
	Upsert(ctx context.Context, userID, provider, sealed string, updatedAt int64) error
}

type credentialRepo struct {
	db *gorm.DB
}

func NewCredentialRepo(db *gorm.DB) CredentialRepository {
	return &credentialRepo{db: db}
}

func (r *credentialRepo) GetSealed(ctx context.Context, userID, provider string) (string, error) {
	var row credentialRow
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", utils.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return row.SealedKey, nil
}

func (r *credentialRepo) Upsert(ctx context.Context, userID, provider, sealed string, updatedAt int64) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{"sealed_key", "updated_at"}),
		}).
		Create(&credentialRow{UserID: userID, Provider: provider, SealedKey: sealed, UpdatedMs: updatedAt}).Error
}
