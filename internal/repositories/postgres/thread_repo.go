package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yoockh/threadline/internal/models"
	"github.com/yoockh/threadline/internal/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrDuplicateMessage    = errors.New("message id already exists in thread")
	ErrStreamingInProgress = errors.New("thread already has a streaming message")
	ErrNotStreaming        = errors.New("message is not streaming")
)

// CorruptDataError reports a stored row whose payload cannot be decoded.
type CorruptDataError struct {
	ThreadID  string
	MessageID string
	Err       error
}

func (e *CorruptDataError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("corrupt data in thread %s message %s: %v", e.ThreadID, e.MessageID, e.Err)
	}
	return fmt.Sprintf("corrupt data in thread %s: %v", e.ThreadID, e.Err)
}

func (e *CorruptDataError) Unwrap() error { return e.Err }

type threadRow struct {
	ID        string         `gorm:"column:id;type:text;primaryKey"`
	Title     string         `gorm:"column:title;type:text"`
	Metadata  datatypes.JSON `gorm:"column:metadata"`
	CreatedMs int64          `gorm:"column:created_at;not null"`
	UpdatedMs int64          `gorm:"column:updated_at;not null;index"`
}

func (threadRow) TableName() string { return "context_threads" }

type messageRow struct {
	ThreadID  string         `gorm:"column:thread_id;type:text;primaryKey;index:idx_thread_messages_order,priority:1"`
	ID        string         `gorm:"column:id;primaryKey"`
	Seq       int64          `gorm:"column:seq;not null;index:idx_thread_messages_order,priority:3"`
	Role      string         `gorm:"column:role;type:text;not null"`
	Content   string         `gorm:"column:content;type:text"`
	Status    string         `gorm:"column:status;type:text;not null;index"`
	Metadata  datatypes.JSON `gorm:"column:metadata"`
	CreatedMs int64          `gorm:"column:created_at;not null;index:idx_thread_messages_order,priority:2"`
	UpdatedMs int64          `gorm:"column:updated_at;not null"`
}

func (messageRow) TableName() string { return "thread_messages" }

// StaleMessage identifies a message stuck in streaming status.
type StaleMessage struct {
	ThreadID  string `gorm:"column:thread_id"`
	MessageID string `gorm:"column:id"`
}

type ThreadRepository interface {
	CreateThread(ctx context.Context, t *models.ContextThread) error
	GetThread(ctx context.Context, id string) (*models.ContextThread, error)
	ListThreads(ctx context.Context, limit, offset int) ([]models.ThreadSummary, error)
	UpdateThread(ctx context.Context, id string, title *string, metadata models.Metadata, touchedAt int64) error
	DeleteThread(ctx context.Context, id string) error
	InsertMessage(ctx context.Context, m *models.Message, touchedAt int64) error
	GetMessage(ctx context.Context, threadID, messageID string) (*models.Message, error)
	SaveMessage(ctx context.Context, m *models.Message, touchedAt int64) error
	SetStreamingContent(ctx context.Context, threadID, messageID, content string, touchedAt int64) error
	ListStaleStreaming(ctx context.Context, cutoffMs int64, limit int) ([]StaleMessage, error)
}

type threadRepo struct {
	db *gorm.DB
}

func NewThreadRepo(db *gorm.DB) ThreadRepository {
	return &threadRepo{db: db}
}

// Models lists the tables this package owns, for AutoMigrate.
func Models() []any {
	return []any{&threadRow{}, &messageRow{}, &credentialRow{}}
}

func (r *threadRepo) CreateThread(ctx context.Context, t *models.ContextThread) error {
	md, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	row := threadRow{ID: t.ID, Title: t.Title, Metadata: md, CreatedMs: t.CreatedAt, UpdatedMs: t.UpdatedAt}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for i := range t.Messages {
			mr, err := toMessageRow(&t.Messages[i])
			if err != nil {
				return err
			}
			mr.Seq = int64(i + 1)
			if err := tx.Create(&mr).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *threadRepo) GetThread(ctx context.Context, id string) (*models.ContextThread, error) {
	var row threadRow
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	md, err := decodeMetadata(row.Metadata)
	if err != nil {
		return nil, &CorruptDataError{ThreadID: id, Err: err}
	}

	var rows []messageRow
	err = r.db.WithContext(ctx).
		Where("thread_id = ?", id).
		Order("created_at ASC").
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	t := &models.ContextThread{
		ID:        row.ID,
		Title:     row.Title,
		CreatedAt: row.CreatedMs,
		UpdatedAt: row.UpdatedMs,
		Metadata:  md,
		Messages:  make([]models.Message, 0, len(rows)),
	}
	for i := range rows {
		m, err := fromMessageRow(&rows[i])
		if err != nil {
			return nil, &CorruptDataError{ThreadID: id, MessageID: rows[i].ID, Err: err}
		}
		t.Messages = append(t.Messages, *m)
	}
	models.NormalizeMessages(t.Messages)
	return t, nil
}

type summaryRow struct {
	ID           string `gorm:"column:id"`
	Title        string `gorm:"column:title"`
	CreatedMs    int64  `gorm:"column:created_at"`
	UpdatedMs    int64  `gorm:"column:updated_at"`
	MessageCount int64  `gorm:"column:message_count"`
}

func (r *threadRepo) ListThreads(ctx context.Context, limit, offset int) ([]models.ThreadSummary, error) {
	var rows []summaryRow
	err := r.db.WithContext(ctx).
		Table("context_threads AS t").
		Select("t.id, t.title, t.created_at, t.updated_at, COUNT(m.id) AS message_count").
		Joins("LEFT JOIN thread_messages AS m ON m.thread_id = t.id").
		Group("t.id, t.title, t.created_at, t.updated_at").
		Order("t.updated_at DESC").
		Order("t.id ASC").
		Limit(limit).
		Offset(offset).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]models.ThreadSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.ThreadSummary{
			ID:           row.ID,
			Title:        row.Title,
			CreatedAt:    row.CreatedMs,
			UpdatedAt:    row.UpdatedMs,
			MessageCount: row.MessageCount,
		})
	}
	return out, nil
}

func (r *threadRepo) UpdateThread(ctx context.Context, id string, title *string, metadata models.Metadata, touchedAt int64) error {
	updates := map[string]any{"updated_at": monotonic(touchedAt)}
	if title != nil {
		updates["title"] = *title
	}
	if metadata != nil {
		md, err := encodeMetadata(metadata)
		if err != nil {
			return err
		}
		updates["metadata"] = md
	}

	res := r.db.WithContext(ctx).Model(&threadRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrNotFound
	}
	return nil
}

func (r *threadRepo) DeleteThread(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("thread_id = ?", id).Delete(&messageRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&threadRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.ErrNotFound
		}
		return nil
	})
}

func (r *threadRepo) InsertMessage(ctx context.Context, m *models.Message, touchedAt int64) error {
	row, err := toMessageRow(m)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&threadRow{}).Where("id = ?", m.ThreadID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return utils.ErrNotFound
		}

		if err := tx.Model(&messageRow{}).Where("thread_id = ? AND id = ?", m.ThreadID, m.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateMessage
		}

		if m.Status == models.StatusStreaming {
			err := tx.Model(&messageRow{}).
				Where("thread_id = ? AND status = ?", m.ThreadID, string(models.StatusStreaming)).
				Count(&n).Error
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrStreamingInProgress
			}
		}

		var maxSeq int64
		err := tx.Model(&messageRow{}).
			Select("COALESCE(MAX(seq), 0)").
			Where("thread_id = ?", m.ThreadID).
			Row().Scan(&maxSeq)
		if err != nil {
			return err
		}
		row.Seq = maxSeq + 1

		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return touchThread(tx, m.ThreadID, touchedAt)
	})
}

func (r *threadRepo) GetMessage(ctx context.Context, threadID, messageID string) (*models.Message, error) {
	var row messageRow
	err := r.db.WithContext(ctx).
		Where("thread_id = ? AND id = ?", threadID, messageID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m, err := fromMessageRow(&row)
	if err != nil {
		return nil, &CorruptDataError{ThreadID: threadID, MessageID: messageID, Err: err}
	}
	return m, nil
}

func (r *threadRepo) SaveMessage(ctx context.Context, m *models.Message, touchedAt int64) error {
	md, err := encodeMetadata(m.Metadata)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&messageRow{}).
			Where("thread_id = ? AND id = ?", m.ThreadID, m.ID).
			Updates(map[string]any{
				"content":    m.Content,
				"status":     string(m.Status),
				"metadata":   md,
				"updated_at": m.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.ErrNotFound
		}
		return touchThread(tx, m.ThreadID, touchedAt)
	})
}

// SetStreamingContent overwrites the content of a streaming message without
// reading the rest of the thread.
func (r *threadRepo) SetStreamingContent(ctx context.Context, threadID, messageID, content string, touchedAt int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&messageRow{}).
			Where("thread_id = ? AND id = ? AND status = ?", threadID, messageID, string(models.StatusStreaming)).
			Updates(map[string]any{
				"content":    content,
				"updated_at": monotonic(touchedAt),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&messageRow{}).Where("thread_id = ? AND id = ?", threadID, messageID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return utils.ErrNotFound
			}
			return ErrNotStreaming
		}
		return touchThread(tx, threadID, touchedAt)
	})
}

func (r *threadRepo) ListStaleStreaming(ctx context.Context, cutoffMs int64, limit int) ([]StaleMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []StaleMessage
	err := r.db.WithContext(ctx).
		Model(&messageRow{}).
		Select("thread_id, id").
		Where("status = ? AND updated_at < ?", string(models.StatusStreaming), cutoffMs).
		Order("updated_at ASC").
		Limit(limit).
		Scan(&out).Error
	return out, err
}

// monotonic never moves updated_at backwards.
func monotonic(ts int64) any {
	return gorm.Expr("CASE WHEN updated_at < ? THEN ? ELSE updated_at END", ts, ts)
}

func touchThread(tx *gorm.DB, threadID string, ts int64) error {
	return tx.Model(&threadRow{}).
		Where("id = ?", threadID).
		Update("updated_at", monotonic(ts)).Error
}

func toMessageRow(m *models.Message) (messageRow, error) {
	md, err := encodeMetadata(m.Metadata)
	if err != nil {
		return messageRow{}, err
	}
	return messageRow{
		ThreadID:  m.ThreadID,
		ID:        m.ID,
		Role:      string(m.Role),
		Content:   m.Content,
		Status:    string(m.Status),
		Metadata:  md,
		CreatedMs: m.CreatedAt,
		UpdatedMs: m.UpdatedAt,
	}, nil
}

func fromMessageRow(row *messageRow) (*models.Message, error) {
	md, err := decodeMetadata(row.Metadata)
	if err != nil {
		return nil, err
	}
	return &models.Message{
		ID:        row.ID,
		ThreadID:  row.ThreadID,
		Role:      models.Role(row.Role),
		Content:   row.Content,
		CreatedAt: row.CreatedMs,
		UpdatedAt: row.UpdatedMs,
		Status:    models.Status(row.Status),
		Metadata:  md,
	}, nil
}

func encodeMetadata(md models.Metadata) (datatypes.JSON, error) {
	if md == nil {
		return datatypes.JSON("{}"), nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return datatypes.JSON(b), nil
}

func decodeMetadata(raw datatypes.JSON) (models.Metadata, error) {
	md := models.Metadata{}
	if len(raw) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, err
	}
	if md == nil {
		md = models.Metadata{}
	}
	return md, nil
}
