package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/message-dispatcher/internal/model"
	"github.com/nimasrn/message-dispatcher/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("message not found")
)

type MessageRepository struct {
	*pg.DB
	now func() time.Time
}

func NewMessageRepository(db *pg.DB) *MessageRepository {
	return &MessageRepository{
		DB:  db,
		now: time.Now,
	}
}

func (r *MessageRepository) Create(ctx context.Context, msg *model.Message) (*model.Message, error) {
	entity := toMessageEntity(msg)
	entity.Status = string(model.MessageStatusPending)
	entity.ExternalID = nil
	entity.SentAt = nil

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toMessageModel(entity), nil
}

func (r *MessageRepository) FindByID(ctx context.Context, id int64) (*model.Message, error) {
	var entity MessageEntity
	err := r.Read(ctx).Where("id = ?", id).Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toMessageModel(&entity), nil
}

// FindPending returns up to limit pending messages, oldest first.
func (r *MessageRepository) FindPending(ctx context.Context, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		return []*model.Message{}, nil
	}

	var entities []*MessageEntity
	err := r.Read(ctx).
		Where("status = ?", string(model.MessageStatusPending)).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}

	return toMessageModels(entities), nil
}

// FindSent returns every sent message, most recently sent first.
func (r *MessageRepository) FindSent(ctx context.Context) ([]*model.Message, error) {
	var entities []*MessageEntity
	err := r.Read(ctx).
		Where("status = ?", string(model.MessageStatusSent)).
		Order("sent_at DESC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}

	return toMessageModels(entities), nil
}

// MarkSent records a confirmed external delivery. It returns false when the
// message does not exist or is already sent, so an external id is never
// overwritten.
func (r *MessageRepository) MarkSent(ctx context.Context, id int64, externalID string) (bool, error) {
	now := r.now()
	res := r.Write(ctx).
		Model(&MessageEntity{}).
		Where("id = ? AND status <> ?", id, string(model.MessageStatusSent)).
		Updates(map[string]interface{}{
			"status":      string(model.MessageStatusSent),
			"external_id": externalID,
			"sent_at":     now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// IsSent reports whether the message exists with status sent.
func (r *MessageRepository) IsSent(ctx context.Context, id int64) (bool, error) {
	var total int64
	err := r.Write(ctx).
		Model(&MessageEntity{}).
		Where("id = ? AND status = ?", id, string(model.MessageStatusSent)).
		Count(&total).Error
	if err != nil {
		return false, err
	}
	return total > 0, nil
}

// MarkFailed records a failed attempt. A sent message is left untouched.
func (r *MessageRepository) MarkFailed(ctx context.Context, id int64) (bool, error) {
	res := r.Write(ctx).
		Model(&MessageEntity{}).
		Where("id = ? AND status <> ?", id, string(model.MessageStatusSent)).
		Updates(map[string]interface{}{
			"status":     string(model.MessageStatusFailed),
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *MessageRepository) CountByStatus(ctx context.Context, status model.MessageStatus) (int64, error) {
	var total int64
	err := r.Read(ctx).
		Model(&MessageEntity{}).
		Where("status = ?", string(status)).
		Count(&total).Error
	return total, err
}
