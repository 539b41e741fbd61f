package repository

import (
	"time"

	"github.com/nimasrn/message-dispatcher/internal/model"
)

type MessageEntity struct {
	ID          int64      `db:"id"           gorm:"primaryKey;autoIncrement;column:id"`
	PhoneNumber string     `db:"phone_number" gorm:"column:phone_number;not null"`
	Content     string     `db:"content"      gorm:"column:content;not null"`
	Status      string     `db:"status"       gorm:"column:status;not null;default:pending;index:idx_messages_status_created,priority:1"`
	ExternalID  *string    `db:"external_id"  gorm:"column:external_id"`
	SentAt      *time.Time `db:"sent_at"      gorm:"column:sent_at;index"`
	CreatedAt   time.Time  `db:"created_at"   gorm:"column:created_at;autoCreateTime;index:idx_messages_status_created,priority:2"`
	UpdatedAt   time.Time  `db:"updated_at"   gorm:"column:updated_at;autoUpdateTime"`
}

func (MessageEntity) TableName() string {
	return "messages"
}

func toMessageEntity(m *model.Message) *MessageEntity {
	if m == nil {
		return nil
	}
	status := m.Status
	if status == "" {
		status = model.MessageStatusPending
	}
	return &MessageEntity{
		ID:          m.ID,
		PhoneNumber: m.PhoneNumber,
		Content:     m.Content,
		Status:      string(status),
		ExternalID:  m.ExternalID,
		SentAt:      m.SentAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func toMessageModel(e *MessageEntity) *model.Message {
	if e == nil {
		return nil
	}
	return &model.Message{
		ID:          e.ID,
		PhoneNumber: e.PhoneNumber,
		Content:     e.Content,
		Status:      model.MessageStatus(e.Status),
		ExternalID:  e.ExternalID,
		SentAt:      e.SentAt,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func toMessageModels(entities []*MessageEntity) []*model.Message {
	models := make([]*model.Message, len(entities))
	for i, e := range entities {
		models[i] = toMessageModel(e)
	}
	return models
}
