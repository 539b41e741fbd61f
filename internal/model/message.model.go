package model

import (
	"time"
)

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

const (
	MessageStatusPending MessageStatus = "pending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
)

func (s MessageStatus) IsValid() bool {
	switch s {
	case MessageStatusPending, MessageStatusSent, MessageStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether a delivery attempt left the message in a final state.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusSent || s == MessageStatusFailed
}

type Message struct {
	ID          int64         `json:"id"`
	PhoneNumber string        `json:"phone_number"`
	Content     string        `json:"content"`
	Status      MessageStatus `json:"status"`
	ExternalID  *string       `json:"message_id"` // set only on success
	SentAt      *time.Time    `json:"sent_at"`    // set only on success
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// MessageCreateRequest is the input for creating a message.
type MessageCreateRequest struct {
	PhoneNumber string
	Content     string
}
