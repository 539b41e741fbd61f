package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nimasrn/message-dispatcher/internal/model"
	"github.com/nimasrn/message-dispatcher/pkg/logger"
)

const DefaultMaxContentLength = 160

var phoneNumberPattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

var (
	ErrInvalidPhoneNumber = errors.New("invalid phone number format, expected E.164 such as +905551111111")
	ErrEmptyContent       = errors.New("message content cannot be empty")
	ErrContentTooLong     = errors.New("message content is too long")
)

// ValidationError rejects a create request. It is never retried.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) (*model.Message, error)
	FindSent(ctx context.Context) ([]*model.Message, error)
	FindPending(ctx context.Context, limit int) ([]*model.Message, error)
}

type DeliveryLookup interface {
	Get(ctx context.Context, messageID int64) (*model.DeliveryCacheEntry, error)
}

// SentMessage is a sent message annotated with its delivery cache entry,
// when one is still alive.
type SentMessage struct {
	*model.Message
	Cached   bool       `json:"cached"`
	CachedAt *time.Time `json:"cached_at,omitempty"`
}

type MessageService struct {
	messageRepo   MessageRepository
	deliveries    DeliveryLookup
	maxContentLen int
}

// NewMessageService builds the intake service. deliveries may be nil.
func NewMessageService(messageRepo MessageRepository, deliveries DeliveryLookup, maxContentLen int) *MessageService {
	if maxContentLen <= 0 {
		maxContentLen = DefaultMaxContentLength
	}
	return &MessageService{
		messageRepo:   messageRepo,
		deliveries:    deliveries,
		maxContentLen: maxContentLen,
	}
}

func (s *MessageService) Validate(p model.MessageCreateRequest) error {
	if !phoneNumberPattern.MatchString(strings.TrimSpace(p.PhoneNumber)) {
		return &ValidationError{Field: "phone_number", Err: ErrInvalidPhoneNumber}
	}
	if strings.TrimSpace(p.Content) == "" {
		return &ValidationError{Field: "content", Err: ErrEmptyContent}
	}
	if utf8.RuneCountInString(p.Content) > s.maxContentLen {
		return &ValidationError{
			Field: "content",
			Err:   fmt.Errorf("%w: at most %d characters", ErrContentTooLong, s.maxContentLen),
		}
	}
	return nil
}

// Create validates and stores a new pending message.
func (s *MessageService) Create(ctx context.Context, p model.MessageCreateRequest) (*model.Message, error) {
	if err := s.Validate(p); err != nil {
		return nil, err
	}

	created, err := s.messageRepo.Create(ctx, &model.Message{
		PhoneNumber: strings.TrimSpace(p.PhoneNumber),
		Content:     p.Content,
		Status:      model.MessageStatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	logger.Info("Message created", "message_id", created.ID)
	return created, nil
}

func (s *MessageService) ListSent(ctx context.Context) ([]*SentMessage, error) {
	messages, err := s.messageRepo.FindSent(ctx)
	if err != nil {
		return nil, fmt.Errorf("find sent messages: %w", err)
	}

	out := make([]*SentMessage, 0, len(messages))
	for _, m := range messages {
		sm := &SentMessage{Message: m}
		if s.deliveries != nil {
			if entry, err := s.deliveries.Get(ctx, m.ID); err == nil {
				cachedAt := entry.CachedAt
				sm.Cached = true
				sm.CachedAt = &cachedAt
			}
		}
		out = append(out, sm)
	}
	return out, nil
}

func (s *MessageService) ListPending(ctx context.Context, limit int) ([]*model.Message, error) {
	messages, err := s.messageRepo.FindPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending messages: %w", err)
	}
	return messages, nil
}
