package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nimasrn/message-dispatcher/internal/cache"
	"github.com/nimasrn/message-dispatcher/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) Create(ctx context.Context, msg *model.Message) (*model.Message, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *MockMessageRepository) FindSent(ctx context.Context) ([]*model.Message, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Message), args.Error(1)
}

func (m *MockMessageRepository) FindPending(ctx context.Context, limit int) ([]*model.Message, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Message), args.Error(1)
}

type MockDeliveryLookup struct {
	mock.Mock
}

func (m *MockDeliveryLookup) Get(ctx context.Context, messageID int64) (*model.DeliveryCacheEntry, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeliveryCacheEntry), args.Error(1)
}

func TestMessageService_Create(t *testing.T) {
	ctx := context.Background()
	repo := new(MockMessageRepository)
	service := NewMessageService(repo, nil, 0)

	repo.On("Create", ctx, mock.MatchedBy(func(m *model.Message) bool {
		return m.PhoneNumber == "+905551111111" &&
			m.Content == "Insider - Project" &&
			m.Status == model.MessageStatusPending
	})).Return(&model.Message{ID: 7, PhoneNumber: "+905551111111", Content: "Insider - Project", Status: model.MessageStatusPending}, nil)

	msg, err := service.Create(ctx, model.MessageCreateRequest{
		PhoneNumber: " +905551111111 ",
		Content:     "Insider - Project",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), msg.ID)
	assert.Equal(t, model.MessageStatusPending, msg.Status)

	repo.AssertExpectations(t)
}

func TestMessageService_Create_Validation(t *testing.T) {
	tests := []struct {
		name    string
		req     model.MessageCreateRequest
		field   string
		wantErr error
	}{
		{"missing phone", model.MessageCreateRequest{Content: "hi"}, "phone_number", ErrInvalidPhoneNumber},
		{"no plus sign", model.MessageCreateRequest{PhoneNumber: "905551111111", Content: "hi"}, "phone_number", ErrInvalidPhoneNumber},
		{"leading zero", model.MessageCreateRequest{PhoneNumber: "+05551111111", Content: "hi"}, "phone_number", ErrInvalidPhoneNumber},
		{"too many digits", model.MessageCreateRequest{PhoneNumber: "+1234567890123456", Content: "hi"}, "phone_number", ErrInvalidPhoneNumber},
		{"letters", model.MessageCreateRequest{PhoneNumber: "+90abc", Content: "hi"}, "phone_number", ErrInvalidPhoneNumber},
		{"empty content", model.MessageCreateRequest{PhoneNumber: "+905551111111"}, "content", ErrEmptyContent},
		{"blank content", model.MessageCreateRequest{PhoneNumber: "+905551111111", Content: "   \t"}, "content", ErrEmptyContent},
		{"content too long", model.MessageCreateRequest{PhoneNumber: "+905551111111", Content: strings.Repeat("a", 161)}, "content", ErrContentTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockMessageRepository)
			service := NewMessageService(repo, nil, DefaultMaxContentLength)

			msg, err := service.Create(context.Background(), tt.req)
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, tt.wantErr)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)

			repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestMessageService_Validate_CountsRunes(t *testing.T) {
	service := NewMessageService(new(MockMessageRepository), nil, 5)

	assert.NoError(t, service.Validate(model.MessageCreateRequest{PhoneNumber: "+905551111111", Content: "şğüöç"}))
	assert.ErrorIs(t, service.Validate(model.MessageCreateRequest{PhoneNumber: "+905551111111", Content: "şğüöçı"}), ErrContentTooLong)
}

func TestMessageService_Create_RepositoryError(t *testing.T) {
	ctx := context.Background()
	repo := new(MockMessageRepository)
	service := NewMessageService(repo, nil, 0)

	repo.On("Create", ctx, mock.Anything).Return(nil, errors.New("db down"))

	msg, err := service.Create(ctx, model.MessageCreateRequest{PhoneNumber: "+905551111111", Content: "hi"})
	assert.Nil(t, msg)
	assert.ErrorContains(t, err, "db down")

	var verr *ValidationError
	assert.False(t, errors.As(err, &verr))
}

func TestMessageService_ListSent(t *testing.T) {
	ctx := context.Background()
	cachedAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ext := "ext-1"

	t.Run("annotates cached deliveries", func(t *testing.T) {
		repo := new(MockMessageRepository)
		lookup := new(MockDeliveryLookup)
		service := NewMessageService(repo, lookup, 0)

		repo.On("FindSent", ctx).Return([]*model.Message{
			{ID: 1, Status: model.MessageStatusSent, ExternalID: &ext},
			{ID: 2, Status: model.MessageStatusSent},
		}, nil)
		lookup.On("Get", ctx, int64(1)).Return(&model.DeliveryCacheEntry{MessageID: 1, ExternalID: ext, CachedAt: cachedAt}, nil)
		lookup.On("Get", ctx, int64(2)).Return(nil, cache.ErrCacheMiss)

		items, err := service.ListSent(ctx)
		require.NoError(t, err)
		require.Len(t, items, 2)

		assert.True(t, items[0].Cached)
		require.NotNil(t, items[0].CachedAt)
		assert.Equal(t, cachedAt, *items[0].CachedAt)

		assert.False(t, items[1].Cached)
		assert.Nil(t, items[1].CachedAt)

		repo.AssertExpectations(t)
		lookup.AssertExpectations(t)
	})

	t.Run("without cache", func(t *testing.T) {
		repo := new(MockMessageRepository)
		service := NewMessageService(repo, nil, 0)

		repo.On("FindSent", ctx).Return([]*model.Message{{ID: 1}}, nil)

		items, err := service.ListSent(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.False(t, items[0].Cached)
	})

	t.Run("repository error", func(t *testing.T) {
		repo := new(MockMessageRepository)
		service := NewMessageService(repo, nil, 0)

		repo.On("FindSent", ctx).Return(nil, errors.New("boom"))

		items, err := service.ListSent(ctx)
		assert.Nil(t, items)
		assert.Error(t, err)
	})
}

func TestMessageService_ListPending(t *testing.T) {
	ctx := context.Background()
	repo := new(MockMessageRepository)
	service := NewMessageService(repo, nil, 0)

	pending := []*model.Message{{ID: 3}, {ID: 4}}
	repo.On("FindPending", ctx, 50).Return(pending, nil)

	items, err := service.ListPending(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, pending, items)

	repo.AssertExpectations(t)
}
