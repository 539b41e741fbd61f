package handlers

import (
	"context"
	"errors"

	"github.com/fasthttp/router"
	"github.com/nimasrn/message-dispatcher/internal/model"
	"github.com/nimasrn/message-dispatcher/internal/services"
	xhttp "github.com/nimasrn/message-dispatcher/pkg/http"
	"github.com/nimasrn/message-dispatcher/pkg/logger"
)

const defaultPendingLimit = 100

type MessageService interface {
	Create(ctx context.Context, p model.MessageCreateRequest) (*model.Message, error)
	ListSent(ctx context.Context) ([]*services.SentMessage, error)
	ListPending(ctx context.Context, limit int) ([]*model.Message, error)
}

type MessageHandler struct {
	svc MessageService
}

func RegisterMessageRoutes(e *router.Group, h *MessageHandler) {
	e.POST("/messages", h.CreateMessage)
	e.GET("/messages", h.ListSentMessages)
	e.GET("/messages/pending", h.ListPendingMessages)
}

func NewMessageHandler(messageService MessageService) *MessageHandler {
	return &MessageHandler{
		svc: messageService,
	}
}

type createMessageRequest struct {
	PhoneNumber string `json:"phone_number"`
	Content     string `json:"content"`
}

type sentListResponse struct {
	Messages []*services.SentMessage `json:"messages"`
	Count    int                     `json:"count"`
}

type pendingListResponse struct {
	Messages []*model.Message `json:"messages"`
	Count    int              `json:"count"`
}

func (h *MessageHandler) CreateMessage(ctx *xhttp.RequestCtx) {
	var req createMessageRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	msg, err := h.svc.Create(ctx, model.MessageCreateRequest{
		PhoneNumber: req.PhoneNumber,
		Content:     req.Content,
	})
	if err != nil {
		var verr *services.ValidationError
		if errors.As(err, &verr) {
			writeJSON(ctx, xhttp.StatusUnprocessableEntity, envelope{
				Message: "Validation failed",
				Errors:  map[string]string{verr.Field: verr.Err.Error()},
			})
			return
		}
		logger.Error("Failed to create message", "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, "Failed to create message", err)
		return
	}

	writeSuccess(ctx, xhttp.StatusCreated, "Message created successfully", msg)
}

func (h *MessageHandler) ListSentMessages(ctx *xhttp.RequestCtx) {
	items, err := h.svc.ListSent(ctx)
	if err != nil {
		logger.Error("Failed to retrieve sent messages", "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, "Failed to retrieve sent messages", err)
		return
	}
	writeSuccess(ctx, xhttp.StatusOK, "", sentListResponse{Messages: items, Count: len(items)})
}

func (h *MessageHandler) ListPendingMessages(ctx *xhttp.RequestCtx) {
	items, err := h.svc.ListPending(ctx, queryInt(ctx, "limit", defaultPendingLimit))
	if err != nil {
		logger.Error("Failed to retrieve pending messages", "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, "Failed to retrieve pending messages", err)
		return
	}
	writeSuccess(ctx, xhttp.StatusOK, "", pendingListResponse{Messages: items, Count: len(items)})
}
