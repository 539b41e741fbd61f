package handlers

import (
	"context"

	"github.com/fasthttp/router"
	xhttp "github.com/nimasrn/message-dispatcher/pkg/http"
)

type HealthService interface {
	Check(ctx context.Context) error
}

type HealthHandler struct {
	healthService HealthService
}

func RegisterHealthRoutes(e *router.Group, h *HealthHandler) {
	e.GET("/health", h.GetHealth)
}

func NewHealthHandler(healthService HealthService) *HealthHandler {
	return &HealthHandler{
		healthService: healthService,
	}
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	if err := h.healthService.Check(ctx); err != nil {
		writeError(ctx, xhttp.StatusServiceUnavailable, "unhealthy", err)
		return
	}
	writeSuccess(ctx, xhttp.StatusOK, "ok", nil)
}
