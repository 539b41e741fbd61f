package main

import (
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const authHeader = "x-ins-auth-key"

// SendRequest is the body the dispatcher posts for every message.
type SendRequest struct {
	To      string `json:"to" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// SendResponse mirrors the provider answer the dispatcher expects.
type SendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	FailureRate float64   `json:"failure_rate"`
	Accepted    int64     `json:"accepted"`
}

// MockProvider accepts messages like a real webhook provider would, with an
// optional artificial delay and failure rate.
type MockProvider struct {
	authKey     string
	minDelay    time.Duration
	maxDelay    time.Duration
	mu          sync.Mutex
	failureRate float64
	accepted    int64
	rng         *rand.Rand
}

func NewMockProvider(authKey string, failureRate float64, minDelay, maxDelay time.Duration) *MockProvider {
	return &MockProvider{
		authKey:     authKey,
		failureRate: failureRate,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockProvider) randomDelay() time.Duration {
	if m.maxDelay <= m.minDelay {
		return m.minDelay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minDelay + time.Duration(m.rng.Int63n(int64(m.maxDelay-m.minDelay)))
}

func (m *MockProvider) shouldFail() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < m.failureRate
}

// Send handles POST /webhook.
func (m *MockProvider) Send(c *gin.Context) {
	if m.authKey != "" && c.GetHeader(authHeader) != m.authKey {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
		return
	}

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "Invalid request",
			"details": err.Error(),
		})
		return
	}

	if d := m.randomDelay(); d > 0 {
		time.Sleep(d)
	}

	if m.shouldFail() {
		log.Warn().Str("to", req.To).Msg("Simulated provider failure")
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal Server Error"})
		return
	}

	id := uuid.NewString()
	m.mu.Lock()
	m.accepted++
	m.mu.Unlock()

	log.Info().
		Str("to", req.To).
		Str("message_id", id).
		Int("length", len([]rune(req.Content))).
		Msg("Message accepted")

	c.JSON(http.StatusAccepted, SendResponse{Message: "Accepted", MessageID: id})
}

func (m *MockProvider) Health(c *gin.Context) {
	m.mu.Lock()
	resp := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now(),
		FailureRate: m.failureRate,
		Accepted:    m.accepted,
	}
	m.mu.Unlock()
	c.JSON(http.StatusOK, resp)
}

// UpdateConfig changes the failure rate at runtime.
func (m *MockProvider) UpdateConfig(c *gin.Context) {
	var body struct {
		FailureRate *float64 `json:"failure_rate"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request", "details": err.Error()})
		return
	}

	m.mu.Lock()
	if body.FailureRate != nil && *body.FailureRate >= 0 && *body.FailureRate <= 1 {
		m.failureRate = *body.FailureRate
		log.Info().Float64("rate", m.failureRate).Msg("Updated failure rate")
	}
	rate := m.failureRate
	m.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"message": "Configuration updated", "failure_rate": rate})
}

func SetupRouter(p *MockProvider) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	router.POST("/webhook", p.Send)
	router.GET("/health", p.Health)
	router.PUT("/config", p.UpdateConfig)
	return router
}
