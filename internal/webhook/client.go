package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/nimasrn/message-dispatcher/internal/model"
	"github.com/nimasrn/message-dispatcher/pkg/logger"
	"github.com/nimasrn/message-dispatcher/pkg/prom"
	"github.com/valyala/fasthttp"
)

const AuthHeader = "x-ins-auth-key"

var (
	ErrMissingURL = errors.New("webhook url is required")
)

type SendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type SendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

type Config struct {
	URL     string
	AuthKey string

	// ConnectTimeout bounds dialing, Timeout bounds the whole request.
	// Both must stay below the delivery attempt timeout.
	ConnectTimeout time.Duration
	Timeout        time.Duration

	MaxConns        int
	ReadBufferSize  int
	WriteBufferSize int

	// Dial overrides the network dialer, mainly for tests.
	Dial fasthttp.DialFunc
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  5 * time.Second,
		Timeout:         10 * time.Second,
		MaxConns:        512,
		ReadBufferSize:  1024 * 4,
		WriteBufferSize: 1024 * 4,
	}
}

type Client struct {
	config  Config
	http    *fasthttp.Client
	metrics *Metrics
}

func NewClient(config Config) (*Client, error) {
	if strings.TrimSpace(config.URL) == "" {
		return nil, ErrMissingURL
	}

	defaults := DefaultConfig()
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxConns <= 0 {
		config.MaxConns = defaults.MaxConns
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = defaults.ReadBufferSize
	}
	if config.WriteBufferSize <= 0 {
		config.WriteBufferSize = defaults.WriteBufferSize
	}

	dial := config.Dial
	if dial == nil {
		connectTimeout := config.ConnectTimeout
		dial = func(addr string) (net.Conn, error) {
			return fasthttp.DialTimeout(addr, connectTimeout)
		}
	}

	if config.AuthKey == "" {
		logger.Warn("webhook auth key is empty", "url", config.URL)
	}

	return &Client{
		config: config,
		http: &fasthttp.Client{
			Dial:                dial,
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			ReadBufferSize:      config.ReadBufferSize,
			WriteBufferSize:     config.WriteBufferSize,
		},
		metrics: NewMetrics(),
	}, nil
}

func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// SendMessage posts one message to the webhook. Every problem is reported as
// a failed outcome; only 202 Accepted with a messageId counts as success.
func (c *Client) SendMessage(ctx context.Context, phoneNumber, content string) model.DeliveryOutcome {
	body, err := json.Marshal(SendRequest{To: phoneNumber, Content: content})
	if err != nil {
		return c.fail(phoneNumber, fmt.Sprintf("marshal request: %v", err))
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set(AuthHeader, c.config.AuthKey)
	req.SetBody(body)

	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return c.fail(phoneNumber, fmt.Sprintf("request cancelled: %v", err))
	}

	start := time.Now()
	err = c.http.DoDeadline(req, resp, deadline)
	latency := time.Since(start)
	if err != nil {
		return c.fail(phoneNumber, fmt.Sprintf("request failed: %v", err))
	}

	statusCode := resp.StatusCode()
	var parsed SendResponse
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
			logger.Error("Unexpected webhook response", "status", statusCode, "body", string(resp.Body()))
			return c.fail(phoneNumber, fmt.Sprintf("unexpected response from webhook: status %d, invalid body", statusCode))
		}
	}

	if statusCode != fasthttp.StatusAccepted || parsed.MessageID == "" {
		logger.Error("Unexpected webhook response", "status", statusCode, "body", string(resp.Body()))
		return c.fail(phoneNumber, fmt.Sprintf("unexpected response from webhook: status %d", statusCode))
	}

	c.metrics.RecordSuccess(latency.Milliseconds())
	prom.ObserveWebhookLatency(latency.Seconds())
	logger.Info("Message sent to webhook", "phone", phoneNumber, "external_message_id", parsed.MessageID, "latency_ms", latency.Milliseconds())

	return model.DeliverySucceeded(parsed.MessageID)
}

func (c *Client) fail(phoneNumber, reason string) model.DeliveryOutcome {
	c.metrics.RecordFailure()
	logger.Warn("Failed to send message via webhook", "phone", phoneNumber, "error", reason)
	return model.DeliveryFailed(reason)
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
