package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-dispatcher/pkg/logger"
	"github.com/nimasrn/message-dispatcher/pkg/redis"
)

// ErrPermanent marks a handler error that retrying cannot fix. The message
// goes straight to the dead-letter stream.
var ErrPermanent = errors.New("permanent failure")

var (
	ErrAlreadyAcked  = errors.New("message already acknowledged")
	ErrAlreadyNacked = errors.New("message already rejected")
)

const (
	DeadLetterSuffix     = ":dlq"
	ReconciliationSuffix = ":reconcile"
	errorsSuffix         = ":errors"
)

type Message struct {
	ID        string
	Data      []byte
	Metadata  map[string]string
	Timestamp time.Time
	// Attempts counts deliveries of this entry, including the current one.
	Attempts int
	acked    bool
	nacked   bool
	queue    *Queue
}

func (m *Message) Ack(ctx context.Context) error {
	if m.acked {
		return ErrAlreadyAcked
	}
	if m.nacked {
		return ErrAlreadyNacked
	}
	m.acked = true
	return m.queue.ackMessage(ctx, m.ID)
}

// Nack leaves the entry pending; it is reclaimed after the visibility timeout.
func (m *Message) Nack() error {
	if m.acked {
		return ErrAlreadyAcked
	}
	if m.nacked {
		return ErrAlreadyNacked
	}
	m.nacked = true
	return nil
}

// MessageHandler processes one entry. nil acks it, an error leaves it pending
// for a retry, an error wrapping ErrPermanent dead-letters it.
type MessageHandler func(ctx context.Context, msg *Message) error

// ExhaustedHandler is told about an entry whose attempt budget is spent,
// right before it is dead-lettered.
type ExhaustedHandler func(ctx context.Context, msg *Message, lastError string)

type QueueConfig struct {
	Name          string
	ConsumerGroup string
	ConsumerName  string
	// MaxAttempts is the total number of deliveries per entry.
	MaxAttempts       int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
}

type Queue struct {
	adapter    redis.RedisAdapter
	config     QueueConfig
	handler    MessageHandler
	onExhaust  ExhaustedHandler
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	processing map[string]*Message
}

type QueueStats struct {
	TotalMessages   int64
	PendingMessages int64
	DeadLetters     int64
}

func NewQueue(adapter redis.RedisAdapter, config QueueConfig) (*Queue, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "default-group"
	}
	if config.ConsumerName == "" {
		config.ConsumerName = "consumer-" + uuid.NewString()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 45 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		adapter:    adapter,
		config:     config,
		ctx:        ctx,
		cancel:     cancel,
		processing: make(map[string]*Message),
	}

	if err := q.initConsumerGroup(ctx); err != nil && !isBusyGroup(err) {
		cancel()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return q, nil
}

func (q *Queue) Name() string {
	return q.config.Name
}

func (q *Queue) initConsumerGroup(ctx context.Context) error {
	return q.adapter.XGroupCreateMkStream(ctx, q.config.Name, q.config.ConsumerGroup, "0")
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (q *Queue) Publish(ctx context.Context, data []byte, metadata map[string]string) (string, error) {
	id, err := q.adapter.XAdd(ctx, q.config.Name, encodeValues(data, metadata))
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	// trimming drops the oldest entries, pending or not, so MaxLen has to
	// stay well above the expected backlog
	if q.config.MaxLen > 0 {
		if err := q.adapter.XTrimApprox(ctx, q.config.Name, q.config.MaxLen); err != nil {
			logger.Warn("Failed to trim queue", "queue", q.config.Name, "max_len", q.config.MaxLen, "error", err)
		}
	}

	return id, nil
}

func (q *Queue) PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return q.Publish(ctx, jsonData, metadata)
}

// PublishReconciliation records an entry that needs manual reconciliation.
func (q *Queue) PublishReconciliation(ctx context.Context, data interface{}, metadata map[string]string) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return q.adapter.XAdd(ctx, q.config.Name+ReconciliationSuffix, encodeValues(jsonData, metadata))
}

func encodeValues(data []byte, metadata map[string]string) map[string]interface{} {
	values := map[string]interface{}{
		"data":      string(data),
		"timestamp": time.Now().Unix(),
	}
	for k, v := range metadata {
		values["meta_"+k] = v
	}
	return values
}

// Consume registers handler and starts polling. onExhaust may be nil.
func (q *Queue) Consume(handler MessageHandler, onExhaust ExhaustedHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	q.handler = handler
	q.onExhaust = onExhaust
	q.wg.Add(1)
	go q.consumeLoop()

	return nil
}

func (q *Queue) consumeLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.Poll(q.ctx)
		}
	}
}

// Poll runs one read-and-reclaim cycle and returns once every fetched entry
// has been handled.
func (q *Queue) Poll(ctx context.Context) {
	q.processMessages(ctx)
	q.claimStuckMessages(ctx)
}

func (q *Queue) processMessages(ctx context.Context) {
	messages, err := q.adapter.XReadGroup(ctx, q.config.ConsumerGroup, q.config.ConsumerName, q.config.Name, ">", q.config.BatchSize)
	if err != nil {
		if !errors.Is(err, redis.NilError) {
			logger.Warn("Failed to read from queue", "queue", q.config.Name, "error", err)
		}
		return
	}

	batch := make([]*Message, 0, len(messages))
	for _, streamMsg := range messages {
		msg := q.streamMessageToMessage(streamMsg)
		msg.Attempts = 1
		batch = append(batch, msg)
	}
	q.handleBatch(ctx, batch)
}

func (q *Queue) claimStuckMessages(ctx context.Context) {
	count, err := q.adapter.XPendingCount(ctx, q.config.Name, q.config.ConsumerGroup)
	if err != nil || count == 0 {
		return
	}

	pending, err := q.adapter.XPendingExt(ctx, q.config.Name, q.config.ConsumerGroup, 100)
	if err != nil || len(pending) == 0 {
		return
	}

	deliveries := make(map[string]int64, len(pending))
	var idsToReclaim []string
	for _, p := range pending {
		if p.Idle >= q.config.VisibilityTimeout {
			idsToReclaim = append(idsToReclaim, p.ID)
			deliveries[p.ID] = p.RetryCount
		}
	}
	if len(idsToReclaim) == 0 {
		return
	}

	messages, err := q.adapter.XClaim(ctx, q.config.Name, q.config.ConsumerGroup, q.config.ConsumerName, q.config.VisibilityTimeout, idsToReclaim...)
	if err != nil {
		logger.Warn("Failed to claim pending messages", "queue", q.config.Name, "error", err)
		return
	}

	batch := make([]*Message, 0, len(messages))
	for _, streamMsg := range messages {
		msg := q.streamMessageToMessage(streamMsg)
		// XCLAIM counts as one more delivery
		msg.Attempts = int(deliveries[msg.ID]) + 1
		batch = append(batch, msg)
	}
	q.handleBatch(ctx, batch)
}

func (q *Queue) handleBatch(ctx context.Context, batch []*Message) {
	var wg sync.WaitGroup
	for _, msg := range batch {
		wg.Add(1)
		go func(m *Message) {
			defer wg.Done()
			q.handleMessage(ctx, m)
		}(msg)
	}
	wg.Wait()
}

func (q *Queue) handleMessage(ctx context.Context, msg *Message) {
	q.mu.Lock()
	q.processing[msg.ID] = msg
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.processing, msg.ID)
		q.mu.Unlock()
	}()

	if msg.Attempts > q.config.MaxAttempts {
		q.exhaust(ctx, msg)
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, q.config.VisibilityTimeout)
	err := q.handler(handlerCtx, msg)
	cancel()

	switch {
	case err == nil:
		if !msg.nacked && !msg.acked {
			q.ack(ctx, msg)
		}
	case errors.Is(err, ErrPermanent):
		logger.Error("Dropping message after permanent failure", "queue", q.config.Name, "id", msg.ID, "error", err)
		q.moveToDeadLetterQueue(ctx, msg, err.Error())
		q.ack(ctx, msg)
	default:
		q.recordError(ctx, msg, err)
		if msg.Attempts >= q.config.MaxAttempts {
			// no redelivery will come, finish now instead of waiting out the visibility timeout
			q.exhaust(ctx, msg)
		}
	}
}

func (q *Queue) exhaust(ctx context.Context, msg *Message) {
	lastError := q.lastError(ctx, msg.ID)
	if q.onExhaust != nil {
		q.onExhaust(ctx, msg, lastError)
	}
	q.moveToDeadLetterQueue(ctx, msg, lastError)
	q.ack(ctx, msg)
}

func (q *Queue) ack(ctx context.Context, msg *Message) {
	msg.acked = true
	if err := q.ackMessage(ctx, msg.ID); err != nil {
		logger.Error("Failed to ack message", "queue", q.config.Name, "id", msg.ID, "error", err)
	}
}

func (q *Queue) ackMessage(ctx context.Context, messageID string) error {
	if err := q.adapter.XAck(ctx, q.config.Name, q.config.ConsumerGroup, messageID); err != nil {
		return err
	}
	return q.adapter.HDel(ctx, q.config.Name+errorsSuffix, messageID)
}

func (q *Queue) recordError(ctx context.Context, msg *Message, err error) {
	if herr := q.adapter.HSet(ctx, q.config.Name+errorsSuffix, msg.ID, err.Error()); herr != nil {
		logger.Warn("Failed to record message error", "queue", q.config.Name, "id", msg.ID, "error", herr)
	}
}

func (q *Queue) lastError(ctx context.Context, messageID string) string {
	v, err := q.adapter.HGet(ctx, q.config.Name+errorsSuffix, messageID)
	if err != nil {
		return "unknown"
	}
	return string(v)
}

func (q *Queue) moveToDeadLetterQueue(ctx context.Context, msg *Message, lastError string) {
	if !q.config.EnableDLQ {
		return
	}

	values := map[string]interface{}{
		"data":           string(msg.Data),
		"original_id":    msg.ID,
		"attempts":       msg.Attempts,
		"last_error":     lastError,
		"failed_at":      time.Now().Unix(),
		"original_queue": q.config.Name,
	}
	for k, v := range msg.Metadata {
		values["meta_"+k] = v
	}

	if _, err := q.adapter.XAdd(ctx, q.config.Name+DeadLetterSuffix, values); err != nil {
		logger.Error("Failed to dead-letter message", "queue", q.config.Name, "id", msg.ID, "error", err)
	}
}

func (q *Queue) streamMessageToMessage(streamMsg redis.StreamMessage) *Message {
	msg := &Message{
		ID:       streamMsg.ID,
		Metadata: make(map[string]string),
		queue:    q,
	}

	for k, v := range streamMsg.Values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch {
		case k == "data":
			msg.Data = []byte(s)
		case k == "timestamp":
			if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
				msg.Timestamp = time.Unix(unix, 0)
			}
		case strings.HasPrefix(k, "meta_"):
			msg.Metadata[k[len("meta_"):]] = s
		}
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

func (q *Queue) Stop(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for queue to stop")
	}
}

func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	total, err := q.adapter.XLen(ctx, q.config.Name)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{TotalMessages: total}
	if pending, err := q.adapter.XPendingCount(ctx, q.config.Name, q.config.ConsumerGroup); err == nil {
		stats.PendingMessages = pending
	}
	if dlq, err := q.adapter.XLen(ctx, q.config.Name+DeadLetterSuffix); err == nil {
		stats.DeadLetters = dlq
	}
	return stats, nil
}
