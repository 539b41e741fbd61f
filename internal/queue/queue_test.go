package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/message-dispatcher/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	t.Helper()
	mr := miniredis.RunT(t)

	// unique name per test, adapters are cached by name
	connName := t.Name() + "-" + mr.Addr()
	adapter, err := redis.NewRedisAdapter(connName, "", &redis.Options{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func testConfig(name string) QueueConfig {
	return QueueConfig{
		Name:              name,
		ConsumerGroup:     "test-group",
		ConsumerName:      "test-consumer",
		MaxAttempts:       3,
		VisibilityTimeout: 20 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}
}

// newPolledQueue returns a queue whose handlers are installed but whose
// background loop is stopped, so tests drive it with Poll.
func newPolledQueue(t *testing.T, adapter redis.RedisAdapter, cfg QueueConfig, handler MessageHandler, onExhaust ExhaustedHandler) *Queue {
	t.Helper()
	q, err := NewQueue(adapter, cfg)
	require.NoError(t, err)
	q.handler = handler
	q.onExhaust = onExhaust
	return q
}

func TestQueue_PublishAndConsume(t *testing.T) {
	_, adapter := setupTestRedis(t)

	q, err := NewQueue(adapter, testConfig("test:queue"))
	require.NoError(t, err)

	_, err = q.PublishJSON(context.Background(), map[string]string{"key": "value"}, map[string]string{"type": "test"})
	require.NoError(t, err)

	received := make(chan *Message, 1)
	require.NoError(t, q.Consume(func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	}, nil))

	select {
	case msg := <-received:
		var data map[string]string
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.Equal(t, "value", data["key"])
		assert.Equal(t, "test", msg.Metadata["type"])
		assert.Equal(t, 1, msg.Attempts)
		assert.False(t, msg.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	require.NoError(t, q.Stop(time.Second))
}

func TestQueue_SuccessAcks(t *testing.T) {
	_, adapter := setupTestRedis(t)
	ctx := context.Background()

	q := newPolledQueue(t, adapter, testConfig("test:ack"), func(ctx context.Context, msg *Message) error {
		return nil
	}, nil)

	_, err := q.Publish(ctx, []byte("payload"), nil)
	require.NoError(t, err)

	q.Poll(ctx)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalMessages)
	assert.Equal(t, int64(0), stats.PendingMessages)
	assert.Equal(t, int64(0), stats.DeadLetters)
}

func TestQueue_RetryUntilExhausted(t *testing.T) {
	_, adapter := setupTestRedis(t)
	ctx := context.Background()

	var attempts []int
	var exhaustedWith string
	q := newPolledQueue(t, adapter, testConfig("test:retry"),
		func(ctx context.Context, msg *Message) error {
			attempts = append(attempts, msg.Attempts)
			return fmt.Errorf("webhook returned 500 on attempt %d", msg.Attempts)
		},
		func(ctx context.Context, msg *Message, lastError string) {
			exhaustedWith = lastError
		},
	)

	_, err := q.Publish(ctx, []byte(`{"message_id":1}`), nil)
	require.NoError(t, err)

	// first delivery
	q.Poll(ctx)
	require.Equal(t, []int{1}, attempts)

	// reclaimed after the visibility timeout
	time.Sleep(30 * time.Millisecond)
	q.Poll(ctx)
	require.Equal(t, []int{1, 2}, attempts)

	time.Sleep(30 * time.Millisecond)
	q.Poll(ctx)
	require.Equal(t, []int{1, 2, 3}, attempts)

	assert.Equal(t, "webhook returned 500 on attempt 3", exhaustedWith)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.PendingMessages)
	assert.Equal(t, int64(1), stats.DeadLetters)

	// nothing left to redeliver
	time.Sleep(30 * time.Millisecond)
	q.Poll(ctx)
	assert.Len(t, attempts, 3)
}

func TestQueue_PendingNotReclaimedBeforeVisibilityTimeout(t *testing.T) {
	_, adapter := setupTestRedis(t)
	ctx := context.Background()

	cfg := testConfig("test:visibility")
	cfg.VisibilityTimeout = time.Minute

	var calls atomic.Int32
	q := newPolledQueue(t, adapter, cfg, func(ctx context.Context, msg *Message) error {
		calls.Add(1)
		return errors.New("fail")
	}, nil)

	_, err := q.Publish(ctx, []byte("x"), nil)
	require.NoError(t, err)

	q.Poll(ctx)
	q.Poll(ctx)

	assert.Equal(t, int32(1), calls.Load())
	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PendingMessages)
}

func TestQueue_PermanentErrorDeadLetters(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	ctx := context.Background()

	var exhausted bool
	q := newPolledQueue(t, adapter, testConfig("test:permanent"),
		func(ctx context.Context, msg *Message) error {
			return fmt.Errorf("decode task: %w", ErrPermanent)
		},
		func(ctx context.Context, msg *Message, lastError string) {
			exhausted = true
		},
	)

	_, err := q.Publish(ctx, []byte("not json"), map[string]string{"source": "test"})
	require.NoError(t, err)

	q.Poll(ctx)

	assert.False(t, exhausted)
	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.PendingMessages)
	assert.Equal(t, int64(1), stats.DeadLetters)

	entries, err := mr.Stream("test:permanent" + DeadLetterSuffix)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Values, "original_id")
}

type trimFailingAdapter struct {
	redis.RedisAdapter
	trims atomic.Int32
}

func (a *trimFailingAdapter) XTrimApprox(ctx context.Context, key string, maxLen int64) error {
	a.trims.Add(1)
	return errors.New("ERR trim rejected")
}

func TestQueue_PublishSurvivesTrimFailure(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	failing := &trimFailingAdapter{RedisAdapter: adapter}

	q, err := NewQueue(failing, testConfig("test:trim"))
	require.NoError(t, err)

	id, err := q.Publish(context.Background(), []byte("payload"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, int32(1), failing.trims.Load())

	entries, err := mr.Stream("test:trim")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestQueue_PublishWithoutMaxLenSkipsTrim(t *testing.T) {
	_, adapter := setupTestRedis(t)
	failing := &trimFailingAdapter{RedisAdapter: adapter}

	cfg := testConfig("test:untrimmed")
	cfg.MaxLen = 0
	q, err := NewQueue(failing, cfg)
	require.NoError(t, err)

	_, err = q.Publish(context.Background(), []byte("payload"), nil)
	require.NoError(t, err)
	assert.Zero(t, failing.trims.Load())
}

func TestQueue_PublishReconciliation(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	ctx := context.Background()

	q, err := NewQueue(adapter, testConfig("test:reconcile"))
	require.NoError(t, err)

	_, err = q.PublishReconciliation(ctx, map[string]interface{}{"message_id": 5, "external_message_id": "ext-5"}, map[string]string{"op": "mark sent"})
	require.NoError(t, err)

	entries, err := mr.Stream("test:reconcile" + ReconciliationSuffix)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestQueue_ExistingGroupIsReused(t *testing.T) {
	_, adapter := setupTestRedis(t)

	_, err := NewQueue(adapter, testConfig("test:group"))
	require.NoError(t, err)
	_, err = NewQueue(adapter, testConfig("test:group"))
	require.NoError(t, err)
}

func TestMessage_AckNack(t *testing.T) {
	_, adapter := setupTestRedis(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	q := newPolledQueue(t, adapter, testConfig("test:manual"), func(ctx context.Context, msg *Message) error {
		defer wg.Done()
		assert.NoError(t, msg.Ack(ctx))
		assert.ErrorIs(t, msg.Ack(ctx), ErrAlreadyAcked)
		assert.ErrorIs(t, msg.Nack(), ErrAlreadyAcked)
		return nil
	}, nil)

	_, err := q.Publish(ctx, []byte("x"), nil)
	require.NoError(t, err)
	q.Poll(ctx)
	wg.Wait()

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.PendingMessages)

	m := &Message{queue: q}
	require.NoError(t, m.Nack())
	assert.ErrorIs(t, m.Nack(), ErrAlreadyNacked)
	assert.ErrorIs(t, m.Ack(ctx), ErrAlreadyNacked)
}

func TestQueueConfig_Defaults(t *testing.T) {
	_, adapter := setupTestRedis(t)

	_, err := NewQueue(adapter, QueueConfig{})
	assert.Error(t, err)

	q, err := NewQueue(adapter, QueueConfig{Name: "test:defaults"})
	require.NoError(t, err)
	assert.Equal(t, "default-group", q.config.ConsumerGroup)
	assert.Contains(t, q.config.ConsumerName, "consumer-")
	assert.Equal(t, 3, q.config.MaxAttempts)
	assert.Equal(t, 45*time.Second, q.config.VisibilityTimeout)
	assert.Equal(t, int64(10), q.config.BatchSize)
}

func TestQueue_ConcurrentPublish(t *testing.T) {
	_, adapter := setupTestRedis(t)
	ctx := context.Background()

	q, err := NewQueue(adapter, testConfig("test:concurrent"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.PublishJSON(ctx, map[string]int{"id": i}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), stats.TotalMessages)
}

func TestQueue_Stop(t *testing.T) {
	_, adapter := setupTestRedis(t)

	q, err := NewQueue(adapter, testConfig("test:stop"))
	require.NoError(t, err)
	require.NoError(t, q.Consume(func(ctx context.Context, msg *Message) error { return nil }, nil))

	assert.NoError(t, q.Stop(time.Second))
	assert.Error(t, q.Consume(nil, nil))
}
