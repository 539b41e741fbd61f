package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-dispatcher/pkg/logger"
	"github.com/nimasrn/message-dispatcher/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
)

var (
	ErrLockHeld          = errors.New("delivery already in flight")
	ErrLockAcquireFailed = errors.New("failed to acquire delivery lock")
)

// releaseScript deletes the lock only while it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type DeliveryLockConfig struct {
	// TTL must cover a whole attempt. A task that finds the lock held is
	// retried, so a crashed consumer's lock only delays its entry.
	TTL       time.Duration
	KeyPrefix string
}

func DefaultDeliveryLockConfig() DeliveryLockConfig {
	return DeliveryLockConfig{
		TTL:       45 * time.Second,
		KeyPrefix: "delivery_lock:",
	}
}

// DeliveryLock keeps at most one delivery attempt per message in flight
// across all consumers.
type DeliveryLock struct {
	redis  redis.RedisAdapter
	config DeliveryLockConfig
}

func NewDeliveryLock(redisAdapter redis.RedisAdapter, config DeliveryLockConfig) *DeliveryLock {
	defaults := DefaultDeliveryLockConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	return &DeliveryLock{
		redis:  redisAdapter,
		config: config,
	}
}

// Acquire takes the lock for messageID. The returned release func is safe to
// call once the attempt is over.
func (l *DeliveryLock) Acquire(ctx context.Context, messageID int64) (func(), error) {
	key := l.key(messageID)
	token := uuid.NewString()

	acquired, err := l.redis.SetNX(ctx, key, []byte(token), l.config.TTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	release := func() {
		// scripts bypass the adapter, so the key prefix is applied here
		rawKey := l.redis.KeyPrefix() + key
		err := releaseScript.Run(context.WithoutCancel(ctx), l.redis.Client(), []string{rawKey}, token).Err()
		if err != nil && !errors.Is(err, redis.NilError) {
			logger.Warn("Failed to release delivery lock", "message_id", messageID, "error", err)
		}
	}
	return release, nil
}

func (l *DeliveryLock) IsHeld(ctx context.Context, messageID int64) (bool, error) {
	n, err := l.redis.Exist(ctx, l.key(messageID))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *DeliveryLock) key(messageID int64) string {
	return l.config.KeyPrefix + strconv.FormatInt(messageID, 10)
}
