package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nimasrn/message-dispatcher/internal/model"
	"github.com/nimasrn/message-dispatcher/pkg/redis"
)

var (
	ErrCacheMiss = errors.New("delivery cache: entry not found")
)

type DeliveryCacheConfig struct {
	TTL time.Duration

	KeyPrefix string
}

func DefaultDeliveryCacheConfig() DeliveryCacheConfig {
	return DeliveryCacheConfig{
		TTL:       24 * time.Hour,
		KeyPrefix: "sent_message:",
	}
}

// DeliveryCache is an expiring index of confirmed deliveries keyed by message id.
// Entries are written only after the message is stored as sent.
type DeliveryCache struct {
	redis  redis.RedisAdapter
	config DeliveryCacheConfig
	now    func() time.Time
}

func NewDeliveryCache(redisAdapter redis.RedisAdapter, config DeliveryCacheConfig) *DeliveryCache {
	if config.TTL <= 0 {
		config.TTL = DefaultDeliveryCacheConfig().TTL
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultDeliveryCacheConfig().KeyPrefix
	}
	return &DeliveryCache{
		redis:  redisAdapter,
		config: config,
		now:    time.Now,
	}
}

// Put upserts the entry for messageID and restarts its TTL.
func (c *DeliveryCache) Put(ctx context.Context, messageID int64, externalID string, sentAt time.Time) error {
	entry := model.DeliveryCacheEntry{
		MessageID:  messageID,
		ExternalID: externalID,
		SentAt:     sentAt.UTC(),
		CachedAt:   c.now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := c.redis.Set(ctx, c.key(messageID), data, c.config.TTL); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func (c *DeliveryCache) Get(ctx context.Context, messageID int64) (*model.DeliveryCacheEntry, error) {
	data, err := c.redis.Get(ctx, c.key(messageID))
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("read cache entry: %w", err)
	}

	var entry model.DeliveryCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return &entry, nil
}

func (c *DeliveryCache) Has(ctx context.Context, messageID int64) (bool, error) {
	exists, err := c.redis.Exist(ctx, c.key(messageID))
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

func (c *DeliveryCache) key(messageID int64) string {
	return c.config.KeyPrefix + strconv.FormatInt(messageID, 10)
}
