package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/message-dispatcher/internal/model"
	"github.com/nimasrn/message-dispatcher/pkg/prom"
)

var ErrInvalidRateLimit = errors.New("rate limit must be positive")

type PendingStore interface {
	FindPending(ctx context.Context, limit int) ([]*model.Message, error)
}

// Submitter hands one delivery task to the executor without waiting for it.
type Submitter interface {
	Submit(ctx context.Context, task model.DeliveryTask) error
}

type Logger interface {
	Info(msg string, values ...any)
	Warn(msg string, values ...any)
	Error(msg string, values ...any)
}

type BatchDispatcher struct {
	store     PendingStore
	submitter Submitter
	pacer     Pacer
	log       Logger
}

// NewBatchDispatcher uses SleepPacer when pacer is nil.
func NewBatchDispatcher(store PendingStore, submitter Submitter, pacer Pacer, log Logger) *BatchDispatcher {
	if pacer == nil {
		pacer = SleepPacer{}
	}
	return &BatchDispatcher{
		store:     store,
		submitter: submitter,
		pacer:     pacer,
		log:       log,
	}
}

// Dispatch submits up to limit pending messages, oldest first, in batches of
// rateLimit with a pause of rateInterval between batches. It returns the
// number of messages submitted.
func (d *BatchDispatcher) Dispatch(ctx context.Context, limit, rateLimit int, rateInterval time.Duration) (int, error) {
	if rateLimit <= 0 {
		return 0, ErrInvalidRateLimit
	}
	if limit <= 0 {
		return 0, nil
	}

	messages, err := d.store.FindPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("find pending messages: %w", err)
	}
	if len(messages) > limit {
		messages = messages[:limit]
	}
	if len(messages) == 0 {
		d.log.Info("No pending messages to process")
		return 0, nil
	}

	batches := Partition(messages, rateLimit)
	d.log.Info("Dispatching pending messages", "count", len(messages), "batches", len(batches))

	submitted := 0
	for i, batch := range batches {
		if i > 0 {
			if err := d.pacer.Wait(ctx, rateInterval); err != nil {
				d.log.Warn("Dispatch interrupted", "submitted", submitted, "error", err)
				return submitted, err
			}
		}

		for _, msg := range batch {
			task := model.DeliveryTask{
				MessageID:   msg.ID,
				PhoneNumber: msg.PhoneNumber,
				Content:     msg.Content,
			}
			if err := d.submitter.Submit(ctx, task); err != nil {
				d.log.Error("Failed to submit message", "message_id", msg.ID, "error", err)
				continue
			}
			submitted++
		}

		prom.IncDispatchBatch()
		d.log.Info("Batch dispatched", "batch", i+1, "of", len(batches), "size", len(batch))
	}

	prom.AddDispatched(submitted)
	return submitted, nil
}

// Partition splits messages into consecutive chunks of at most size,
// preserving order.
func Partition(messages []*model.Message, size int) [][]*model.Message {
	if size <= 0 || len(messages) == 0 {
		return nil
	}
	batches := make([][]*model.Message, 0, (len(messages)+size-1)/size)
	for start := 0; start < len(messages); start += size {
		end := min(start+size, len(messages))
		batches = append(batches, messages[start:end])
	}
	return batches
}
