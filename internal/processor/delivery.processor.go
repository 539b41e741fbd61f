package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nimasrn/message-dispatcher/internal/delivery"
	"github.com/nimasrn/message-dispatcher/internal/model"
	"github.com/nimasrn/message-dispatcher/internal/queue"
	"github.com/nimasrn/message-dispatcher/pkg/logger"
	"github.com/nimasrn/message-dispatcher/pkg/prom"
)

type Deliverer interface {
	Deliver(ctx context.Context, messageID int64, destination, content string) delivery.Result
	Exhausted(task model.DeliveryTask, attempts int, lastError string) *delivery.TerminalFailure
}

type DeliveryProcessor struct {
	worker Deliverer
	lock   *DeliveryLock
}

// NewDeliveryProcessor runs queued delivery tasks through worker. lock may be
// nil when a single consumer is guaranteed.
func NewDeliveryProcessor(worker Deliverer, lock *DeliveryLock) *DeliveryProcessor {
	return &DeliveryProcessor{worker: worker, lock: lock}
}

func (p *DeliveryProcessor) GetType() string {
	return "delivery"
}

func decodeTask(msg *queue.Message) (model.DeliveryTask, error) {
	var task model.DeliveryTask
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		return task, fmt.Errorf("decode delivery task %s: %v: %w", msg.ID, err, queue.ErrPermanent)
	}
	if task.MessageID <= 0 {
		return task, fmt.Errorf("delivery task %s has no message id: %w", msg.ID, queue.ErrPermanent)
	}
	return task, nil
}

// Process runs one delivery attempt. A transient delivery failure or a held
// delivery lock is returned as an error, which leaves the entry for a retry.
func (p *DeliveryProcessor) Process(ctx context.Context, msg *queue.Message) error {
	task, err := decodeTask(msg)
	if err != nil {
		logger.Error("Invalid delivery task", "id", msg.ID, "error", err)
		return err
	}

	if p.lock != nil {
		release, err := p.lock.Acquire(ctx, task.MessageID)
		if errors.Is(err, ErrLockHeld) {
			// the holder may have crashed, so the entry stays pending until
			// it is reclaimed and the cache or a fresh lock decides
			logger.Info("Delivery already in flight, deferring task", "message_id", task.MessageID, "attempt", msg.Attempts)
			return fmt.Errorf("message %d: %w", task.MessageID, err)
		}
		if err != nil {
			return err
		}
		defer release()
	}

	prom.AddDeliveriesInFlight(p.GetType(), 1)
	defer prom.AddDeliveriesInFlight(p.GetType(), -1)

	logger.Debug("Delivering message", "message_id", task.MessageID, "attempt", msg.Attempts)
	result := p.worker.Deliver(ctx, task.MessageID, task.PhoneNumber, task.Content)

	// a persistence inconsistency is acked too: it is already recorded for
	// reconciliation and a resend would duplicate the message
	if result.Kind == delivery.KindTransientFailure {
		return result.Err
	}
	return nil
}

func (p *DeliveryProcessor) Exhausted(ctx context.Context, msg *queue.Message, lastError string) {
	task, err := decodeTask(msg)
	if err != nil {
		logger.Error("Exhausted entry is not a delivery task", "id", msg.ID, "error", err)
		return
	}
	p.worker.Exhausted(task, msg.Attempts, lastError)
}
