package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/nimasrn/message-dispatcher/internal/model"
	"github.com/nimasrn/message-dispatcher/pkg/prom"
	"github.com/sethvargo/go-retry"
)

type Store interface {
	MarkSent(ctx context.Context, id int64, externalID string) (bool, error)
	MarkFailed(ctx context.Context, id int64) (bool, error)
	IsSent(ctx context.Context, id int64) (bool, error)
}

type Cache interface {
	Put(ctx context.Context, messageID int64, externalID string, sentAt time.Time) error
	Has(ctx context.Context, messageID int64) (bool, error)
}

type Webhook interface {
	SendMessage(ctx context.Context, phoneNumber, content string) model.DeliveryOutcome
}

// Reconciler receives deliveries whose outcome could not be persisted.
type Reconciler interface {
	RecordInconsistency(ctx context.Context, inc *PersistenceInconsistency) error
}

type Logger interface {
	Info(msg string, values ...any)
	Warn(msg string, values ...any)
	Error(msg string, values ...any)
	Debug(msg string, values ...any)
}

type Config struct {
	// AttemptTimeout bounds one webhook call.
	AttemptTimeout time.Duration
	// MaxAttempts is the total attempt budget per message, enforced by the executor.
	MaxAttempts int

	// WriteRetries and WriteBackoff control in-place retries of the
	// status and cache writes after a successful send.
	WriteRetries uint64
	WriteBackoff time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 30 * time.Second,
		MaxAttempts:    3,
		WriteRetries:   3,
		WriteBackoff:   100 * time.Millisecond,
		WriteTimeout:   5 * time.Second,
	}
}

type Result struct {
	Kind       Kind
	MessageID  int64
	ExternalID string
	Err        error
}

func (r Result) Retryable() bool {
	return IsRetryable(r.Err)
}

type Worker struct {
	store      Store
	cache      Cache
	webhook    Webhook
	reconciler Reconciler
	log        Logger
	config     Config
	now        func() time.Time
}

// NewWorker wires a delivery worker. reconciler may be nil, in which case
// inconsistencies are only logged.
func NewWorker(store Store, cache Cache, webhook Webhook, reconciler Reconciler, log Logger, config Config) *Worker {
	defaults := DefaultConfig()
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.WriteBackoff <= 0 {
		config.WriteBackoff = defaults.WriteBackoff
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	return &Worker{
		store:      store,
		cache:      cache,
		webhook:    webhook,
		reconciler: reconciler,
		log:        log,
		config:     config,
		now:        time.Now,
	}
}

func (w *Worker) MaxAttempts() int {
	return w.config.MaxAttempts
}

// Deliver performs one delivery attempt for a message.
func (w *Worker) Deliver(ctx context.Context, messageID int64, destination, content string) Result {
	start := time.Now()
	delivered, err := w.cache.Has(ctx, messageID)
	if err != nil {
		// without the cache we cannot rule out a duplicate send
		w.log.Warn("Delivery cache unavailable, deferring delivery", "message_id", messageID, "error", err)
		return w.result(start, Result{
			Kind:      KindTransientFailure,
			MessageID: messageID,
			Err:       &TransientDeliveryError{MessageID: messageID, Reason: "delivery cache unavailable", Err: err},
		})
	}
	if delivered {
		w.log.Info("Message already delivered, skipping", "message_id", messageID)
		return w.result(start, Result{Kind: KindAlreadyDelivered, MessageID: messageID})
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.config.AttemptTimeout)
	outcome := w.webhook.SendMessage(attemptCtx, destination, content)
	cancel()

	if !outcome.IsSuccess() {
		return w.result(start, w.handleFailure(ctx, messageID, outcome.Reason()))
	}
	return w.result(start, w.handleSuccess(ctx, messageID, outcome.ExternalID()))
}

func (w *Worker) handleSuccess(ctx context.Context, messageID int64, externalID string) Result {
	sentAt := w.now()

	// writes are detached from the attempt deadline
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.WriteTimeout)
	defer cancel()

	var updated bool
	err := w.withRetry(writeCtx, func(ctx context.Context) error {
		var err error
		updated, err = w.store.MarkSent(ctx, messageID, externalID)
		return err
	})
	if err != nil {
		return w.inconsistent(writeCtx, messageID, externalID, "mark sent", err)
	}
	if !updated {
		// either an earlier attempt already recorded it or the row is gone
		var sent bool
		err = w.withRetry(writeCtx, func(ctx context.Context) error {
			var err error
			sent, err = w.store.IsSent(ctx, messageID)
			return err
		})
		if err != nil {
			return w.inconsistent(writeCtx, messageID, externalID, "mark sent", err)
		}
		if !sent {
			return w.inconsistent(writeCtx, messageID, externalID, "mark sent", ErrUnknownMessage)
		}
		w.log.Warn("Message was already marked as sent", "message_id", messageID, "external_message_id", externalID)
	}

	err = w.withRetry(writeCtx, func(ctx context.Context) error {
		return w.cache.Put(ctx, messageID, externalID, sentAt)
	})
	if err != nil {
		return w.inconsistent(writeCtx, messageID, externalID, "cache put", err)
	}

	w.log.Info("Message sent successfully", "message_id", messageID, "external_message_id", externalID)
	return Result{Kind: KindSent, MessageID: messageID, ExternalID: externalID}
}

func (w *Worker) handleFailure(ctx context.Context, messageID int64, reason string) Result {
	deliveryErr := &TransientDeliveryError{MessageID: messageID, Reason: reason}

	updated, err := w.store.MarkFailed(context.WithoutCancel(ctx), messageID)
	switch {
	case err != nil:
		w.log.Error("Failed to mark message as failed", "message_id", messageID, "error", err)
		deliveryErr.Err = err
	case !updated:
		w.log.Warn("Message not marked as failed", "message_id", messageID)
	}

	w.log.Warn("Message delivery failed", "message_id", messageID, "error", reason)
	return Result{Kind: KindTransientFailure, MessageID: messageID, Err: deliveryErr}
}

func (w *Worker) inconsistent(ctx context.Context, messageID int64, externalID, op string, err error) Result {
	inc := &PersistenceInconsistency{MessageID: messageID, ExternalID: externalID, Op: op, Err: err}
	w.log.Error("Message sent but outcome not persisted",
		"message_id", messageID,
		"external_message_id", externalID,
		"op", op,
		"error", err,
	)

	if w.reconciler != nil {
		if rerr := w.reconciler.RecordInconsistency(ctx, inc); rerr != nil {
			w.log.Error("Failed to record inconsistency", "message_id", messageID, "external_message_id", externalID, "error", rerr)
		}
	}

	return Result{Kind: KindPersistenceInconsistency, MessageID: messageID, ExternalID: externalID, Err: inc}
}

// Exhausted reports a message whose attempt budget is spent. The message
// keeps its Failed status.
func (w *Worker) Exhausted(task model.DeliveryTask, attempts int, lastError string) *TerminalFailure {
	failure := &TerminalFailure{
		MessageID:   task.MessageID,
		PhoneNumber: task.PhoneNumber,
		Attempts:    attempts,
		LastError:   lastError,
	}
	w.log.Error("Message delivery permanently failed",
		"message_id", task.MessageID,
		"phone", task.PhoneNumber,
		"attempts", attempts,
		"error", lastError,
	)
	prom.IncDeliveryOutcome(KindTerminalFailure.String())
	return failure
}

func (w *Worker) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(w.config.WriteRetries, retry.NewExponential(w.config.WriteBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("after %d retries: %w", w.config.WriteRetries, err)
	}
	return nil
}

func (w *Worker) result(start time.Time, r Result) Result {
	prom.IncDeliveryOutcome(r.Kind.String())
	prom.ObserveDeliveryDuration(r.Kind.String(), time.Since(start).Seconds())
	return r
}
