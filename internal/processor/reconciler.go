package processor

import (
	"context"
	"strconv"
	"time"

	"github.com/nimasrn/message-dispatcher/internal/delivery"
	"github.com/nimasrn/message-dispatcher/internal/queue"
)

type reconciliationRecord struct {
	MessageID  int64     `json:"message_id"`
	ExternalID string    `json:"external_message_id"`
	Op         string    `json:"op"`
	Error      string    `json:"error"`
	RecordedAt time.Time `json:"recorded_at"`
}

// QueueReconciler appends persistence inconsistencies to the queue's
// reconciliation stream.
type QueueReconciler struct {
	queue *queue.Queue
}

func NewQueueReconciler(q *queue.Queue) *QueueReconciler {
	return &QueueReconciler{queue: q}
}

func (r *QueueReconciler) RecordInconsistency(ctx context.Context, inc *delivery.PersistenceInconsistency) error {
	record := reconciliationRecord{
		MessageID:  inc.MessageID,
		ExternalID: inc.ExternalID,
		Op:         inc.Op,
		RecordedAt: time.Now().UTC(),
	}
	if inc.Err != nil {
		record.Error = inc.Err.Error()
	}

	_, err := r.queue.PublishReconciliation(ctx, record, map[string]string{
		"message_id": strconv.FormatInt(inc.MessageID, 10),
	})
	return err
}
