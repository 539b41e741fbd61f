package queue

import (
	"context"
	"strconv"

	"github.com/nimasrn/message-dispatcher/internal/model"
)

// TaskSubmitter publishes delivery tasks, one entry per message.
type TaskSubmitter struct {
	queue *Queue
}

func NewTaskSubmitter(q *Queue) *TaskSubmitter {
	return &TaskSubmitter{queue: q}
}

func (s *TaskSubmitter) Submit(ctx context.Context, task model.DeliveryTask) error {
	_, err := s.queue.PublishJSON(ctx, task, map[string]string{
		"message_id": strconv.FormatInt(task.MessageID, 10),
	})
	return err
}
