package broker

import (
	"fmt"
	"time"

	errs "github.com/toolboxai/dispatch/internal/errors"
	"github.com/toolboxai/dispatch/internal/state"
)

func (b *broker) Replay(id string) error {
	if len(id) == 0 {
		return errs.NewErrInvalid("task id is required")
	}

	ti, err := b.state.GetInfo(id)
	if err != nil {
		return err
	}

	if ti.Status != state.TaskStatusDeadLettered {
		return errs.NewErrInvalid(fmt.Sprintf("task is %s, only dead-lettered tasks can be replayed", ti.Status))
	}

	if _, err := b.q.TakeDeadLetter(ti.QueueName, ti.MessageId); err != nil {
		return fmt.Errorf("failed to take dead-letter message: %w", err)
	}

	// re-route: the table may have changed since the original submit
	qname, priority := b.rt.Route(ti.Type)

	msgId, err := b.enqueueMetadata(qname, ti.ID)
	if err != nil {
		return err
	}

	_, err = b.state.UpdateInfo(id, func(t *state.TaskInfo) bool {
		t.Status = state.TaskStatusPending
		t.QueueName = qname
		t.Priority = priority
		t.MessageId = msgId
		t.AttemptCount = 0
		t.LastError = ""
		t.NextRetryAt = time.Time{}
		t.CompletedAt = time.Time{}
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to update task info: %w", err)
	}

	b.logger.
		With("task_id", id).
		With("queue", qname).
		Info("dead-lettered task replayed")

	return nil
}

func (b *broker) DiscardDeadLetter(id string) error {
	if len(id) == 0 {
		return errs.NewErrInvalid("task id is required")
	}

	ti, err := b.state.GetInfo(id)
	if err != nil {
		return err
	}

	if ti.Status != state.TaskStatusDeadLettered {
		return errs.NewErrInvalid(fmt.Sprintf("task is %s, only dead-lettered tasks can be discarded", ti.Status))
	}

	if _, err := b.q.TakeDeadLetter(ti.QueueName, ti.MessageId); err != nil {
		return fmt.Errorf("failed to take dead-letter message: %w", err)
	}

	if _, err := b.state.DeleteInfo(id); err != nil {
		return fmt.Errorf("failed to delete task info: %w", err)
	}

	b.logger.
		With("task_id", id).
		Info("dead-lettered task discarded")

	return nil
}
