package broker

import (
	"fmt"
	"time"

	errs "github.com/toolboxai/dispatch/internal/errors"
	"github.com/toolboxai/dispatch/internal/state"
)

func (b *broker) Succeed(id string, result map[string]any) error {
	if len(id) == 0 {
		return errs.NewErrInvalid("task id is required")
	}

	ti, err := b.state.GetInfo(id)
	if err != nil {
		return err
	}

	if ti.Status != state.TaskStatusRunning {
		return errs.NewErrInvalid(fmt.Sprintf("task is %s, not running", ti.Status))
	}

	if err := b.q.Ack(ti.QueueName, ti.MessageId); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}

	_, err = b.state.UpdateInfo(id, func(t *state.TaskInfo) bool {
		t.Status = state.TaskStatusSucceeded
		t.Result = result
		t.LastError = ""
		t.CompletedAt = time.Now()
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to update task info: %w", err)
	}

	b.logger.
		With("task_id", id).
		With("queue", ti.QueueName).
		Debug("task succeeded")

	return nil
}

func (b *broker) Fail(id string, reason string, permanent bool) error {
	if len(id) == 0 {
		return errs.NewErrInvalid("task id is required")
	}

	ti, err := b.state.GetInfo(id)
	if err != nil {
		return err
	}

	if ti.Status != state.TaskStatusRunning {
		return errs.NewErrInvalid(fmt.Sprintf("task is %s, not running", ti.Status))
	}

	attempts := ti.AttemptCount + 1
	exhausted := attempts >= ti.MaxAttempts

	if permanent || exhausted {
		return b.deadLetter(ti, attempts, reason)
	}

	return b.scheduleRetry(ti, attempts, reason)
}

func (b *broker) deadLetter(ti *state.TaskInfo, attempts int, reason string) error {
	if err := b.q.DeadLetter(ti.QueueName, ti.MessageId); err != nil {
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}

	_, err := b.state.UpdateInfo(ti.ID, func(t *state.TaskInfo) bool {
		t.Status = state.TaskStatusDeadLettered
		t.AttemptCount = attempts
		t.LastError = reason
		t.CompletedAt = time.Now()
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to update task info: %w", err)
	}

	b.logger.
		With("task_id", ti.ID).
		With("queue", ti.QueueName).
		With("attempts", attempts).
		With("reason", reason).
		Warn("task dead-lettered")

	return nil
}

func (b *broker) scheduleRetry(ti *state.TaskInfo, attempts int, reason string) error {
	delay := b.opts.Backoff.Delay(attempts)
	notBefore := time.Now().Add(delay)

	if err := b.q.Retry(ti.QueueName, ti.MessageId, notBefore); err != nil {
		return fmt.Errorf("failed to move message to retry: %w", err)
	}

	_, err := b.state.UpdateInfo(ti.ID, func(t *state.TaskInfo) bool {
		t.Status = state.TaskStatusFailed
		t.AttemptCount = attempts
		t.LastError = reason
		t.NextRetryAt = notBefore
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to update task info: %w", err)
	}

	b.logger.
		With("task_id", ti.ID).
		With("queue", ti.QueueName).
		With("attempts", attempts).
		With("delay", delay).
		Info("task scheduled for retry")

	return nil
}
