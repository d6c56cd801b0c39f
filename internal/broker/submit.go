package broker

import (
	"fmt"

	errs "github.com/toolboxai/dispatch/internal/errors"
	"github.com/toolboxai/dispatch/internal/queue"
	"github.com/toolboxai/dispatch/internal/router"
	"github.com/toolboxai/dispatch/internal/state"
)

func (b *broker) Submit(t *Task) (id string, err error) {
	if err := b.validateTask(t); err != nil {
		b.logger.
			With("err", err).
			With("type", t.Type).
			Error("unable to submit, invalid task")
		return "", err
	}

	b.route(t)

	id, err = b.submitTask(t)
	if err != nil {
		b.logger.
			With("err", err).
			With("type", t.Type).
			With("queue", t.Queue).
			Error("failed to submit task")
		return "", err
	}

	b.logger.
		With("type", t.Type).
		With("queue", t.Queue).
		With("priority", t.Priority).
		With("task_id", id).
		Debug("task submitted")
	return id, nil
}

func (b *broker) validateTask(t *Task) error {
	if len(t.Type) == 0 {
		return errs.NewErrInvalid("task type is required")
	}

	if t.MaxAttempts < 0 {
		return errs.NewErrInvalid("max attempts must be greater than or equal to 0")
	}

	if t.Timeout < 0 {
		return errs.NewErrInvalid("timeout must be greater than or equal to 0")
	}

	return nil
}

// route resolves the task's queue and priority. An explicit submission
// priority overrides the routed one, clamped into range.
func (b *broker) route(t *Task) {
	qname, priority := b.rt.Route(t.Type)

	t.Queue = qname
	if t.Priority > 0 {
		t.Priority = router.ClampPriority(t.Priority)
	} else {
		t.Priority = priority
	}

	if t.MaxAttempts == 0 {
		t.MaxAttempts = b.opts.DefaultMaxAttempts
	}
}

func (b *broker) submitTask(t *Task) (id string, err error) {
	ti := state.NewTaskInfo(
		t.Type,
		t.Queue,
		t.Priority,
		t.MaxAttempts,
		t.Timeout,
		t.Payload,
	)

	id, err = b.state.RecordInfo(ti)
	if err != nil {
		return "", fmt.Errorf("failed to record task info: %w", err)
	}

	msgId, err := b.enqueueMetadata(t.Queue, id)
	if err != nil {
		return "", err
	}

	_, err = b.state.UpdateInfo(id, func(ti *state.TaskInfo) bool {
		ti.MessageId = msgId
		return true
	})
	if err != nil {
		return "", fmt.Errorf("failed to attach message id: %w", err)
	}

	return id, nil
}

func (b *broker) enqueueMetadata(queueName string, taskId string) (msgId uint64, err error) {
	meta := MessageMetadata{TaskID: taskId}

	msg, err := queue.NewMessage(queueName, meta)
	if err != nil {
		return 0, fmt.Errorf("failed to build message: %w", err)
	}

	ids, err := b.q.Enqueue(queue.Single(*msg))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return ids[0], nil
}
