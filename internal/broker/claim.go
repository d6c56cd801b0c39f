package broker

import (
	"fmt"
	"time"

	errs "github.com/toolboxai/dispatch/internal/errors"
	"github.com/toolboxai/dispatch/internal/queue"
	"github.com/toolboxai/dispatch/internal/state"
)

func (b *broker) Claim(queues []string, count int) (tasks []*Task, err error) {
	if count <= 0 {
		return nil, errs.NewErrInvalid("count must be greater than 0")
	}

	tasks = make([]*Task, 0, count)

	for _, qname := range queues {
		remaining := count - len(tasks)
		if remaining == 0 {
			break
		}

		claimed, err := b.claimFrom(qname, remaining)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, claimed...)
	}

	return tasks, nil
}

func (b *broker) claimFrom(qname string, limit int) (tasks []*Task, err error) {
	msgs, err := b.q.Dequeue(&queue.DequeueOpts{
		Limit:         limit,
		LeaseDuration: b.opts.LeaseDuration,
	}, qname)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %q: %w", qname, err)
	}

	tasks = make([]*Task, 0, len(msgs))

	for _, msg := range msgs {
		task, err := b.claimMessage(qname, msg)
		if err != nil {
			return nil, err
		}
		if task == nil {
			continue
		}

		tasks = append(tasks, task)
	}

	return tasks, nil
}

// claimMessage transitions the backing task to running. It returns nil
// for messages whose task was canceled or is otherwise gone; those are
// acked away.
func (b *broker) claimMessage(qname string, msg queue.Message) (*Task, error) {
	var meta MessageMetadata
	if err := msg.Into(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode message metadata: %w", err)
	}

	ti, err := b.state.GetInfo(meta.TaskID)
	if err != nil {
		b.logger.
			With("task_id", meta.TaskID).
			With("err", err).
			Warn("claimed message without task record, dropping")
		if ackErr := b.q.Ack(qname, msg.ID); ackErr != nil {
			return nil, fmt.Errorf("failed to drop orphan message: %w", ackErr)
		}
		return nil, nil
	}

	if ti.Status == state.TaskStatusCanceled {
		b.logger.
			With("task_id", ti.ID).
			Debug("dropping canceled task at claim time")
		if err := b.q.Ack(qname, msg.ID); err != nil {
			return nil, fmt.Errorf("failed to drop canceled message: %w", err)
		}
		return nil, nil
	}

	_, err = b.state.UpdateInfo(ti.ID, func(t *state.TaskInfo) bool {
		t.Status = state.TaskStatusRunning
		t.StartedAt = time.Now()
		t.MessageId = msg.ID
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark task running: %w", err)
	}

	ti.Status = state.TaskStatusRunning
	ti.MessageId = msg.ID

	return fromInfo(ti), nil
}

func (b *broker) Heartbeat(ids ...string) error {
	until := time.Now().Add(b.opts.LeaseDuration)

	for _, id := range ids {
		ti, err := b.state.GetInfo(id)
		if err != nil {
			return err
		}

		if err := b.q.ExtendLease(ti.QueueName, ti.MessageId, until); err != nil {
			b.logger.
				With("task_id", id).
				With("err", err).
				Warn("failed to extend lease")
			return err
		}
	}

	return nil
}

func (b *broker) Get(id string) (t *Task, err error) {
	if len(id) == 0 {
		return nil, errs.NewErrInvalid("task id is required")
	}

	ti, err := b.state.GetInfo(id)
	if err != nil {
		return nil, err
	}

	return fromInfo(ti), nil
}

func (b *broker) Cancel(id string) error {
	if len(id) == 0 {
		return errs.NewErrInvalid("task id is required")
	}

	ti, err := b.state.GetInfo(id)
	if err != nil {
		return err
	}

	if ti.Status != state.TaskStatusPending && ti.Status != state.TaskStatusFailed {
		return errs.NewErrInvalid(fmt.Sprintf("task is %s, only pending tasks can be canceled", ti.Status))
	}

	found, err := b.state.UpdateInfo(id, func(t *state.TaskInfo) bool {
		if t.Status != state.TaskStatusPending && t.Status != state.TaskStatusFailed {
			return false
		}
		t.Status = state.TaskStatusCanceled
		t.CompletedAt = time.Now()
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to update task info: %w", err)
	}
	if !found {
		return errs.NewErrNotFound("task")
	}

	b.logger.
		With("task_id", id).
		Info("task canceled")

	return nil
}
