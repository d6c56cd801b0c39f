package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/toolboxai/dispatch/internal/queue"
	"github.com/toolboxai/dispatch/internal/state"
	"github.com/toolboxai/dispatch/internal/utils"
)

const reconcileBatch = 100

// reconciler is the background loop that returns due retries and
// expired leases to the pending queue, keeping the at-least-once
// promise after worker crashes.
type reconciler struct {
	mu sync.RWMutex
	wg *sync.WaitGroup

	stop   chan utils.Empty
	queues []string
	q      queue.MessageQueue
	br     *broker
	dur    time.Duration
	logger *slog.Logger
}

func newReconciler(logger *slog.Logger, br *broker, q queue.MessageQueue, dur time.Duration) *reconciler {
	return &reconciler{
		q:      q,
		stop:   make(chan utils.Empty, 1),
		dur:    dur,
		br:     br,
		logger: logger,
		wg:     &sync.WaitGroup{},
	}
}

func (w *reconciler) SetQueues(queues []string) {
	w.mu.Lock()
	w.queues = queues
	w.mu.Unlock()
}

func (w *reconciler) Watch() {
	w.wg.Add(1)

	timer := time.NewTimer(w.dur)
	go func() {
		defer func() {
			timer.Stop()
			w.wg.Done()
		}()

		for {
			select {
			case <-w.stop:
				return
			case <-timer.C:
				w.mu.RLock()
				queues := w.queues
				w.mu.RUnlock()

				if err := w.reconcile(reconcileBatch, queues); err != nil {
					w.logger.
						With("err", err).
						Error("failed to reconcile queues")
				}

				timer.Reset(w.dur)
			}
		}
	}()
}

func (w *reconciler) reconcile(limit int, queues []string) error {
	now := time.Now()

	for _, qu := range queues {
		dueRetries, err := w.q.ReconcileDue(limit, qu, now)
		if err != nil {
			return fmt.Errorf("failed to reconcile retry queue %q: %w", qu, err)
		}

		if err := w.markPending(dueRetries); err != nil {
			return err
		}

		if len(dueRetries) > 0 {
			w.logger.
				With("queue", qu).
				With("count", len(dueRetries)).
				Debug("requeued due retries")
		}

		expired, err := w.q.SweepExpiredLeases(limit, qu, now)
		if err != nil {
			return fmt.Errorf("failed to sweep leases of queue %q: %w", qu, err)
		}

		if err := w.markPending(expired); err != nil {
			return err
		}

		if len(expired) > 0 {
			w.logger.
				With("queue", qu).
				With("count", len(expired)).
				Warn("requeued tasks with expired leases")
		}
	}

	return nil
}

// markPending flips the backing task records of redelivered messages
// back to pending so the status API never shows a phantom running task.
func (w *reconciler) markPending(msgs queue.Messages) error {
	if len(msgs) == 0 {
		return nil
	}

	taskIds := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		var meta MessageMetadata
		if err := msg.Into(&meta); err != nil {
			return fmt.Errorf("failed to decode message metadata: %w", err)
		}
		taskIds = append(taskIds, meta.TaskID)
	}

	_, err := w.br.state.UpdateMultiInfo(taskIds, func(ti *state.TaskInfo) bool {
		if ti.Status.Terminal() {
			return false
		}
		ti.Status = state.TaskStatusPending
		ti.NextRetryAt = time.Time{}
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to update task info: %w", err)
	}

	return nil
}

func (w *reconciler) Stop() {
	w.stop <- utils.Empty{}

	w.wg.Wait()
}
