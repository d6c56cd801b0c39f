package broker

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/toolboxai/dispatch/internal/errors"
	"github.com/toolboxai/dispatch/internal/router"
	"github.com/toolboxai/dispatch/internal/state"
	"github.com/toolboxai/dispatch/pkg/queues/bq"
)

func newTestBroker(t *testing.T) *broker {
	t.Helper()

	dir := t.TempDir()

	q, err := bq.NewQueue(&bq.Options{
		Path: filepath.Join(dir, "queue.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	st, err := state.NewStore(&state.StoreOpts{
		Path: filepath.Join(dir, "state.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rt := router.New([]router.Route{
		{Prefix: "content.*", Queue: "ai_generation", Priority: 8},
		{Prefix: "notify.*", Queue: "notifications", Priority: 4},
	})

	b, err := New(slog.Default(), rt, q, st, &Options{
		LeaseDuration:      time.Minute,
		DefaultMaxAttempts: 3,
		Backoff: BackoffPolicy{
			Base: time.Millisecond,
			Cap:  2 * time.Millisecond,
		},
		ReconcileInterval: time.Hour, // driven manually in tests
	})
	require.NoError(t, err)

	return b.(*broker)
}

// reconcileNow runs one reconcile pass over every routed queue.
func reconcileNow(t *testing.T, b *broker) {
	t.Helper()
	require.NoError(t, b.rec.reconcile(reconcileBatch, b.rt.Queues()))
}

func TestSubmitRouting(t *testing.T) {
	b := newTestBroker(t)

	t.Run("matched prefix", func(t *testing.T) {
		id, err := b.Submit(&Task{
			Type:    "content.generate",
			Payload: map[string]any{"topic": "fractions"},
		})
		require.NoError(t, err)

		task, err := b.Get(id)
		require.NoError(t, err)

		assert.Equal(t, "ai_generation", task.Queue)
		assert.Equal(t, 8, task.Priority)
		assert.Equal(t, state.TaskStatusPending, task.Status)
		assert.Equal(t, 3, task.MaxAttempts)

		pending, err := b.q.Pending("ai_generation")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), pending)
	})

	t.Run("unknown type goes to default", func(t *testing.T) {
		id, err := b.Submit(&Task{Type: "zzz.unknown"})
		require.NoError(t, err)

		task, err := b.Get(id)
		require.NoError(t, err)

		assert.Equal(t, router.DefaultQueue, task.Queue)
		assert.Equal(t, router.DefaultPriority, task.Priority)
		assert.Equal(t, state.TaskStatusPending, task.Status)
	})

	t.Run("explicit priority overrides route", func(t *testing.T) {
		id, err := b.Submit(&Task{Type: "content.generate", Priority: 2})
		require.NoError(t, err)

		task, err := b.Get(id)
		require.NoError(t, err)
		assert.Equal(t, 2, task.Priority)
	})
}

func TestSubmitValidation(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.Submit(&Task{})
	assert.ErrorIs(t, err, errs.ErrInvalid)

	_, err = b.Submit(&Task{Type: "a.b", MaxAttempts: -1})
	assert.ErrorIs(t, err, errs.ErrInvalid)

	_, err = b.Submit(&Task{Type: "a.b", Timeout: -time.Second})
	assert.ErrorIs(t, err, errs.ErrInvalid)
}

func TestClaim(t *testing.T) {
	b := newTestBroker(t)

	id, err := b.Submit(&Task{Type: "content.generate"})
	require.NoError(t, err)

	tasks, err := b.Claim([]string{"ai_generation"}, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	assert.Equal(t, id, tasks[0].ID)
	assert.Equal(t, state.TaskStatusRunning, tasks[0].Status)

	got, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, state.TaskStatusRunning, got.Status)
	assert.False(t, got.StartedAt.IsZero())

	t.Run("empty queue yields nothing", func(t *testing.T) {
		tasks, err := b.Claim([]string{"ai_generation"}, 1)
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	t.Run("invalid count", func(t *testing.T) {
		_, err := b.Claim([]string{"ai_generation"}, 0)
		assert.ErrorIs(t, err, errs.ErrInvalid)
	})
}

func TestSucceed(t *testing.T) {
	b := newTestBroker(t)

	id, err := b.Submit(&Task{Type: "content.generate"})
	require.NoError(t, err)

	_, err = b.Claim([]string{"ai_generation"}, 1)
	require.NoError(t, err)

	require.NoError(t, b.Succeed(id, map[string]any{"outline": "done"}))

	got, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, state.TaskStatusSucceeded, got.Status)
	assert.Equal(t, "done", got.Result["outline"])
	assert.False(t, got.CompletedAt.IsZero())

	completed, err := b.q.Completed("ai_generation")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), completed)

	t.Run("not running", func(t *testing.T) {
		assert.ErrorIs(t, b.Succeed(id, nil), errs.ErrInvalid)
	})
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	b := newTestBroker(t)

	id, err := b.Submit(&Task{Type: "content.generate", MaxAttempts: 3})
	require.NoError(t, err)

	// attempts 1 and 2 fail transiently and get rescheduled
	for attempt := 1; attempt <= 2; attempt++ {
		tasks, err := b.Claim([]string{"ai_generation"}, 1)
		require.NoError(t, err)
		require.Len(t, tasks, 1, "attempt %d", attempt)

		require.NoError(t, b.Fail(id, "llm timeout", false))

		got, err := b.Get(id)
		require.NoError(t, err)
		assert.Equal(t, state.TaskStatusFailed, got.Status)
		assert.Equal(t, attempt, got.AttemptCount)
		assert.Equal(t, "llm timeout", got.LastError)
		assert.False(t, got.NextRetryAt.IsZero())

		// wait out the backoff, then let the reconciler requeue it
		time.Sleep(20 * time.Millisecond)
		reconcileNow(t, b)

		got, err = b.Get(id)
		require.NoError(t, err)
		assert.Equal(t, state.TaskStatusPending, got.Status)
	}

	// attempt 3 exhausts the budget
	tasks, err := b.Claim([]string{"ai_generation"}, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, b.Fail(id, "llm timeout", false))

	got, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, state.TaskStatusDeadLettered, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.LessOrEqual(t, got.AttemptCount, got.MaxAttempts)

	dead, err := b.q.DeadLettered("ai_generation")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dead)

	// no further deliveries
	reconcileNow(t, b)
	tasks, err = b.Claim([]string{"ai_generation"}, 1)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestFailPermanentDeadLettersImmediately(t *testing.T) {
	b := newTestBroker(t)

	id, err := b.Submit(&Task{Type: "content.generate", MaxAttempts: 5})
	require.NoError(t, err)

	_, err = b.Claim([]string{"ai_generation"}, 1)
	require.NoError(t, err)

	require.NoError(t, b.Fail(id, "malformed payload", true))

	got, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, state.TaskStatusDeadLettered, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestCancel(t *testing.T) {
	b := newTestBroker(t)

	id, err := b.Submit(&Task{Type: "notify.email"})
	require.NoError(t, err)

	require.NoError(t, b.Cancel(id))

	got, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, state.TaskStatusCanceled, got.Status)

	t.Run("canceled tasks are dropped at claim time", func(t *testing.T) {
		tasks, err := b.Claim([]string{"notifications"}, 1)
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	t.Run("running tasks cannot be canceled", func(t *testing.T) {
		id, err := b.Submit(&Task{Type: "notify.email"})
		require.NoError(t, err)

		_, err = b.Claim([]string{"notifications"}, 1)
		require.NoError(t, err)

		assert.ErrorIs(t, b.Cancel(id), errs.ErrInvalid)
	})
}

func TestReplay(t *testing.T) {
	b := newTestBroker(t)

	id, err := b.Submit(&Task{Type: "content.generate"})
	require.NoError(t, err)

	_, err = b.Claim([]string{"ai_generation"}, 1)
	require.NoError(t, err)
	require.NoError(t, b.Fail(id, "bad input", true))

	require.NoError(t, b.Replay(id))

	got, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, state.TaskStatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Empty(t, got.LastError)

	tasks, err := b.Claim([]string{"ai_generation"}, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)

	t.Run("only dead-lettered tasks replay", func(t *testing.T) {
		assert.ErrorIs(t, b.Replay(id), errs.ErrInvalid)
	})
}

func TestDiscardDeadLetter(t *testing.T) {
	b := newTestBroker(t)

	id, err := b.Submit(&Task{Type: "content.generate"})
	require.NoError(t, err)

	_, err = b.Claim([]string{"ai_generation"}, 1)
	require.NoError(t, err)
	require.NoError(t, b.Fail(id, "bad input", true))

	require.NoError(t, b.DiscardDeadLetter(id))

	_, err = b.Get(id)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	dead, err := b.q.DeadLettered("ai_generation")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), dead)
}

func TestHeartbeat(t *testing.T) {
	b := newTestBroker(t)

	id, err := b.Submit(&Task{Type: "content.generate"})
	require.NoError(t, err)

	_, err = b.Claim([]string{"ai_generation"}, 1)
	require.NoError(t, err)

	assert.NoError(t, b.Heartbeat(id))
}

func TestExpiredLeaseRedelivers(t *testing.T) {
	b := newTestBroker(t)
	b.opts.LeaseDuration = time.Millisecond

	id, err := b.Submit(&Task{Type: "content.generate"})
	require.NoError(t, err)

	_, err = b.Claim([]string{"ai_generation"}, 1)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	reconcileNow(t, b)

	got, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, state.TaskStatusPending, got.Status)

	tasks, err := b.Claim([]string{"ai_generation"}, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)
}

func TestRunRegistersRoutedQueues(t *testing.T) {
	b := newTestBroker(t)

	require.NoError(t, b.Run())
	t.Cleanup(b.Stop)

	qi, err := b.state.GetQueueByName("ai_generation")
	require.NoError(t, err)
	assert.Equal(t, 8, qi.Priority)

	qi, err = b.state.GetQueueByName(router.DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, router.DefaultPriority, qi.Priority)
}
