package worker_test

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolboxai/dispatch/internal/broker"
	errs "github.com/toolboxai/dispatch/internal/errors"
	"github.com/toolboxai/dispatch/internal/router"
	"github.com/toolboxai/dispatch/internal/state"
	"github.com/toolboxai/dispatch/internal/worker"
	"github.com/toolboxai/dispatch/pkg/queues/bq"
)

type harness struct {
	br   broker.Broker
	pool *worker.Pool
}

func newHarness(t *testing.T) *harness {
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
	})

	br, err := broker.New(slog.Default(), rt, q, st, &broker.Options{
		LeaseDuration:      time.Minute,
		DefaultMaxAttempts: 3,
		Backoff: broker.BackoffPolicy{
			Base: time.Millisecond,
			Cap:  2 * time.Millisecond,
		},
		ReconcileInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, br.Run())
	t.Cleanup(br.Stop)

	pool := worker.NewPool(&worker.Config{
		Logger:            slog.Default(),
		Broker:            br,
		Queues:            rt.Queues(),
		Concurrency:       2,
		PollInterval:      5 * time.Millisecond,
		DefaultTimeout:    time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
	})

	return &harness{br: br, pool: pool}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.pool.Start(context.Background())
	t.Cleanup(h.pool.Stop)
}

func (h *harness) waitTerminal(t *testing.T, id string) *broker.Task {
	t.Helper()

	var task *broker.Task
	require.Eventually(t, func() bool {
		got, err := h.br.Get(id)
		if err != nil {
			return false
		}
		task = got
		switch got.Status {
		case state.TaskStatusSucceeded, state.TaskStatusDeadLettered, state.TaskStatusCanceled:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	return task
}

func TestPoolRunsTask(t *testing.T) {
	h := newHarness(t)

	h.pool.Register("content.generate", func(ctx context.Context, task *broker.Task) (map[string]any, error) {
		return map[string]any{"echo": task.Payload["topic"]}, nil
	})
	h.start(t)

	id, err := h.br.Submit(&broker.Task{
		Type:    "content.generate",
		Payload: map[string]any{"topic": "fractions"},
	})
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, state.TaskStatusSucceeded, task.Status)
	assert.Equal(t, "fractions", task.Result["echo"])
	assert.Equal(t, 0, task.AttemptCount)
}

func TestPoolRetriesUntilDeadLetter(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	h.pool.Register("content.generate", func(ctx context.Context, task *broker.Task) (map[string]any, error) {
		calls.Add(1)
		return nil, fmt.Errorf("upstream unavailable")
	})
	h.start(t)

	id, err := h.br.Submit(&broker.Task{Type: "content.generate", MaxAttempts: 3})
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, state.TaskStatusDeadLettered, task.Status)
	assert.Equal(t, 3, task.AttemptCount)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, task.LastError, "upstream unavailable")
}

func TestPoolPermanentErrorSkipsRetries(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	h.pool.Register("content.generate", func(ctx context.Context, task *broker.Task) (map[string]any, error) {
		calls.Add(1)
		return nil, errs.Permanent(fmt.Errorf("malformed payload"))
	})
	h.start(t)

	id, err := h.br.Submit(&broker.Task{Type: "content.generate", MaxAttempts: 5})
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, state.TaskStatusDeadLettered, task.Status)
	assert.Equal(t, 1, task.AttemptCount)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPoolMissingHandlerDeadLetters(t *testing.T) {
	h := newHarness(t)

	h.pool.Register("content.generate", func(ctx context.Context, task *broker.Task) (map[string]any, error) {
		return nil, nil
	})
	h.start(t)

	id, err := h.br.Submit(&broker.Task{Type: "content.render"})
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, state.TaskStatusDeadLettered, task.Status)
	assert.Contains(t, task.LastError, "no handler registered")
}

func TestPoolTimeoutKillsTask(t *testing.T) {
	h := newHarness(t)

	h.pool.Register("content.generate", func(ctx context.Context, task *broker.Task) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.start(t)

	id, err := h.br.Submit(&broker.Task{
		Type:        "content.generate",
		Timeout:     30 * time.Millisecond,
		MaxAttempts: 1,
	})
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, state.TaskStatusDeadLettered, task.Status)
	assert.Contains(t, task.LastError, "timed out")
}

func TestPoolRecoversPanickedHandler(t *testing.T) {
	h := newHarness(t)

	h.pool.Register("content.generate", func(ctx context.Context, task *broker.Task) (map[string]any, error) {
		panic("boom")
	})
	h.start(t)

	id, err := h.br.Submit(&broker.Task{Type: "content.generate", MaxAttempts: 1})
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, state.TaskStatusDeadLettered, task.Status)
	assert.Contains(t, task.LastError, "panicked")
}
