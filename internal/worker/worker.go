package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/toolboxai/dispatch/internal/broker"
	errs "github.com/toolboxai/dispatch/internal/errors"
)

// Handler executes one task. It must honor ctx: the pool cancels it when
// the task's wall-clock budget runs out. Returning a Permanent error
// dead-letters the task instead of retrying it.
type Handler func(ctx context.Context, task *broker.Task) (result map[string]any, err error)

// Config holds worker pool configuration.
type Config struct {
	Logger *slog.Logger
	Broker broker.Broker

	// Queues to poll, highest priority first.
	Queues []string

	Concurrency       int
	PollInterval      time.Duration
	DefaultTimeout    time.Duration
	HeartbeatInterval time.Duration
}

// Pool pulls tasks from the broker and executes registered handlers,
// one task per concurrency slot.
type Pool struct {
	logger *slog.Logger
	br     broker.Broker

	queues            []string
	concurrency       int
	pollInterval      time.Duration
	defaultTimeout    time.Duration
	heartbeatInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewPool(cfg *Config) *Pool {
	p := &Pool{
		logger:            cfg.Logger,
		br:                cfg.Broker,
		queues:            cfg.Queues,
		concurrency:       cfg.Concurrency,
		pollInterval:      cfg.PollInterval,
		defaultTimeout:    cfg.DefaultTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		handlers:          make(map[string]Handler),
		stopChan:          make(chan struct{}),
	}

	if p.concurrency <= 0 {
		p.concurrency = 1
	}
	if p.pollInterval <= 0 {
		p.pollInterval = 250 * time.Millisecond
	}
	if p.defaultTimeout <= 0 {
		p.defaultTimeout = 5 * time.Minute
	}
	if p.heartbeatInterval <= 0 {
		p.heartbeatInterval = 20 * time.Second
	}

	return p
}

// Register binds a handler to a task type. Registering the same type
// twice replaces the previous handler.
func (p *Pool) Register(taskType string, h Handler) {
	p.mu.Lock()
	p.handlers[taskType] = h
	p.mu.Unlock()
}

// HasHandlers reports whether any handler is registered.
func (p *Pool) HasHandlers() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.handlers) > 0
}

func (p *Pool) handler(taskType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h, ok := p.handlers[taskType]
	return h, ok
}

// Start spawns the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	p.logger.
		With("concurrency", p.concurrency).
		With("queues", p.queues).
		Info("starting worker pool")

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()

	p.logger.Info("worker pool stopped")
}

func (p *Pool) workerLoop(ctx context.Context, workerNum int) {
	defer p.wg.Done()

	workerName := fmt.Sprintf("worker-%d", workerNum)
	p.logger.
		With("worker", workerName).
		Debug("worker started")

	for {
		select {
		case <-p.stopChan:
			p.logger.
				With("worker", workerName).
				Debug("worker stopping")
			return
		case <-ctx.Done():
			p.logger.
				With("worker", workerName).
				Debug("worker stopping, context canceled")
			return
		default:
		}

		tasks, err := p.br.Claim(p.queues, 1)
		if err != nil {
			p.logger.
				With("worker", workerName).
				With("err", err).
				Error("failed to claim task")
			p.sleep()
			continue
		}

		if len(tasks) == 0 {
			p.sleep()
			continue
		}

		p.process(ctx, workerName, tasks[0])
	}
}

func (p *Pool) sleep() {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	select {
	case <-p.stopChan:
	case <-timer.C:
	}
}

func (p *Pool) process(ctx context.Context, workerName string, task *broker.Task) {
	logger := p.logger.
		With("worker", workerName).
		With("task_id", task.ID).
		With("type", task.Type).
		With("queue", task.Queue)

	handler, ok := p.handler(task.Type)
	if !ok {
		logger.Error("no handler registered for task type")
		p.report(logger, task, nil, errs.Permanent(fmt.Errorf("no handler registered for type %q", task.Type)))
		return
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go p.heartbeat(taskCtx, task.ID, heartbeatDone)
	defer close(heartbeatDone)

	// soft warning before the hard deadline kills the handler
	softTimer := time.AfterFunc(timeout*8/10, func() {
		logger.
			With("timeout", timeout).
			Warn("task approaching its timeout")
	})
	defer softTimer.Stop()

	logger.Info("processing task")
	started := time.Now()

	result, err := p.execute(taskCtx, handler, task)

	logger = logger.With("elapsed", time.Since(started))
	p.report(logger, task, result, err)
}

// execute runs the handler in a child goroutine so a deadline can cut
// the wait; a handler that ignores ctx leaks until it returns, but the
// slot is freed.
func (p *Pool) execute(ctx context.Context, handler Handler, task *broker.Task) (result map[string]any, err error) {
	type outcome struct {
		result map[string]any
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()

		res, err := handler(ctx, task)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("task execution timed out: %w", ctx.Err())
	}
}

func (p *Pool) report(logger *slog.Logger, task *broker.Task, result map[string]any, err error) {
	if err == nil {
		logger.Info("task completed")
		if sErr := p.br.Succeed(task.ID, result); sErr != nil {
			logger.
				With("err", sErr).
				Error("failed to mark task succeeded")
		}
		return
	}

	permanent := errs.IsPermanent(err)
	logger.
		With("err", err).
		With("permanent", permanent).
		Error("task failed")

	if fErr := p.br.Fail(task.ID, err.Error(), permanent); fErr != nil {
		logger.
			With("err", fErr).
			Error("failed to mark task failed")
	}
}

func (p *Pool) heartbeat(ctx context.Context, taskId string, done <-chan struct{}) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.br.Heartbeat(taskId); err != nil {
				p.logger.
					With("task_id", taskId).
					With("err", err).
					Warn("failed to send heartbeat")
			}
		}
	}
}
