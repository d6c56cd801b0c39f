package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/toolboxai/dispatch/internal/broker"
	"github.com/toolboxai/dispatch/internal/config"
	"github.com/toolboxai/dispatch/internal/logging"
	"github.com/toolboxai/dispatch/internal/queue"
	"github.com/toolboxai/dispatch/internal/router"
	"github.com/toolboxai/dispatch/internal/server"
	"github.com/toolboxai/dispatch/internal/state"
	"github.com/toolboxai/dispatch/internal/utils"
	"github.com/toolboxai/dispatch/internal/worker"
	"github.com/toolboxai/dispatch/pkg/queues/bq"
)

// Dispatch wires the broker, worker pool and HTTP API into one service.
type Dispatch struct {
	cfg *config.Config

	stop chan utils.Empty

	logger *slog.Logger

	rt   *router.Router
	br   broker.Broker
	qu   queue.MessageQueue
	st   state.Store
	pool *worker.Pool

	hs *server.Server
}

func New(cfg *config.Config) (*Dispatch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(&logging.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.AddSource,
	})

	d := &Dispatch{
		cfg:    cfg,
		logger: logger,
		stop:   make(chan utils.Empty, 1),
	}
	if err := d.init(); err != nil {
		logger.
			With("err", err).
			Error("failed to initialize dispatch")
		return nil, err
	}

	return d, nil
}

func (d *Dispatch) init() error {
	routes := make([]router.Route, 0, len(d.cfg.Routes))
	for _, r := range d.cfg.Routes {
		routes = append(routes, router.Route{
			Prefix:   r.Prefix,
			Queue:    r.Queue,
			Priority: r.Priority,
		})
	}
	d.rt = router.New(routes)

	if err := d.mkdir(d.cfg.Storage.QueuePath); err != nil {
		return err
	}
	q, err := bq.NewQueue(&bq.Options{
		Logger: d.logger,
		Path:   d.cfg.Storage.QueuePath,
	})
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}
	d.qu = q

	if err := d.mkdir(d.cfg.Storage.StatePath); err != nil {
		return err
	}
	st, err := state.NewStore(&state.StoreOpts{
		Logger: d.logger,
		Path:   d.cfg.Storage.StatePath,
	})
	if err != nil {
		return fmt.Errorf("failed to create state store: %w", err)
	}
	d.st = st

	d.br, err = broker.New(d.logger, d.rt, d.qu, d.st, &broker.Options{
		LeaseDuration:      d.cfg.Worker.LeaseDuration,
		DefaultMaxAttempts: d.cfg.Retry.MaxAttempts,
		Backoff: broker.BackoffPolicy{
			Base: d.cfg.Retry.BaseDelay,
			Cap:  d.cfg.Retry.MaxDelay,
		},
		ReconcileInterval: d.cfg.Retry.ReconcileInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	d.pool = worker.NewPool(&worker.Config{
		Logger:            d.logger,
		Broker:            d.br,
		Queues:            d.rt.Queues(),
		Concurrency:       d.cfg.Worker.Concurrency,
		PollInterval:      d.cfg.Worker.PollInterval,
		DefaultTimeout:    d.cfg.Worker.TaskTimeout,
		HeartbeatInterval: d.cfg.Worker.HeartbeatInterval,
	})

	d.hs = server.NewServer(&server.Options{
		Addr:         d.cfg.Server.Addr,
		Logger:       d.logger,
		ReadTimeout:  d.cfg.Server.ReadTimeout,
		WriteTimeout: d.cfg.Server.WriteTimeout,
	},
		d.st,
		d.br,
		d.qu,
	)

	return nil
}

func (d *Dispatch) mkdir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", dir, err)
	}
	return nil
}

// Register binds a handler to a task type. Call before Run.
func (d *Dispatch) Register(taskType string, h worker.Handler) {
	d.pool.Register(taskType, h)
}

func (d *Dispatch) Run() error {
	if err := d.br.Run(); err != nil {
		d.logger.
			With("err", err).
			Error("failed to run broker")
		return err
	}

	ctx := context.Background()
	if d.pool.HasHandlers() {
		d.pool.Start(ctx)
	} else {
		d.logger.Warn("no handlers registered, running as broker only")
	}

	if err := d.hs.Run(); err != nil {
		d.logger.
			With("err", err).
			Error("failed to run server")
		return err
	}

	<-d.stop

	d.logger.Info("dispatch is stopping")
	if err := d.hs.Close(); err != nil {
		d.logger.
			With("err", err).
			Error("failed to close server")
	}

	if d.pool.HasHandlers() {
		d.pool.Stop()
	}

	d.br.Stop()

	if err := d.st.Close(); err != nil {
		d.logger.
			With("err", err).
			Error("failed to close state store")
	}

	if err := d.qu.Close(); err != nil {
		d.logger.
			With("err", err).
			Error("failed to close queue")
	}

	d.logger.Info("dispatch is stopped")

	return nil
}

func (d *Dispatch) Close() {
	d.stop <- utils.Empty{}
}
