package server

import (
	"log/slog"
	"net/http"
	"time"

	httpin_integ "github.com/ggicci/httpin/integration"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/toolboxai/dispatch/internal/broker"
	"github.com/toolboxai/dispatch/internal/queue"
	"github.com/toolboxai/dispatch/internal/state"
)

type Options struct {
	Addr         string
	Logger       *slog.Logger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type runtime struct {
	logger   *slog.Logger
	st       state.Store
	br       broker.Broker
	q        queue.MessageQueue
	validate *validator.Validate
}

type Server struct {
	opts    *Options
	logger  *slog.Logger
	sm      chi.Router
	hs      *http.Server
	runtime *runtime
}

func NewServer(opts *Options, st state.Store, br broker.Broker, qu queue.MessageQueue) *Server {
	o := defaultOpts(opts)

	s := &Server{
		logger: o.Logger,
		opts:   o,
		sm:     chi.NewRouter(),
		runtime: &runtime{
			st:       st,
			br:       br,
			q:        qu,
			logger:   o.Logger,
			validate: validator.New(),
		},
	}

	s.registerV1()

	hs := http.Server{
		Addr:         o.Addr,
		Handler:      s.sm,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
	}
	s.hs = &hs

	return s
}

func defaultOpts(opts *Options) *Options {
	o := &Options{
		Addr:   ":8080",
		Logger: slog.Default(),
	}

	if opts == nil {
		return o
	}

	if len(opts.Addr) > 0 {
		o.Addr = opts.Addr
	}
	if opts.Logger != nil {
		o.Logger = opts.Logger
	}
	o.ReadTimeout = opts.ReadTimeout
	o.WriteTimeout = opts.WriteTimeout

	return o
}

func init() {
	httpin_integ.UseGochiURLParam("path", chi.URLParam)
}

func (s *Server) registerV1() {
	submitTask(s.sm, s.runtime)
	getTaskStatus(s.sm, s.runtime)
	cancelTask(s.sm, s.runtime)
	listQueues(s.sm, s.runtime)
	getQueue(s.sm, s.runtime)
	listQueueTasks(s.sm, s.runtime)
	listDeadLetter(s.sm, s.runtime)
	replayDeadLetter(s.sm, s.runtime)
	discardDeadLetter(s.sm, s.runtime)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.sm
}

func (s *Server) Run() error {
	go func() {
		s.logger.
			With("addr", s.opts.Addr).
			Info("server is running")

		err := s.hs.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.logger.
				With("err", err).
				Error("failed to run server")
			return
		}
	}()

	return nil
}

func (s *Server) Close() error {
	s.logger.Info("server is closing")
	return s.hs.Close()
}
