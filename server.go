package moorage

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"pkt.systems/moorage/core"
	"pkt.systems/moorage/httpapi"
	"pkt.systems/moorage/internal/metrics"
	"pkt.systems/pslog"
)

// Server composes the HTTP dispatch adapter and the maintenance scheduler.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	HTTP     httpapi.Config
	Schedule core.Schedule
}

// SessionStore is the store surface the compositor wires into its services.
type SessionStore interface {
	core.SessionStore
	Ping(ctx context.Context) error
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Store        SessionStore
	Orchestrator *core.Orchestrator
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	// Closers are closed in order once the services have stopped.
	Closers []io.Closer
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP      bool
	enableScheduler bool
}

// WithHTTP enables the HTTP API.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithScheduler enables the periodic sweep and cleanup jobs.
func WithScheduler() ServerOption {
	return func(o *serverOptions) { o.enableScheduler = true }
}

// New constructs a composable moorage server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableScheduler {
		return nil, errors.New("no services enabled")
	}
	if deps.Store == nil {
		return nil, errors.New("session store dependency is required")
	}
	if deps.Orchestrator == nil {
		return nil, errors.New("orchestrator dependency is required")
	}

	sweeper := core.NewSweeper(deps.Orchestrator, core.Deps{Store: deps.Store, Metrics: deps.Metrics})
	srv := &compositeServer{cfg: cfg, options: options, closers: deps.Closers}
	if options.enableHTTP {
		srv.httpSrv = httpapi.NewServer(cfg.HTTP, httpapi.Deps{
			Orchestrator: deps.Orchestrator,
			Store:        deps.Store,
			Tracker:      core.NewTracker(deps.Store, deps.Metrics),
			Tasks:        core.NewTasks(deps.Orchestrator, deps.Store),
			Maintenance:  sweeper,
			Gatherer:     deps.Gatherer,
		})
	}
	if options.enableScheduler {
		sched, err := core.NewScheduler(sweeper, cfg.Schedule)
		if err != nil {
			return nil, err
		}
		srv.scheduler = sched
	}
	return srv, nil
}

type compositeServer struct {
	cfg       ServerConfig
	options   serverOptions
	httpSrv   *httpapi.Server
	scheduler *core.Scheduler
	closers   []io.Closer
	logger    pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	wg      sync.WaitGroup
	started bool
	closed  bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"scheduler", s.options.enableScheduler,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"sweep", s.cfg.Schedule.Sweep,
		"cleanup", s.cfg.Schedule.Cleanup,
	)
	if s.httpSrv != nil {
		s.run("http", func(ctx context.Context) error {
			return httpapi.ListenAndServe(ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler())
		})
	}
	if s.scheduler != nil {
		s.run("scheduler", s.scheduler.Run)
	}
	return nil
}

func (s *compositeServer) run(name string, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil {
			s.logger.Error(name+" server failed", "err", err)
			s.errCh <- err
		}
	}()
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
	}
	s.closeAll(log)
	log.Info("server stopped")
	return nil
}

func (s *compositeServer) closeAll(log pslog.Logger) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	for _, c := range s.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			log.Warn("server close failed", "err", err)
		}
	}
}
