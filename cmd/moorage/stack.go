package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pkt.systems/moorage/core"
	"pkt.systems/moorage/internal/appconfig"
	"pkt.systems/moorage/internal/metrics"
	"pkt.systems/moorage/internal/sessionstore"
	"pkt.systems/moorage/internal/sessionstore/etcdstore"
	"pkt.systems/moorage/internal/sessionstore/filestore"
	"pkt.systems/moorage/internal/sessionstore/mongostore"
	"pkt.systems/moorage/internal/sessionstore/pgstore"
	"pkt.systems/moorage/internal/sessionstore/redisstore"
	"pkt.systems/moorage/internal/shipohoy"
	"pkt.systems/pslog"
)

// stack is the wired service graph shared by every command.
type stack struct {
	cfg      appconfig.Config
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *sessionstore.Store
	runtime  shipohoy.Runtime
	orch     *core.Orchestrator
	tracker  *core.Tracker
	tasks    *core.Tasks
	sweeper  *core.Sweeper
}

type stackOptions struct {
	// withRuntime connects the container runtime. Without it the
	// orchestrator starts disabled.
	withRuntime bool
}

// storeOpener is replaced in tests.
var storeOpener = openStore

// runtimeOpener is replaced in tests.
var runtimeOpener = selectRuntime

func loadStack(ctx context.Context, cfgPath string, opts stackOptions) (*stack, error) {
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return newStack(ctx, cfg, opts)
}

func newStack(ctx context.Context, cfg appconfig.Config, opts stackOptions) (*stack, error) {
	logger := pslog.Ctx(ctx)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}
	store, err := storeOpener(ctx, cfg.Store, m)
	if err != nil {
		return nil, err
	}
	s := &stack{cfg: cfg, registry: registry, metrics: m, store: store}

	var builder shipohoy.Builder
	if opts.withRuntime {
		logger.Info("runtime selected", "backend", cfg.Runtime.Backend, "builder", cfg.Runtime.Build.Builder)
		rt, err := runtimeOpener(ctx, cfg.Runtime)
		if err != nil {
			logger.Warn("runtime unavailable; container operations disabled", "err", err)
		} else {
			s.runtime = rt
		}
		builder, err = selectBuilder(cfg.Runtime, s.runtime)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	deps := core.Deps{Store: store, Runtime: s.runtime, Builder: builder, Metrics: m}
	orch, err := core.NewOrchestrator(ctx, core.ConfigFromApp(cfg.Runtime), deps)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.orch = orch
	s.tracker = core.NewTracker(store, m)
	s.tasks = core.NewTasks(orch, store)
	s.sweeper = core.NewSweeper(orch, deps)
	return s, nil
}

// closers returns the resources owned by the stack in close order.
func (s *stack) closers() []io.Closer {
	out := []io.Closer{s.store}
	if s.runtime != nil {
		out = append(out, s.runtime)
	}
	return out
}

func (s *stack) Close() error {
	var errs []error
	for _, c := range s.closers() {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg appconfig.StoreConfig, m *metrics.Metrics) (*sessionstore.Store, error) {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	retry := sessionstore.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: time.Duration(cfg.Retry.InitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.Retry.MaxIntervalMS) * time.Millisecond,
	}
	pslog.Ctx(ctx).Info("session store selected", "backend", cfg.Backend, "key_prefix", cfg.KeyPrefix)
	return sessionstore.New(backend,
		sessionstore.WithKeyPrefix(cfg.KeyPrefix),
		sessionstore.WithRetryPolicy(retry),
		sessionstore.WithMetrics(m),
	), nil
}

func openBackend(ctx context.Context, cfg appconfig.StoreConfig) (sessionstore.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "memory":
		return sessionstore.NewMemoryBackend(), nil
	case "redis":
		return redisstore.New(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	case "etcd":
		return etcdstore.New(etcdstore.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			Username:    cfg.Etcd.Username,
			Password:    cfg.Etcd.Password,
			DialTimeout: time.Duration(cfg.Etcd.DialTimeoutSeconds) * time.Second,
		})
	case "postgres":
		return pgstore.New(ctx, pgstore.Config{DSN: cfg.Postgres.DSN, Table: cfg.Postgres.Table})
	case "mongo":
		return mongostore.New(mongostore.Config{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
	case "file":
		return filestore.NewWithLogger(cfg.File.Dir, pslog.Ctx(ctx))
	default:
		return nil, fmt.Errorf("unsupported store.backend %q", cfg.Backend)
	}
}
