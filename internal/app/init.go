package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/salilkadam/inference-router/internal/dispatch"
	"github.com/salilkadam/inference-router/internal/gateway"
	"github.com/salilkadam/inference-router/internal/logger"
	"github.com/salilkadam/inference-router/internal/metrics"
	"github.com/salilkadam/inference-router/internal/registry"
	"github.com/salilkadam/inference-router/internal/router"
	"github.com/salilkadam/inference-router/internal/session"
	"github.com/salilkadam/inference-router/internal/stats"
)

// initStore builds the session store. With SESSION_STORE_URL set the store
// writes through to Redis; Redis being down at startup degrades to the
// in-process store instead of failing, matching the store's runtime
// degradation behaviour.
func (a *App) initStore(ctx context.Context) error {
	if a.cfg.SessionStoreURL == "" {
		a.store = session.NewMemoryStore(a.cfg.SessionTTL)
		a.log.Info("session store: memory (in-process)")
	} else {
		a.log.Info("connecting to session store",
			slog.String("url", redactURL(a.cfg.SessionStoreURL)))

		rs, err := session.NewRedisStore(ctx, a.cfg.SessionStoreURL, a.cfg.SessionTTL, a.log)
		if err != nil {
			a.log.Warn("session store unreachable, degrading to in-process only",
				slog.String("error", err.Error()))
			a.store = session.NewMemoryStore(a.cfg.SessionTTL)
		} else {
			a.store = rs
			a.log.Info("session store: redis write-through")
		}
	}

	a.sweeper = session.NewSweeper(a.baseCtx, a.store, a.cfg.SweepInterval, a.log, func(removed int) {
		if a.prom != nil {
			a.prom.AddSessionsSwept(removed)
			a.prom.SetActiveSessions(a.store.Len())
		}
	})

	return nil
}

// initRegistry builds the backend table and starts the health prober. The
// prober runs one synchronous round before returning, so health is known by
// the time the first request arrives.
func (a *App) initRegistry(_ context.Context) error {
	reg, err := registry.New(a.cfg.Backends)
	if err != nil {
		return err
	}
	a.reg = reg

	a.prober = registry.NewProber(a.baseCtx, reg, registry.ProberOptions{
		Interval: a.cfg.ProbeInterval,
		Timeout:  a.cfg.ProbeTimeout,
		Logger:   a.log,
		Observer: func(key string, state registry.HealthState, latency time.Duration) {
			if a.prom != nil {
				a.prom.SetBackendHealth(key, int(state), latency)
			}
		},
	})

	a.log.Info("backends loaded", slog.Any("keys", reg.Keys()))
	return nil
}

// initServices creates the metrics registry, the stats collector and the
// async request log with its optional ClickHouse sink.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.collector = stats.NewCollector()

	var sink logger.Sink
	if a.cfg.ClickHouseURL != "" {
		s, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseURL)
		if err != nil {
			// Analytics are best-effort: run without the sink.
			a.log.Warn("clickhouse sink unavailable",
				slog.String("error", err.Error()))
		} else {
			sink = s
			a.log.Info("clickhouse sink connected")
		}
	}

	reqLogger, err := logger.New(a.baseCtx, a.log, sink)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires the routing pipeline together.
func (a *App) initGateway(_ context.Context) error {
	rt := router.New(a.store, a.reg, a.log)

	disp := dispatch.New(a.reg, dispatch.Options{
		MaxRetries:     a.cfg.MaxRetries,
		Deadline:       a.cfg.RequestDeadline,
		ConcurrencyCap: a.cfg.BackendConcurrencyCap,
		Logger:         a.log,
		Metrics:        a.prom,
	})

	a.gw = gateway.New(gateway.Options{
		Router:          rt,
		Dispatcher:      disp,
		Store:           a.store,
		Registry:        a.reg,
		Stats:           a.collector,
		Metrics:         a.prom,
		ReqLogger:       a.reqLogger,
		Logger:          a.log,
		RequestDeadline: a.cfg.RequestDeadline,
		CORSOrigins:     a.cfg.CORSOrigins,
		Version:         a.version,
	})

	a.mgmt = &gateway.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
