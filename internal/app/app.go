// Package app wires the broker kernel's components into a runnable
// process: a single struct built by New, started by Start, and torn down
// by Close, with every dependency constructed once at startup and handed
// down rather than located ad hoc.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jobbroker/core/internal/archive"
	"github.com/jobbroker/core/internal/broker"
	"github.com/jobbroker/core/internal/config"
	"github.com/jobbroker/core/internal/connector"
	"github.com/jobbroker/core/internal/connector/simulation"
	"github.com/jobbroker/core/internal/dispatcher"
	"github.com/jobbroker/core/internal/engine"
	"github.com/jobbroker/core/internal/events"
	"github.com/jobbroker/core/internal/metrics"
	"github.com/jobbroker/core/internal/monitorgw"
	"github.com/jobbroker/core/internal/platform/logger"
	"github.com/jobbroker/core/internal/platform/tracing"
	"github.com/jobbroker/core/internal/recovery"
	"github.com/jobbroker/core/internal/registry"
	"github.com/jobbroker/core/internal/store"
)

// App holds every wired component of the broker kernel.
type App struct {
	Log        *logger.Logger
	Cfg        config.Config
	Store      *store.Store
	Events     *events.Stream
	Broker     *broker.Broker
	Registry   *registry.Registry
	Engine     *engine.Engine
	Supervisor *recovery.Supervisor
	Dispatcher *dispatcher.Dispatcher
	Connectors *connector.Registry
	Monitors   *events.MonitorRegistry
	Gateway    *monitorgw.Gateway
	Metrics    *metrics.Metrics

	cancel         context.CancelFunc
	tracerShutdown func(context.Context) error
}

// New constructs every kernel component and wires them
// together: Store is the only thing that touches Redis directly, Broker
// and Registry sit on top of it, Engine closes the loop back to Broker via
// the workflow rollup notifier, Recovery watches all of it, and Dispatcher
// is the single place any of those are reached from an inbound message.
func New() (*App, error) {
	logMode := getenvDefault("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("loading configuration")
	cfg := config.Load(log)

	tracerShutdown := tracing.Init(context.Background(), log, tracing.Config{
		ServiceName: "jobbroker",
		Environment: getenvDefault("ENVIRONMENT", logMode),
	})

	st, err := store.NewFromURL(cfg.StoreURL, log, store.Options{Prefix: cfg.StorePrefix})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init store: %w", err)
	}
	if err := st.Ping(context.Background()); err != nil {
		log.Sync()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	stream := events.NewStream(st.Client(), log, events.Options{
		Prefix:          cfg.StorePrefix,
		MainMaxLen:      cfg.EventsMainMaxLen,
		ErrMaxLen:       cfg.EventsErrorsMaxLen,
		MainRetentionMs: cfg.EventsRetentionMsMain,
		ErrRetentionMs:  cfg.EventsRetentionMsError,
	})

	b := broker.New(st, stream, log, broker.Options{
		DefaultMaxRetries:       cfg.DefaultMaxRetries,
		DefaultTimeoutMs:        cfg.DefaultTimeoutMs,
		DefaultTimeoutByService: cfg.DefaultTimeoutMsByService,
		ClaimScanDepth:          cfg.ClaimScanDepth,
	})
	reg := registry.New(st, stream, log)
	eng := engine.New(st, stream, b, log)

	connectors := connector.NewRegistry()
	if err := connectors.Register(simulation.New([]string{"comfyui", "inference"}, 1)); err != nil {
		log.Sync()
		return nil, fmt.Errorf("register simulation connector: %w", err)
	}

	var archiveSnk archive.Sink = archive.NoopSink{}

	m := metrics.New(nil)
	b.SetMetrics(m)

	supervisor := recovery.New(st, eng, stream, connectors, archiveSnk, b, log, recovery.Options{
		Tick:                     cfg.RecoveryTick(),
		WorkerStale:              cfg.WorkerStale(),
		ProgressSilence:          cfg.ProgressSilence(),
		ProgressSilenceByService: msToDurations(cfg.ProgressSilenceMsByService),
		WorkerGC:                 cfg.WorkerGC(),
	})
	supervisor.SetMetrics(m)

	dispatchRegistry := dispatcher.NewRegistry()
	if err := dispatcher.RegisterCoreHandlers(dispatchRegistry, b, reg, eng, connectors); err != nil {
		log.Sync()
		return nil, fmt.Errorf("register dispatcher handlers: %w", err)
	}
	disp := dispatcher.New(dispatchRegistry, log, dispatcher.Options{
		UnknownTypePolicy: dispatcher.UnknownTypePolicy(cfg.UnknownTypePolicy),
	})

	monitors := events.NewMonitorRegistry(cfg.MonitorHeartbeatTimeout())
	gateway := monitorgw.New(stream, monitors, log)

	return &App{
		Log:            log,
		Cfg:            cfg,
		Store:          st,
		Events:         stream,
		Broker:         b,
		Registry:       reg,
		Engine:         eng,
		Supervisor:     supervisor,
		Dispatcher:     disp,
		Connectors:     connectors,
		Monitors:       monitors,
		Gateway:        gateway,
		Metrics:        m,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Start launches the Recovery Supervisor and the monitor heartbeat
// sweeper as context-scoped background goroutines; it does not block.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.Supervisor.Run(ctx)
	go a.Gateway.RunHeartbeatSweeper(ctx, 15*time.Second)
	go a.Events.RunRetentionTrimmer(ctx, time.Minute)
}

// Close cancels the background context and flushes the logger.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
	if a.tracerShutdown != nil {
		_ = a.tracerShutdown(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// msToDurations converts a millisecond-valued override map (as loaded by
// config.Load from the YAML services section) into time.Durations.
func msToDurations(ms map[string]int64) map[string]time.Duration {
	if len(ms) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(ms))
	for svc, v := range ms {
		out[svc] = time.Duration(v) * time.Millisecond
	}
	return out
}
