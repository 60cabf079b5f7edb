package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/stridetastic/meshcore/core"
	"github.com/stridetastic/meshcore/internal/config"
	"github.com/stridetastic/meshcore/internal/control"
	"github.com/stridetastic/meshcore/internal/decode"
	"github.com/stridetastic/meshcore/internal/ingest"
	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/observability"
	"github.com/stridetastic/meshcore/internal/publisher"
	"github.com/stridetastic/meshcore/internal/store"
	"github.com/stridetastic/meshcore/internal/supervisor"
	"github.com/stridetastic/meshcore/internal/transport"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run interfaces, ingest and the publisher scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			log := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log, transport.New)
			if err != nil {
				return err
			}
			return a.run(ctx, reloadSignals(ctx))
		},
	}
}

// reloadSignals delivers a tick on every SIGHUP until ctx ends. A SIGHUP
// arriving while the previous reload is still pending is dropped.
func reloadSignals(ctx context.Context) <-chan struct{} {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	out := make(chan struct{}, 1)
	go forwardReloads(ctx, sig, out)
	return out
}

func forwardReloads(ctx context.Context, sig chan os.Signal, out chan<- struct{}) {
	defer signal.Stop(sig)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}
}

// app is one assembled meshcored process.
type app struct {
	cfg config.Config
	log logging.Logger

	store     store.Store
	sup       *supervisor.Supervisor
	scheduler *publisher.Scheduler
	control   *control.Server
	metrics   *observability.Collector

	controlLis   net.Listener
	metricsSrv   *http.Server
	metricsLis   net.Listener
	shutdownOtel func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, log logging.Logger, factory transport.Factory) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			for _, lis := range []net.Listener{a.controlLis, a.metricsLis} {
				if lis != nil {
					lis.Close()
				}
			}
			a.close(ctx)
		}
	}()

	a.shutdownOtel, err = observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	a.metrics, err = observability.NewCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	schedMetrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("init scheduler metrics: %w", err)
	}

	a.store, err = openStore(ctx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	report, err := config.Seed(ctx, a.store, cfg, time.Now().UTC(), log)
	if err != nil {
		return nil, fmt.Errorf("seed store: %w", err)
	}
	log.Info(ctx, "store ready",
		logging.String("path", cfg.Database.Path),
		logging.Int("seeded_interfaces", report.Interfaces),
		logging.Int("seeded_jobs", report.Jobs),
	)

	channels, err := cfg.Ingest.ChannelKeys()
	if err != nil {
		return nil, err
	}
	links := core.NewLinkAggregator(a.store,
		core.WithLinkMetrics(a.metrics),
		core.WithAggregatorLogger(log),
	)
	dec := decode.New(decode.WithLogger(log), decode.WithMetrics(a.metrics))
	pipeline := ingest.New(a.store, dec, links,
		ingest.WithLogger(log),
		ingest.WithMetrics(a.metrics),
		ingest.WithChannels(channels...),
		ingest.WithDedupeWindow(cfg.Ingest.DedupeWindow),
	)

	supOpts := []supervisor.Option{
		supervisor.WithLogger(log),
		supervisor.WithMetrics(a.metrics),
		supervisor.WithReconnect(cfg.Reconnect),
		supervisor.WithStopTimeout(cfg.Ingest.StopTimeout),
	}
	if !cfg.Control.Disabled && cfg.Control.Addr != "" {
		a.control = control.NewServer(
			control.WithLogger(log),
			control.WithUnaryInterceptors(a.metrics.UnaryServerInterceptor()),
			control.WithTracing(cfg.Tracing.Enabled),
			control.WithShutdownTimeout(cfg.Control.ShutdownTimeout),
		)
		ifaces, err := a.store.ListInterfaces(ctx)
		if err != nil {
			return nil, fmt.Errorf("list interfaces: %w", err)
		}
		a.control.Seed(ifaces)
		supOpts = append(supOpts, supervisor.WithStatusListener(a.control.Listener()))

		a.controlLis, err = net.Listen("tcp", cfg.Control.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen control %s: %w", cfg.Control.Addr, err)
		}
	}
	a.sup = supervisor.New(a.store, factory, pipeline, supOpts...)

	if !cfg.Scheduler.Disabled {
		a.scheduler = publisher.New(a.store, publisher.FromSupervisor(a.sup),
			publisher.WithLogger(log),
			publisher.WithMetrics(schedMetrics),
			publisher.WithInterval(cfg.Scheduler.Interval),
		)
	}

	if !cfg.Metrics.Disabled && cfg.Metrics.Addr != "" {
		a.metricsLis, err = net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.Metrics.Addr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		a.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return a, nil
}

// run starts every component and blocks until ctx ends. Each value on
// reload restarts the enabled interfaces through the command channel.
func (a *app) run(ctx context.Context, reload <-chan struct{}) error {
	defer a.close(context.WithoutCancel(ctx))

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error(ctx, name+" exited", logging.Err(err))
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.metricsSrv != nil {
		a.log.Info(ctx, "serving Prometheus metrics", logging.String("addr", a.metricsLis.Addr().String()))
		goRun("metrics server", func() error {
			if err := a.metricsSrv.Serve(a.metricsLis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if a.control != nil {
		goRun("control server", func() error { return a.control.Serve(runCtx, a.controlLis) })
	}

	commands := make(chan supervisor.Command)
	goRun("command loop", func() error { return a.sup.Serve(runCtx, commands) })
	goRun("reload loop", func() error {
		for {
			select {
			case <-runCtx.Done():
				return nil
			case <-reload:
				a.restartEnabled(runCtx, commands)
			}
		}
	})

	var runErr error
	if err := a.sup.StartEnabled(ctx); err != nil {
		runErr = err
	} else {
		if a.scheduler != nil {
			goRun("publisher scheduler", func() error { return a.scheduler.Run(runCtx) })
		}
		select {
		case <-ctx.Done():
		case runErr = <-errCh:
		}
	}
	a.log.Info(ctx, "shutting down")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Control.ShutdownTimeout)
	defer stopCancel()
	if a.metricsSrv != nil {
		_ = a.metricsSrv.Shutdown(stopCtx)
	}
	wg.Wait()
	a.sup.StopAll(stopCtx)
	return runErr
}

func (a *app) restartEnabled(ctx context.Context, commands chan<- supervisor.Command) {
	ifaces, err := a.store.ListInterfaces(ctx)
	if err != nil {
		a.log.Warn(ctx, "reload: list interfaces failed", logging.Err(err))
		return
	}
	for _, iface := range ifaces {
		if !iface.Enabled {
			continue
		}
		reply := make(chan supervisor.Result, 1)
		select {
		case commands <- supervisor.Command{Action: supervisor.ActionRestart, InterfaceID: iface.ID, Reply: reply}:
		case <-ctx.Done():
			return
		}
		select {
		case res := <-reply:
			a.log.Info(ctx, "reload", logging.String("interface", iface.Name), logging.String("message", res.Message))
		case <-ctx.Done():
			return
		}
	}
}

func (a *app) close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn(ctx, "closing store failed", logging.Err(err))
		}
		a.store = nil
	}
	observability.ShutdownWithTimeout(ctx, a.shutdownOtel, a.log)
	a.shutdownOtel = nil
}
