package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/api"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/config"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/leaderelection"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/poller"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/reconciler"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/transport/channel"
)

// engineMode selects which duties a long-running process takes on.
type engineMode struct {
	name string
	// leaderDuties runs the reconciler (behind the leader lock on Postgres).
	leaderDuties bool
	// httpServer serves health, record lookups and metrics.
	httpServer bool
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the poller, driver workers, reconciler and HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEngine(cmd.Context(), opts, engineMode{name: "serve", leaderDuties: true, httpServer: true})
		},
	}
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the poller and driver workers only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEngine(cmd.Context(), opts, engineMode{name: "worker"})
		},
	}
}

func runEngine(parent context.Context, opts *rootOptions, mode engineMode) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if mode.name == "serve" && cfg.StoreDriver == config.StoreDriverPostgres && cfg.LedgerURL == "" {
		return invalidConfig(errors.New("configuration error: LEDGER_URL is required to serve with STORE_DRIVER=postgres"))
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("mode", mode.name))
	logConfigWarnings(logger, cfg)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.pg != nil {
		if err := a.pg.ProbeClaimColumns(ctx); err != nil {
			return err
		}
	}

	bus := channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(a.metrics))

	p := poller.New(poller.Config{
		TickInterval: cfg.TickInterval,
		BatchSize:    cfg.PollBatchSize,
		Owner:        cfg.WorkerID,
	}, a.store, bus).
		WithLogger(logger).
		WithMetrics(a.metrics)

	d, err := a.newDriver()
	if err != nil {
		return err
	}

	var runLeader func(context.Context)
	var elector *leaderelection.Elector
	if mode.leaderDuties && cfg.ReconcileEnabled {
		runLeader, elector = a.leaderRunner()
	}

	var httpServer *http.Server
	if mode.httpServer {
		httpServer = &http.Server{Addr: cfg.HTTPAddr, Handler: a.httpHandler(bus, elector)}
		go func() {
			logger.Info("execengine: http server listening", zap.String("addr", cfg.HTTPAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("execengine: http server error", zap.Error(err))
			}
		}()
	}

	// Separate contexts give an ordered shutdown: nothing new is claimed
	// before the driver drains what is already buffered.
	pollerCtx, cancelPoller := context.WithCancel(context.Background())
	driverCtx, cancelDriver := context.WithCancel(context.Background())
	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelPoller()
	defer cancelDriver()
	defer cancelLeader()

	var pollerWg, driverWg, leaderWg sync.WaitGroup

	pollerWg.Add(1)
	go func() {
		defer pollerWg.Done()
		_ = p.Run(pollerCtx)
	}()

	driverWg.Add(1)
	go func() {
		defer driverWg.Done()
		d.Run(driverCtx, bus.Channel())
	}()

	if runLeader != nil {
		leaderWg.Add(1)
		go func() {
			defer leaderWg.Done()
			runLeader(leaderCtx)
		}()
	}

	logger.Info("execengine: started",
		zap.Duration("tick", cfg.TickInterval),
		zap.Int("workers", cfg.DispatcherWorkers),
		zap.String("store", cfg.StoreDriver),
	)

	<-ctx.Done()
	logger.Info("execengine: shutting down")

	cancelPoller()
	pollerWg.Wait()
	logger.Info("execengine: poller stopped")

	cancelLeader()
	leaderWg.Wait()

	logger.Info("execengine: stopping driver (draining records)")
	cancelDriver()
	driverWg.Wait()
	logger.Info("execengine: driver stopped")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("execengine: http server shutdown error", zap.Error(err))
		}
	}

	logger.Info("execengine: stopped")
	return nil
}

// httpHandler serves the operational API and, when enabled, metrics.
// elector may be nil when this process takes no part in leader election.
func (a *app) httpHandler(bus *channel.EventBus, elector *leaderelection.Elector) http.Handler {
	handler := api.NewHandler(a.store).WithBacklog(bus).WithLogger(a.logger)
	if a.db != nil {
		handler = handler.WithHealthChecker(a.db)
	}
	if elector != nil {
		handler = handler.WithLeadership(elector)
	}
	if a.registry != nil {
		handler.Handle(a.cfg.MetricsPath, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}
	return handler
}

// leaderRunner builds the reconciler loop. With Postgres it is wrapped in
// an Elector so only the holder of the advisory lock runs it, and the
// Elector is returned for health reporting. The memory store is
// single-process, so there the reconciler runs unconditionally.
func (a *app) leaderRunner() (func(context.Context), *leaderelection.Elector) {
	cfg := a.cfg
	recon := reconciler.New(reconciler.Config{
		Interval:  cfg.ReconcileInterval,
		Threshold: cfg.ReconcileThreshold,
		BatchSize: cfg.ReconcileBatchSize,
	}, a.store).
		WithLogger(a.logger).
		WithMetrics(a.metrics)

	if a.db == nil {
		return recon.Run, nil
	}

	elector := leaderelection.New(
		a.db,
		cfg.LeaderLockKey,
		cfg.LeaderRetryInterval,
		cfg.LeaderHeartbeatInterval,
		leaderelection.NewDuties(recon.Run),
	).
		WithLogger(a.logger).
		WithMetrics(a.metrics)
	return elector.Run, elector
}
