package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cryptoquant-io/coretrader/infrastructure/config"
	svcerrors "github.com/cryptoquant-io/coretrader/infrastructure/errors"
	"github.com/cryptoquant-io/coretrader/infrastructure/logging"
	"github.com/cryptoquant-io/coretrader/infrastructure/metrics"
	infraservice "github.com/cryptoquant-io/coretrader/infrastructure/service"
	"github.com/cryptoquant-io/coretrader/infrastructure/utils"
	"github.com/cryptoquant-io/coretrader/internal/autoheal"
	"github.com/cryptoquant-io/coretrader/internal/filebus"
	"github.com/cryptoquant-io/coretrader/internal/health"
	"github.com/cryptoquant-io/coretrader/internal/singleton"
	"github.com/cryptoquant-io/coretrader/internal/ssot"
)

const serviceName = "autoheal"

// accountMetrics mirrors the subset of ares's account snapshot that the
// global breaker needs. It is decoded independently rather than shared
// as a type, since the two processes do not import each other.
type accountMetrics struct {
	DailyPnLLoss     float64 `json:"daily_pnl_loss_usdt"`
	BalanceShortfall float64 `json:"balance_shortfall_usdt"`
	WsFailureCount   int     `json:"ws_failure_count"`
}

// Service owns the health aggregator (3s cycle) and the auto-heal
// assessment runner (30s cron cycle) for one process.
type Service struct {
	cfg    *config.Config
	logger *logging.Logger
	paths  *ssot.Paths
	guard  *singleton.Guard
	bus    *filebus.Bus
	writer *health.Writer

	aggregator *health.Aggregator
	fsm        *autoheal.FSM
	runner     *autoheal.Runner

	probes     *infraservice.ProbeManager
	httpServer *http.Server

	aggStop chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewService resolves configuration, builds the aggregator and the FSM,
// and acquires the singleton guard.
func NewService() (*Service, error) {
	logger := logging.NewFromEnv(serviceName)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("autoheal: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("autoheal: invalid config: %w", err)
	}

	paths, err := ssot.Resolve()
	if err != nil {
		return nil, svcerrors.RootResolutionFailed(err)
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("autoheal: ensure directories: %w", err)
	}

	guard := singleton.New(serviceName, paths.PidPath(serviceName), logger)
	if err := acquireGuard(guard); err != nil {
		return nil, fmt.Errorf("autoheal: acquire singleton guard: %w", err)
	}

	bus := filebus.New(logger)
	aggregator := health.NewAggregator(paths, bus, logger)
	fsm := autoheal.New(paths, bus, logger, autoheal.DefaultServiceSpecs(), restartStub(logger))

	svc := &Service{
		cfg:        cfg,
		logger:     logger,
		paths:      paths,
		guard:      guard,
		bus:        bus,
		writer:     health.NewWriter(serviceName, paths.ComponentHealthPath(serviceName), "autoheal-main", "1.0", bus),
		aggregator: aggregator,
		fsm:        fsm,
		probes:     infraservice.NewProbeManager(10 * time.Second),
		aggStop:    make(chan struct{}),
		stop:       make(chan struct{}),
	}
	svc.runner = autoheal.NewRunner(fsm, svc.readAccountMetrics, aggregator.RunOnce)
	return svc, nil
}

// Start launches the 3s health aggregation loop, the 30s auto-heal cron,
// the heartbeat writer, and the diagnostics server.
func (s *Service) Start(ctx context.Context) error {
	s.startDiagnosticsServer()

	s.wg.Add(2)
	utils.SafeGo(func() { defer s.wg.Done(); s.aggregator.Run(s.aggStop) }, s.recoverLoop("health aggregator"))
	utils.SafeGo(func() { defer s.wg.Done(); s.writer.Run(10*time.Second, s.stop, s.status) }, s.recoverLoop("heartbeat writer"))

	if err := s.runner.Start(); err != nil {
		return fmt.Errorf("autoheal: start runner: %w", err)
	}

	s.probes.SetReady(true)
	s.logger.Info(ctx, "autoheal: started", nil)
	return nil
}

// Stop drains the aggregator and heartbeat loops, stops the auto-heal
// cron, shuts down the diagnostics server and releases the singleton
// guard.
func (s *Service) Stop() {
	s.probes.SetReady(false)
	s.runner.Stop()
	close(s.aggStop)
	close(s.stop)
	s.wg.Wait()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	if err := s.guard.Release(); err != nil {
		s.logger.WithError(err).Warn("autoheal: release singleton guard")
	}
}

// readAccountMetrics satisfies autoheal.MetricsSource by decoding ares's
// account snapshot. A missing or unreadable snapshot reports zero values
// so the global breaker never fires on bad data alone.
func (s *Service) readAccountMetrics() (float64, float64, int) {
	var m accountMetrics
	if err := s.bus.ReadJSONTolerant(s.paths.AccountSnapshotPath(), &m); err != nil {
		s.logger.WithError(err).Debug("autoheal: account snapshot unavailable")
		return 0, 0, 0
	}
	return m.DailyPnLLoss, m.BalanceShortfall, m.WsFailureCount
}

func (s *Service) status() (health.Status, map[string]interface{}) {
	breaker := s.fsm.GlobalBreaker()
	return health.Green, map[string]interface{}{
		"global_breaker_active": breaker.Active,
	}
}

func (s *Service) startDiagnosticsServer() {
	mux := http.NewServeMux()
	s.probes.RegisterProbeRoutes(mux)
	if metrics.Enabled() {
		metrics.Init(serviceName)
		mux.Handle("/metrics", promhttp.Handler())
	}

	port := config.GetPort(serviceName, 9104)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("autoheal: diagnostics server error")
		}
	}()
}

// restartStub logs a restart decision without executing one. No process
// supervisor is available to autoheal; a deployment that wants real
// restarts wires systemd, a container orchestrator, or a process
// manager's API in here.
func restartStub(logger *logging.Logger) autoheal.RestartFunc {
	return func(service string) error {
		logger.WithFields(map[string]interface{}{"service": service}).
			Warn("autoheal: restart requested, no supervisor wired, recording decision only")
		return nil
	}
}

// recoverLoop builds a panic recovery callback for a named background
// loop so one misbehaving goroutine never takes the whole process down.
func (s *Service) recoverLoop(name string) func(error) {
	return func(err error) {
		s.logger.WithError(err).WithFields(map[string]interface{}{"loop": name}).Error("autoheal: background loop panicked")
	}
}

func acquireGuard(guard *singleton.Guard) error {
	err := guard.Acquire()
	if err == nil {
		return nil
	}
	if err != singleton.ErrAlreadyRunning {
		return err
	}
	if config.GetEnvBool("AUTOHEAL_FORCE_TAKEOVER", false) {
		return guard.ForceTakeover()
	}
	return err
}
