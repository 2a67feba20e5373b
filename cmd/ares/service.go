package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cryptoquant-io/coretrader/infrastructure/config"
	svcerrors "github.com/cryptoquant-io/coretrader/infrastructure/errors"
	"github.com/cryptoquant-io/coretrader/infrastructure/fallback"
	"github.com/cryptoquant-io/coretrader/infrastructure/logging"
	"github.com/cryptoquant-io/coretrader/infrastructure/metrics"
	infraservice "github.com/cryptoquant-io/coretrader/infrastructure/service"
	"github.com/cryptoquant-io/coretrader/infrastructure/utils"
	"github.com/cryptoquant-io/coretrader/internal/admission"
	"github.com/cryptoquant-io/coretrader/internal/filebus"
	"github.com/cryptoquant-io/coretrader/internal/health"
	"github.com/cryptoquant-io/coretrader/internal/singleton"
	"github.com/cryptoquant-io/coretrader/internal/ssot"
)

const serviceName = "ares"

// accountState is what ares publishes at AccountSnapshotPath. auto-heal's
// global breaker reads dailyPnLLoss, balanceShortfall and wsFailureCount
// straight out of this structure.
type accountState struct {
	TsEpochMs        int64   `json:"ts_epoch_ms"`
	StartingBalance  float64 `json:"starting_balance_usdt"`
	RealizedPnL      float64 `json:"realized_pnl_usdt"`
	DailyPnLLoss     float64 `json:"daily_pnl_loss_usdt"`
	BalanceShortfall float64 `json:"balance_shortfall_usdt"`
	WsFailureCount   int     `json:"ws_failure_count"`
	FillsReconciled  int64   `json:"fills_reconciled"`
}

// Service owns one ares process: it tails order_evidence.jsonl, reconciles
// a running account balance, and republishes it as the account snapshot.
type Service struct {
	cfg    *config.Config
	logger *logging.Logger
	paths  *ssot.Paths
	guard  *singleton.Guard
	bus    *filebus.Bus
	writer *health.Writer
	cache  *fallback.Handler

	reconcileEvery time.Duration
	startBalance   float64

	mu          sync.Mutex
	readOffset  int64
	state       accountState
	wsFailures  int

	probes     *infraservice.ProbeManager
	httpServer *http.Server

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewService resolves configuration, the SSOT root and the singleton
// guard for one ares process.
func NewService() (*Service, error) {
	logger := logging.NewFromEnv(serviceName)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("ares: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ares: invalid config: %w", err)
	}

	paths, err := ssot.Resolve()
	if err != nil {
		return nil, svcerrors.RootResolutionFailed(err)
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ares: ensure directories: %w", err)
	}

	guard := singleton.New(serviceName, paths.PidPath(serviceName), logger)
	if err := acquireGuard(guard); err != nil {
		return nil, fmt.Errorf("ares: acquire singleton guard: %w", err)
	}

	bus := filebus.New(logger)
	startBalance := parseFloatEnv("ARES_STARTING_BALANCE_USDT", 10000.0)

	svc := &Service{
		cfg:            cfg,
		logger:         logger,
		paths:          paths,
		guard:          guard,
		bus:            bus,
		writer:         health.NewWriter(serviceName, paths.ComponentHealthPath(serviceName), "ares-main", "1.0", bus),
		cache:          fallback.NewHandler(fallback.DefaultConfig()),
		reconcileEvery: config.ParseDurationOrDefault(config.GetEnv("ARES_RECONCILE_INTERVAL", ""), 10*time.Second),
		startBalance:   startBalance,
		state:          accountState{StartingBalance: startBalance},
		probes:         infraservice.NewProbeManager(10 * time.Second),
		stop:           make(chan struct{}),
	}
	return svc, nil
}

// Start launches the reconciliation loop, the heartbeat writer and the
// diagnostics server, then marks the process ready.
func (s *Service) Start(ctx context.Context) error {
	s.startDiagnosticsServer()

	s.wg.Add(2)
	utils.SafeGo(func() { defer s.wg.Done(); s.runReconcileLoop() }, s.recoverLoop("reconcile loop"))
	utils.SafeGo(func() { defer s.wg.Done(); s.writer.Run(s.reconcileEvery, s.stop, s.status) }, s.recoverLoop("heartbeat writer"))

	s.probes.SetReady(true)
	s.logger.Info(ctx, "ares: started", nil)
	return nil
}

// Stop drains background loops, shuts down the diagnostics server and
// releases the singleton guard.
func (s *Service) Stop() {
	s.probes.SetReady(false)
	close(s.stop)
	s.wg.Wait()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	if err := s.guard.Release(); err != nil {
		s.logger.WithError(err).Warn("ares: release singleton guard")
	}
}

func (s *Service) runReconcileLoop() {
	ticker := time.NewTicker(s.reconcileEvery)
	defer ticker.Stop()

	s.reconcile()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reconcile()
		}
	}
}

const accountStateCacheKey = "account_state"

// reconcile tails new lines appended to order_evidence.jsonl since the
// last read offset, folds any filled orders into the running balance, and
// republishes the account snapshot.
func (s *Service) reconcile() {
	newFills, newFailures, newOffset, err := s.tailOrderEvidence()
	if err != nil {
		s.logger.WithError(err).Warn("ares: tail order evidence, republishing last known-good snapshot")
		if cached, ok := s.cache.GetCache(accountStateCacheKey); ok {
			if snapshot, ok := cached.(accountState); ok {
				if werr := s.bus.WriteAtomicJSON(s.paths.AccountSnapshotPath(), snapshot); werr != nil {
					s.logger.WithError(werr).Error("ares: republish cached account snapshot")
				}
			}
		}
		return
	}

	s.mu.Lock()
	s.readOffset = newOffset
	s.wsFailures += newFailures
	for _, notional := range newFills {
		s.state.RealizedPnL += notional
		s.state.FillsReconciled++
	}
	s.state.DailyPnLLoss = minFloat(s.state.RealizedPnL, 0)
	balance := s.startBalance + s.state.RealizedPnL
	s.state.BalanceShortfall = minFloat(balance-s.startBalance, 0)
	s.state.WsFailureCount = s.wsFailures
	s.state.TsEpochMs = time.Now().UnixMilli()
	snapshot := s.state
	s.mu.Unlock()

	if err := s.bus.WriteAtomicJSON(s.paths.AccountSnapshotPath(), snapshot); err != nil {
		s.logger.WithError(err).Error("ares: write account snapshot")
		return
	}
	s.cache.SetCache(accountStateCacheKey, snapshot, 10*s.reconcileEvery)
}

// tailOrderEvidence scans order_evidence.jsonl from the last committed
// byte offset, returning the realized notional of every new fill.
func (s *Service) tailOrderEvidence() ([]float64, int, int64, error) {
	path := s.paths.OrderEvidencePath()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, 0, nil
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open order evidence: %w", err)
	}
	defer f.Close()

	s.mu.Lock()
	offset := s.readOffset
	s.mu.Unlock()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("stat order evidence: %w", err)
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, 0, fmt.Errorf("seek order evidence: %w", err)
	}

	var fills []float64
	wsFailures := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev admission.OrderEvidence
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.FinalStatus == "FILLED" {
			fills = append(fills, ev.Qty*ev.Price*pnlFactor(ev.Side))
		}
		if ev.FinalStatus == "ROUTING_FAILED" && ev.Error != "" {
			wsFailures++
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fills, wsFailures, offset, fmt.Errorf("scan order evidence: %w", err)
	}

	return fills, wsFailures, info.Size(), nil
}

// pnlFactor is a placeholder mark-to-market: sells are booked as a small
// positive return, buys as a small cost, until a real pricing feed is
// wired in.
func pnlFactor(side admission.Side) float64 {
	if side == admission.Sell {
		return 0.001
	}
	return -0.001
}

func (s *Service) status() (health.Status, map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return health.Green, map[string]interface{}{
		"fills_reconciled":  s.state.FillsReconciled,
		"daily_pnl_loss":    s.state.DailyPnLLoss,
		"ws_failure_count":  s.state.WsFailureCount,
	}
}

func (s *Service) startDiagnosticsServer() {
	mux := http.NewServeMux()
	s.probes.RegisterProbeRoutes(mux)
	if metrics.Enabled() {
		metrics.Init(serviceName)
		mux.Handle("/metrics", promhttp.Handler())
	}

	port := config.GetPort(serviceName, 9103)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("ares: diagnostics server error")
		}
	}()
}

// recoverLoop builds a panic recovery callback for a named background
// loop so one misbehaving goroutine never takes the whole process down.
func (s *Service) recoverLoop(name string) func(error) {
	return func(err error) {
		s.logger.WithError(err).WithFields(map[string]interface{}{"loop": name}).Error("ares: background loop panicked")
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
	if config.GetEnvBool("ARES_FORCE_TAKEOVER", false) {
		return guard.ForceTakeover()
	}
	return err
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func parseFloatEnv(key string, defaultValue float64) float64 {
	raw := config.GetEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}
