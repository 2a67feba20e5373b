package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cryptoquant-io/coretrader/infrastructure/config"
	svcerrors "github.com/cryptoquant-io/coretrader/infrastructure/errors"
	"github.com/cryptoquant-io/coretrader/infrastructure/logging"
	"github.com/cryptoquant-io/coretrader/infrastructure/metrics"
	infraservice "github.com/cryptoquant-io/coretrader/infrastructure/service"
	"github.com/cryptoquant-io/coretrader/infrastructure/utils"
	"github.com/cryptoquant-io/coretrader/internal/admission"
	"github.com/cryptoquant-io/coretrader/internal/filebus"
	"github.com/cryptoquant-io/coretrader/internal/health"
	"github.com/cryptoquant-io/coretrader/internal/memory"
	"github.com/cryptoquant-io/coretrader/internal/router"
	"github.com/cryptoquant-io/coretrader/internal/singleton"
	"github.com/cryptoquant-io/coretrader/internal/ssot"
)

const serviceName = "trader"

// Service owns one trader process: the admission pipeline, the order
// router, and the memory-layer writers that record every outcome.
type Service struct {
	cfg    *config.Config
	logger *logging.Logger
	paths  *ssot.Paths
	guard  *singleton.Guard
	bus    *filebus.Bus

	pipeline *admission.Pipeline
	router   *router.Router
	exchange *exchangeClient

	events    *memory.EventChain
	snapshots *memory.SnapshotStore
	hashChain *memory.HashChain

	writer *health.Writer

	inboxDir     string
	processedDir string
	watcher      *filebus.Watcher

	exchangeFilters admission.ExchangeFilters

	mu             sync.Mutex
	openExposure   float64
	pendingBlock   []map[string]interface{}
	lastFlush      time.Time

	probes     *infraservice.ProbeManager
	httpServer *http.Server

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewService resolves configuration and every dependency a trader process
// needs, and acquires the singleton guard.
func NewService() (*Service, error) {
	logger := logging.NewFromEnv(serviceName)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("trader: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("trader: invalid config: %w", err)
	}

	paths, err := ssot.Resolve()
	if err != nil {
		return nil, svcerrors.RootResolutionFailed(err)
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("trader: ensure directories: %w", err)
	}

	guard := singleton.New(serviceName, paths.PidPath(serviceName), logger)
	if err := acquireGuard(guard); err != nil {
		return nil, fmt.Errorf("trader: acquire singleton guard: %w", err)
	}

	bus := filebus.New(logger)

	inboxDir := filepath.Join(paths.SharedDataDir(), "signals")
	processedDir := filepath.Join(inboxDir, "processed")
	if err := os.MkdirAll(processedDir, 0o755); err != nil {
		return nil, fmt.Errorf("trader: create signal inbox: %w", err)
	}

	watcher, err := filebus.NewWatcher(inboxDir, filebus.WithAllowlist(`\.json$`), filebus.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("trader: watch signal inbox: %w", err)
	}

	ratePerSecond := float64(config.GetEnvInt("TRADER_ORDER_RATE_PER_SEC", 5))

	svc := &Service{
		cfg:          cfg,
		logger:       logger,
		paths:        paths,
		guard:        guard,
		bus:          bus,
		pipeline:     admission.NewPipeline(paths, bus, logger),
		router:       router.New(router.DefaultRetryConfig(), ratePerSecond, logger),
		exchange:     newExchangeClient(config.GetEnv("EXCHANGE_BASE_URL", ""), config.GetEnv("EXCHANGE_API_KEY", "")),
		events:       memory.NewEventChain(paths, bus),
		snapshots:    memory.NewSnapshotStore(paths, bus),
		hashChain:    memory.NewHashChain(paths, bus),
		writer:       health.NewWriter(serviceName, paths.ComponentHealthPath(serviceName), "trader-main", "1.0", bus),
		inboxDir:     inboxDir,
		processedDir: processedDir,
		watcher:      watcher,
		exchangeFilters: admission.ExchangeFilters{
			MinNotional: parseFloatEnv("EXCHANGE_MIN_NOTIONAL", 5.0),
			StepSize:    parseFloatEnv("EXCHANGE_STEP_SIZE", 0.0001),
		},
		lastFlush: time.Now(),
		probes:    infraservice.NewProbeManager(10 * time.Second),
		stop:      make(chan struct{}),
	}

	return svc, nil
}

// Start begins consuming signals, flushing hash-chain blocks, emitting
// heartbeats, and serving diagnostics.
func (s *Service) Start(ctx context.Context) error {
	s.startDiagnosticsServer()

	s.wg.Add(3)
	utils.SafeGo(func() { defer s.wg.Done(); s.consumeSignals() }, s.recoverLoop("signal consumer"))
	utils.SafeGo(func() { defer s.wg.Done(); s.runFlushLoop() }, s.recoverLoop("hash chain flush"))
	utils.SafeGo(func() { defer s.wg.Done(); s.writer.Run(5*time.Second, s.stop, s.status) }, s.recoverLoop("heartbeat writer"))

	s.probes.SetReady(true)
	s.logger.WithFields(map[string]interface{}{"inbox": s.inboxDir}).Info("trader: started")
	return nil
}

// Stop drains background loops, flushes any pending hash-chain block, and
// releases the singleton guard.
func (s *Service) Stop() {
	s.probes.SetReady(false)
	close(s.stop)
	_ = s.watcher.Close()
	s.wg.Wait()
	s.flushPendingBlock()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	if err := s.guard.Release(); err != nil {
		s.logger.WithError(err).Warn("trader: release singleton guard")
	}
}

func (s *Service) consumeSignals() {
	// Pick up any files already sitting in the inbox from before startup.
	s.scanInboxOnce()

	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Kind != filebus.EventCreated && ev.Kind != filebus.EventMoved {
				continue
			}
			s.processSignalFile(ev.Path)
		}
	}
}

func (s *Service) scanInboxOnce() {
	entries, err := os.ReadDir(s.inboxDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		s.processSignalFile(filepath.Join(s.inboxDir, e.Name()))
	}
}

func (s *Service) processSignalFile(path string) {
	var sig admission.Signal
	if err := s.bus.ReadJSONTolerant(path, &sig); err != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{"path": path}).Warn("trader: discard unreadable signal file")
		s.archiveSignalFile(path)
		return
	}

	in := s.gateInputs(sig)
	result := s.pipeline.ProcessSignal(sig, in)

	ev := admission.OrderEvidence{
		TraceID:         result.TraceID,
		ClientOrderID:   result.ClientOrderID,
		Symbol:          sig.Symbol,
		Side:            sig.Side,
		Qty:             result.ComputedQty,
		Price:           result.ComputedPrice,
		Ts:              result.Ts,
		InputSignal:     sig,
		AdmissionResult: result,
		FinalStatus:     "DROPPED",
	}

	if result.Accepted {
		s.routeAccepted(&ev, sig, result)
	}

	if err := s.pipeline.RecordOrderEvidence(ev); err != nil {
		s.logger.WithError(err).Warn("trader: record order evidence")
	}
	if err := s.events.AppendEvent("signal_processed", serviceName, map[string]interface{}{
		"trace_id": result.TraceID,
		"accepted": result.Accepted,
		"drop_code": result.DropCode,
	}); err != nil {
		s.logger.WithError(err).Warn("trader: append signal event")
	}

	s.bufferEvidence(ev)
	s.archiveSignalFile(path)
}

func (s *Service) routeAccepted(ev *admission.OrderEvidence, sig admission.Signal, result admission.AdmissionResult) {
	req := router.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          string(sig.Side),
		Qty:           result.ComputedQty,
		Price:         result.ComputedPrice,
		OrderType:     "LIMIT",
		ClientOrderID: result.ClientOrderID,
		Timestamp:     time.Now().UnixMilli(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, attempts := s.router.RouteOrder(ctx, req, s.exchange.Execute)

	ev.OrderRequest = map[string]interface{}{
		"symbol": req.Symbol, "side": req.Side, "qty": req.Qty, "price": req.Price,
	}
	ev.OrderResponse = map[string]interface{}{
		"success": resp.Success, "order_id": resp.OrderID, "error_code": resp.ErrorCode, "retries": len(attempts),
	}

	if resp.Success {
		ev.FinalStatus = "FILLED"
		s.addExposure(result.ComputedQty * result.ComputedPrice)
	} else {
		ev.FinalStatus = "ROUTING_FAILED"
		ev.Error = resp.ErrorMsg
	}
}

func (s *Service) gateInputs(sig admission.Signal) admission.GateInputs {
	s.mu.Lock()
	exposure := s.openExposure
	s.mu.Unlock()

	breakerActive := false
	if _, err := os.Stat(s.paths.StopPath()); err == nil {
		breakerActive = true
	}

	return admission.GateInputs{
		ExchangeFilters: s.exchangeFilters,
		RiskLimits: admission.RiskLimits{
			MaxPositionUSDT:       s.cfg.MaxPositionUSDT,
			MaxTotalExposureUSDT:  s.cfg.MaxTotalExposureUSDT,
			ProjectedExposureUSDT: exposure + sig.Size*sig.Price,
		},
		PositionPolicy: admission.PositionConflictPolicy{},
		Simulation: admission.SimulationState{
			DryRun:         s.cfg.DryRun,
			SimulationMode: s.cfg.SimulationMode,
			BreakerActive:  breakerActive,
		},
	}
}

func (s *Service) addExposure(notional float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openExposure += notional
}

func (s *Service) bufferEvidence(ev admission.OrderEvidence) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}

	s.mu.Lock()
	s.pendingBlock = append(s.pendingBlock, m)
	s.mu.Unlock()
}

func (s *Service) runFlushLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.flushPendingBlock()
		}
	}
}

func (s *Service) flushPendingBlock() {
	s.mu.Lock()
	block := s.pendingBlock
	s.pendingBlock = nil
	s.mu.Unlock()

	if len(block) == 0 {
		return
	}
	if _, err := s.hashChain.AddBlock(block, "order_evidence"); err != nil {
		s.logger.WithError(err).Warn("trader: append hash chain block")
		return
	}
	s.verifyHashChain()
}

// verifyHashChain re-walks the chain after every append. A broken link
// means the evidence trail has been tampered with or corrupted on disk.
func (s *Service) verifyHashChain() {
	result, err := s.hashChain.VerifyChain()
	if err != nil {
		s.logger.WithError(err).Warn("trader: verify hash chain")
		return
	}
	if !result.IsValid {
		svcErr := svcerrors.ChainVerifyFailed(result.BlocksVerified)
		s.logger.WithError(svcErr).Error("trader: hash chain integrity check failed")
	}
}

func (s *Service) archiveSignalFile(path string) {
	dest := filepath.Join(s.processedDir, filepath.Base(path)+"."+uuid.NewString()+".done")
	if err := os.Rename(path, dest); err != nil && !os.IsNotExist(err) {
		s.logger.WithError(err).WithFields(map[string]interface{}{"path": path}).Warn("trader: archive processed signal")
	}
}

func (s *Service) status() (health.Status, map[string]interface{}) {
	counters := s.pipeline.LiveCounters()
	stats := s.router.Stats()
	return health.Green, map[string]interface{}{
		"signals_in":    counters.SignalsIn,
		"orders_sent":   stats.OrdersSent,
		"orders_failed": stats.OrdersFailed,
		"drops":         counters.Drops,
	}
}

func (s *Service) startDiagnosticsServer() {
	mux := http.NewServeMux()
	s.probes.RegisterProbeRoutes(mux)
	if metrics.Enabled() {
		metrics.Init(serviceName)
		mux.Handle("/metrics", promhttp.Handler())
	}

	port := config.GetPort(serviceName, 9102)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("trader: diagnostics server error")
		}
	}()
}

// recoverLoop builds a panic recovery callback for a named background
// loop so one misbehaving goroutine never takes the whole process down.
func (s *Service) recoverLoop(name string) func(error) {
	return func(err error) {
		s.logger.WithError(err).WithFields(map[string]interface{}{"loop": name}).Error("trader: background loop panicked")
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
	if config.GetEnvBool("TRADER_FORCE_TAKEOVER", false) {
		return guard.ForceTakeover()
	}
	return err
}

func parseFloatEnv(key string, defaultValue float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}
