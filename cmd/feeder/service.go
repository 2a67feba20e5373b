package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cryptoquant-io/coretrader/infrastructure/config"
	svcerrors "github.com/cryptoquant-io/coretrader/infrastructure/errors"
	"github.com/cryptoquant-io/coretrader/infrastructure/logging"
	"github.com/cryptoquant-io/coretrader/infrastructure/metrics"
	"github.com/cryptoquant-io/coretrader/infrastructure/service"
	"github.com/cryptoquant-io/coretrader/infrastructure/utils"
	"github.com/cryptoquant-io/coretrader/internal/filebus"
	"github.com/cryptoquant-io/coretrader/internal/health"
	"github.com/cryptoquant-io/coretrader/internal/memory"
	"github.com/cryptoquant-io/coretrader/internal/singleton"
	"github.com/cryptoquant-io/coretrader/internal/ssot"
)

const serviceName = "feeder"

// SymbolTick is one symbol's latest observed price.
type SymbolTick struct {
	Price float64 `json:"price"`
	TsMs  int64   `json:"ts_epoch_ms"`
}

// PriceSource supplies the current tick for every tracked symbol. The
// default implementation is a synthetic random walk; a real deployment
// wires this to an exchange market-data stream instead.
type PriceSource func(symbols []string) map[string]SymbolTick

// Service owns one feeder process: the market-data databus snapshot writer
// and its own heartbeat.
type Service struct {
	cfg    *config.Config
	logger *logging.Logger
	paths  *ssot.Paths
	guard  *singleton.Guard
	bus    *filebus.Bus
	writer *health.Writer
	events *memory.EventChain

	symbols     []string
	tickEvery   time.Duration
	priceSource PriceSource
	lastPrice   map[string]float64

	probes     *service.ProbeManager
	httpServer *http.Server

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewService resolves configuration and the SSOT root, acquires the
// singleton guard, and wires the health writer and event chain.
func NewService() (*Service, error) {
	logger := logging.NewFromEnv(serviceName)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("feeder: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("feeder: invalid config: %w", err)
	}

	paths, err := ssot.Resolve()
	if err != nil {
		return nil, svcerrors.RootResolutionFailed(err)
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("feeder: ensure directories: %w", err)
	}

	guard := singleton.New(serviceName, paths.PidPath(serviceName), logger)
	if err := acquireGuard(guard); err != nil {
		return nil, fmt.Errorf("feeder: acquire singleton guard: %w", err)
	}

	bus := filebus.New(logger)

	svc := &Service{
		cfg:         cfg,
		logger:      logger,
		paths:       paths,
		guard:       guard,
		bus:         bus,
		writer:      health.NewWriter(serviceName, paths.ComponentHealthPath(serviceName), "feeder-main", "1.0", bus),
		events:      memory.NewEventChain(paths, bus),
		symbols:     symbolsFromEnv(),
		tickEvery:   config.ParseDurationOrDefault(config.GetEnv("FEEDER_TICK_INTERVAL", ""), 5*time.Second),
		priceSource: syntheticPriceSource(),
		lastPrice:   make(map[string]float64),
		probes:      service.NewProbeManager(10 * time.Second),
		stop:        make(chan struct{}),
	}
	return svc, nil
}

// Start launches the tick loop, the heartbeat writer, and the diagnostics
// HTTP server, then marks the process ready.
func (s *Service) Start(ctx context.Context) error {
	s.startDiagnosticsServer()

	s.wg.Add(2)
	utils.SafeGo(func() {
		defer s.wg.Done()
		s.runTickLoop()
	}, s.recoverLoop("tick loop"))
	utils.SafeGo(func() {
		defer s.wg.Done()
		s.writer.Run(s.tickEvery, s.stop, s.status)
	}, s.recoverLoop("heartbeat writer"))

	s.probes.SetReady(true)
	s.logger.WithFields(map[string]interface{}{"symbols": s.symbols, "interval": s.tickEvery.String()}).
		Info("feeder: started")
	return nil
}

// Stop signals every background loop to exit, waits for them, shuts down
// the diagnostics server, and releases the singleton guard.
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
		s.logger.WithError(err).Warn("feeder: release singleton guard")
	}
}

func (s *Service) runTickLoop() {
	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Service) tick() {
	ticks := s.priceSource(s.symbols)

	payload := make(map[string]interface{}, len(ticks))
	for sym, t := range ticks {
		payload[sym] = t
		s.lastPrice[sym] = t.Price
	}

	snapshot := map[string]interface{}{
		"ts_epoch_ms": time.Now().UnixMilli(),
		"symbols":     payload,
	}
	if err := s.bus.WriteAtomicJSON(s.paths.DatabusSnapshotPath(), snapshot); err != nil {
		s.logger.WithError(err).Error("feeder: write databus snapshot")
		return
	}

	if err := s.events.AppendEvent("market_data_tick", serviceName, snapshot); err != nil {
		s.logger.WithError(err).Warn("feeder: append market data event")
	}
}

func (s *Service) status() (health.Status, map[string]interface{}) {
	return health.Green, map[string]interface{}{
		"symbols":    s.symbols,
		"last_price": s.lastPrice,
	}
}

func (s *Service) startDiagnosticsServer() {
	mux := http.NewServeMux()
	s.probes.RegisterProbeRoutes(mux)
	if metrics.Enabled() {
		metrics.Init(serviceName)
		mux.Handle("/metrics", promhttp.Handler())
	}

	port := config.GetPort(serviceName, 9101)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("feeder: diagnostics server error")
		}
	}()
}

// recoverLoop builds a panic recovery callback for a named background
// loop so one misbehaving goroutine never takes the whole process down.
func (s *Service) recoverLoop(name string) func(error) {
	return func(err error) {
		s.logger.WithError(err).WithFields(map[string]interface{}{"loop": name}).Error("feeder: background loop panicked")
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
	if config.GetEnvBool("FEEDER_FORCE_TAKEOVER", false) {
		return guard.ForceTakeover()
	}
	return err
}

func symbolsFromEnv() []string {
	raw := config.GetEnv("FEEDER_SYMBOLS", "BTCUSDT,ETHUSDT")
	symbols := config.SplitAndTrimCSV(raw)
	for i, s := range symbols {
		symbols[i] = strings.ToUpper(s)
	}
	if len(symbols) == 0 {
		return []string{"BTCUSDT"}
	}
	return symbols
}

// syntheticPriceSource produces a bounded random walk per symbol, seeded
// once at startup. This is the integration point a real market-data feed
// replaces.
func syntheticPriceSource() PriceSource {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	last := make(map[string]float64)

	return func(symbols []string) map[string]SymbolTick {
		out := make(map[string]SymbolTick, len(symbols))
		now := time.Now().UnixMilli()
		for _, sym := range symbols {
			price, ok := last[sym]
			if !ok {
				price = 100 + rng.Float64()*50000
			}
			price *= 1 + (rng.Float64()-0.5)*0.002
			if price <= 0 {
				price = 1
			}
			last[sym] = price
			out[sym] = SymbolTick{Price: price, TsMs: now}
		}
		return out
	}
}
