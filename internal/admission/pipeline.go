package admission

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cryptoquant-io/coretrader/infrastructure/logging"
	"github.com/cryptoquant-io/coretrader/internal/filebus"
	"github.com/cryptoquant-io/coretrader/internal/ssot"
)

const (
	maxRecentOrders = 1000
	dedupeWindow    = 5 * time.Minute
)

// Pipeline evaluates the fixed six-gate sequence, generates deterministic
// idempotency keys, suppresses duplicates, and records evidence.
type Pipeline struct {
	Paths  *ssot.Paths
	Bus    *filebus.Bus
	Logger *logging.Logger

	mu           sync.Mutex
	recentOrders map[string]time.Time
	recentOrder  []string // FIFO insertion order, parallel to recentOrders

	stats Counters
}

// NewPipeline builds a Pipeline rooted at the given paths.
func NewPipeline(paths *ssot.Paths, bus *filebus.Bus, logger *logging.Logger) *Pipeline {
	return &Pipeline{
		Paths:        paths,
		Bus:          bus,
		Logger:       logger,
		recentOrders: make(map[string]time.Time),
		stats:        Counters{DropCodes: make(map[DropCode]int64)},
	}
}

// GateInputs bundles the externally supplied data each gate needs beyond
// the signal itself.
type GateInputs struct {
	ExchangeFilters ExchangeFilters
	RiskLimits      RiskLimits
	PositionPolicy  PositionConflictPolicy
	Simulation      SimulationState
}

// ProcessSignal runs a signal through G1..G6 in order, short-circuiting at
// the first failure, then computes idempotency keys and checks for
// duplicates before accepting.
func (p *Pipeline) ProcessSignal(sig Signal, in GateInputs) AdmissionResult {
	start := time.Now()

	p.mu.Lock()
	p.stats.SignalsIn++
	p.mu.Unlock()

	params, res := gateG1Symbol(sig)
	if !res.ok {
		return p.dropResult(res, "", start)
	}

	traceID := GenerateTraceID(params.Symbol, params.Side, start)

	if res := gateG2ExchangeFilters(params, in.ExchangeFilters); !res.ok {
		return p.dropResult(res, traceID, start)
	}
	if res := gateG3RiskLimits(params, in.RiskLimits); !res.ok {
		return p.dropResult(res, traceID, start)
	}
	if res := gateG4Slippage(params); !res.ok {
		return p.dropResult(res, traceID, start)
	}
	if res := gateG5PositionConflict(in.PositionPolicy); !res.ok {
		return p.dropResult(res, traceID, start)
	}
	if res := gateG6SimulationGuard(in.Simulation); !res.ok {
		return p.dropResult(res, traceID, start)
	}

	clientOrderID := GenerateClientOrderID(traceID, params.Symbol, params.Side, params.Price, params.Qty)

	if p.isDuplicate(clientOrderID) {
		return p.dropResult(drop(DropDuplicateSignal, fmt.Sprintf("duplicate order %s", clientOrderID)), traceID, start)
	}
	p.addRecentOrder(clientOrderID)

	p.mu.Lock()
	p.stats.OrdersSent++
	p.mu.Unlock()

	return AdmissionResult{
		Accepted:      true,
		TraceID:       traceID,
		ClientOrderID: clientOrderID,
		ComputedQty:   params.Qty,
		ComputedPrice: params.Price,
		Ts:            secondsNow(),
		ProcessingMs:  msSince(start),
	}
}

func (p *Pipeline) dropResult(res gateResult, traceID string, start time.Time) AdmissionResult {
	if traceID == "" {
		traceID = fmt.Sprintf("drop_%d", time.Now().Unix())
	}

	p.mu.Lock()
	p.stats.Drops++
	p.stats.DropCodes[res.code]++
	p.mu.Unlock()

	return AdmissionResult{
		Accepted:     false,
		TraceID:      traceID,
		DropCode:     res.code,
		DropDetail:   res.detail,
		Ts:           secondsNow(),
		ProcessingMs: msSince(start),
	}
}

// GenerateTraceID derives trace_id = md5(symbol|side|floor(ts)|engine)[:16].
func GenerateTraceID(symbol string, side Side, at time.Time) string {
	tsFloor := at.Unix()
	raw := fmt.Sprintf("%s|%s|%d|%s", symbol, side, tsFloor, engineTag)
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// GenerateClientOrderID derives client_order_id deterministically from the
// trace_id and order parameters so identical signals always collapse to
// the same key (I6).
func GenerateClientOrderID(traceID, symbol string, side Side, price, qty float64) string {
	raw := fmt.Sprintf("%s|%s|%s|%v|%v", traceID, symbol, side, price, qty)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:32]
}

func (p *Pipeline) isDuplicate(clientOrderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	last, ok := p.recentOrders[clientOrderID]
	if !ok {
		return false
	}
	return time.Since(last) < dedupeWindow
}

func (p *Pipeline) addRecentOrder(clientOrderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	// Purge entries older than the dedupe window.
	kept := p.recentOrder[:0]
	for _, k := range p.recentOrder {
		if ts, ok := p.recentOrders[k]; ok && now.Sub(ts) < dedupeWindow {
			kept = append(kept, k)
		} else {
			delete(p.recentOrders, k)
		}
	}
	p.recentOrder = kept

	p.recentOrders[clientOrderID] = now
	p.recentOrder = append(p.recentOrder, clientOrderID)

	for len(p.recentOrder) > maxRecentOrders {
		oldest := p.recentOrder[0]
		p.recentOrder = p.recentOrder[1:]
		delete(p.recentOrders, oldest)
	}
}

// RecordOrderEvidence appends one NDJSON record to order_evidence.jsonl,
// and additionally to orders_skipped.jsonl when the admission was not
// accepted, per the alternative-sink supplement.
func (p *Pipeline) RecordOrderEvidence(ev OrderEvidence) error {
	if err := p.Bus.AppendNDJSON(p.Paths.OrderEvidencePath(), ev); err != nil {
		return fmt.Errorf("admission: record evidence: %w", err)
	}
	if !ev.AdmissionResult.Accepted {
		if err := p.Bus.AppendNDJSON(p.Paths.OrdersSkippedPath(), ev); err != nil {
			return fmt.Errorf("admission: record skipped evidence: %w", err)
		}
	}
	return nil
}

// DropCodeHistogram returns a copy of the current per-code drop counts.
func (p *Pipeline) DropCodeHistogram() map[DropCode]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[DropCode]int64, len(p.stats.DropCodes))
	for k, v := range p.stats.DropCodes {
		out[k] = v
	}
	return out
}

// LiveCounters returns a copy of the running admission counters.
func (p *Pipeline) LiveCounters() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.stats
	out.DropCodes = make(map[DropCode]int64, len(p.stats.DropCodes))
	for k, v := range p.stats.DropCodes {
		out.DropCodes[k] = v
	}
	return out
}

func secondsNow() float64 { return float64(time.Now().UnixNano()) / 1e9 }

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)
}
