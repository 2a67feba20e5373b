package admission

import (
	"fmt"
	"math"
	"strings"
)

// gateResult is the outcome of one gate: either pass (ok=true) or a drop
// with a specific code and human-readable detail.
type gateResult struct {
	ok     bool
	code   DropCode
	detail string
}

func pass() gateResult { return gateResult{ok: true} }

func drop(code DropCode, detail string) gateResult {
	return gateResult{ok: false, code: code, detail: detail}
}

// normalizedParams is the post-G1 view of a signal the remaining gates
// operate on.
type normalizedParams struct {
	Symbol string
	Side   Side
	Qty    float64
	Price  float64
}

// gateG1Symbol requires the symbol already be uppercase and at least 6
// characters (I3: case normalization happens before or at this gate).
func gateG1Symbol(sig Signal) (normalizedParams, gateResult) {
	symbol := sig.Symbol
	if symbol != strings.ToUpper(symbol) {
		return normalizedParams{}, drop(DropSymbolNotUppercase, fmt.Sprintf("symbol %q is not uppercase", symbol))
	}
	if len(symbol) < 6 {
		return normalizedParams{}, drop(DropInvalidSymbolFormat, fmt.Sprintf("symbol %q shorter than 6 chars", symbol))
	}

	if sig.Side != Buy && sig.Side != Sell {
		return normalizedParams{}, drop(DropInvalidSide, fmt.Sprintf("invalid side %q", sig.Side))
	}

	qty := sig.Size
	if sig.SizeType == SizeUSDT {
		if sig.Price <= 0 {
			return normalizedParams{}, drop(DropInvalidPrice, "usdt-sized signal requires a positive price")
		}
		qty = sig.Size / sig.Price
	}
	if qty <= 0 {
		return normalizedParams{}, drop(DropInvalidSize, fmt.Sprintf("computed qty %v is not positive", qty))
	}
	if sig.Price <= 0 {
		return normalizedParams{}, drop(DropInvalidPrice, fmt.Sprintf("price %v is not positive", sig.Price))
	}

	return normalizedParams{Symbol: symbol, Side: sig.Side, Qty: qty, Price: sig.Price}, pass()
}

const stepSizeTolerance = 0.001 // 0.1%

// gateG2ExchangeFilters enforces minimum notional and step-size alignment.
func gateG2ExchangeFilters(p normalizedParams, f ExchangeFilters) gateResult {
	notional := p.Qty * p.Price
	if f.MinNotional > 0 && notional < f.MinNotional {
		return drop(DropNotionalTooSmall, fmt.Sprintf("notional %v < min_notional %v", notional, f.MinNotional))
	}

	if f.StepSize > 0 {
		ratio := p.Qty / f.StepSize
		nearest := math.Round(ratio)
		deviation := math.Abs(ratio-nearest) / math.Max(nearest, 1)
		if deviation > stepSizeTolerance {
			return drop(DropInvalidQtyStep, fmt.Sprintf("qty %v is not a multiple of step_size %v within tolerance", p.Qty, f.StepSize))
		}
	}

	return pass()
}

// gateG3RiskLimits enforces position and exposure caps.
func gateG3RiskLimits(p normalizedParams, r RiskLimits) gateResult {
	notional := p.Qty * p.Price
	if r.MaxPositionUSDT > 0 && notional > r.MaxPositionUSDT {
		return drop(DropPositionTooLarge, fmt.Sprintf("position notional %v > max_position_usdt %v", notional, r.MaxPositionUSDT))
	}
	if r.MaxTotalExposureUSDT > 0 && r.ProjectedExposureUSDT > r.MaxTotalExposureUSDT {
		return drop(DropTotalExposureExceeded, fmt.Sprintf("projected exposure %v > max_total_exposure_usdt %v", r.ProjectedExposureUSDT, r.MaxTotalExposureUSDT))
	}
	return pass()
}

// gateG4Slippage is a literal pass-through, kept in the fixed gate sequence
// so a real slippage check slots in later without renumbering gates.
func gateG4Slippage(normalizedParams) gateResult {
	return pass()
}

// PositionConflictPolicy controls G5 behavior; netting (the default) always
// passes, but a caller may configure DropOnConflict to enforce single-side
// exposure per symbol.
type PositionConflictPolicy struct {
	DropOnConflict      bool
	HasOppositePosition bool
}

func gateG5PositionConflict(policy PositionConflictPolicy) gateResult {
	if policy.DropOnConflict && policy.HasOppositePosition {
		return drop(DropPositionTooLarge, "opposite-side position exists and conflict policy forbids netting")
	}
	return pass()
}

// SimulationState carries the runtime flags G6 consults.
type SimulationState struct {
	DryRun         bool
	SimulationMode bool
	BreakerActive  bool
}

func gateG6SimulationGuard(s SimulationState) gateResult {
	if s.BreakerActive {
		return drop(DropCircuitBreaker, "global breaker active (STOP.TXT present)")
	}
	if s.DryRun || s.SimulationMode {
		return drop(DropDryRunMode, "dry_run or simulation_mode enabled")
	}
	return pass()
}
