// Package admission implements the fixed six-gate signal→order admission
// pipeline: deterministic idempotency keys, duplicate suppression, and a
// closed-set drop-code evidence trail.
package admission

// engineTag is an opaque, compile-time identity folded into trace_id
// derivation. Its value has no meaning beyond distinguishing trace_ids
// produced by this engine build from those of any other producer sharing
// the same evidence stream.
const engineTag = "cq-core-v1"

// Side is the signal direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// SizeType determines how Signal.Size is interpreted.
type SizeType string

const (
	SizeBase  SizeType = "base"
	SizeUSDT  SizeType = "usdt"
)

// Signal is the input to the admission pipeline.
type Signal struct {
	Symbol     string   `json:"symbol"`
	Side       Side     `json:"side"`
	Size       float64  `json:"size"`
	SizeType   SizeType `json:"size_type"`
	Price      float64  `json:"price"`
	Confidence float64  `json:"confidence"`
	Timestamp  float64  `json:"timestamp"`
}

// DropCode is the closed set of reasons a signal is not admitted.
type DropCode string

const (
	// Basic validation.
	DropInvalidSymbol       DropCode = "INVALID_SYMBOL"
	DropInvalidSide         DropCode = "INVALID_SIDE"
	DropInvalidSize         DropCode = "INVALID_SIZE"
	DropInvalidPrice        DropCode = "INVALID_PRICE"
	DropSymbolNotUppercase  DropCode = "SYMBOL_NOT_UPPERCASE"
	DropInvalidSymbolFormat DropCode = "INVALID_SYMBOL_FORMAT"

	// Exchange filter.
	DropNotionalTooSmall   DropCode = "NOTIONAL_TOO_SMALL"
	DropInvalidQtyStep     DropCode = "INVALID_QUANTITY_STEP"

	// Risk.
	DropInsufficientBalance  DropCode = "INSUFFICIENT_BALANCE"
	DropMinNotional          DropCode = "MIN_NOTIONAL"
	DropMaxPositionSize      DropCode = "MAX_POSITION_SIZE"
	DropPositionTooLarge     DropCode = "POSITION_TOO_LARGE"
	DropTotalExposureExceeded DropCode = "TOTAL_EXPOSURE_EXCEEDED"
	DropDailyLossLimit       DropCode = "DAILY_LOSS_LIMIT"
	DropCircuitBreaker       DropCode = "CIRCUIT_BREAKER"

	// Signal quality.
	DropStaleSignal     DropCode = "STALE_SIGNAL"
	DropLowConfidence   DropCode = "LOW_CONFIDENCE"
	DropDuplicateSignal DropCode = "DUPLICATE_SIGNAL"

	// System.
	DropExchangeDown DropCode = "EXCHANGE_DOWN"
	DropNetworkError DropCode = "NETWORK_ERROR"
	DropRateLimit    DropCode = "RATE_LIMIT"
	DropMaintenance  DropCode = "MAINTENANCE"

	// Guard.
	DropDryRunMode          DropCode = "DRY_RUN_MODE"
	DropTestFilterViolation DropCode = "TEST_FILTER_VIOLATION"

	// Fallthrough.
	DropUnknownError DropCode = "UNKNOWN_ERROR"
)

// AdmissionResult is returned for every processed signal, accepted or not.
type AdmissionResult struct {
	Accepted        bool     `json:"accepted"`
	TraceID         string   `json:"trace_id"`
	DropCode        DropCode `json:"drop_code,omitempty"`
	DropDetail      string   `json:"drop_detail,omitempty"`
	ClientOrderID   string   `json:"client_order_id,omitempty"`
	ComputedQty     float64  `json:"computed_qty,omitempty"`
	ComputedPrice   float64  `json:"computed_price,omitempty"`
	Ts              float64  `json:"ts"`
	ProcessingMs    float64  `json:"processing_time_ms"`
}

// ExchangeFilters is the per-symbol filter data required by G2.
type ExchangeFilters struct {
	MinNotional float64
	StepSize    float64
}

// RiskLimits is the account-level risk configuration required by G3.
type RiskLimits struct {
	MaxPositionUSDT      float64
	MaxTotalExposureUSDT float64
	ProjectedExposureUSDT float64
}

// OrderEvidence is the immutable record appended to order_evidence.jsonl
// (and, for drops, also to orders_skipped.jsonl).
type OrderEvidence struct {
	TraceID         string                 `json:"trace_id"`
	ClientOrderID   string                 `json:"client_order_id,omitempty"`
	Symbol          string                 `json:"symbol"`
	Side            Side                   `json:"side"`
	Qty             float64                `json:"qty"`
	Price           float64                `json:"price"`
	Ts              float64                `json:"ts"`
	InputSignal     Signal                 `json:"input_signal"`
	AdmissionResult AdmissionResult        `json:"admission_result"`
	ExchangeFilters map[string]interface{} `json:"exchange_filters,omitempty"`
	RiskChecks      map[string]interface{} `json:"risk_checks,omitempty"`
	OrderRequest    map[string]interface{} `json:"order_request,omitempty"`
	OrderResponse   map[string]interface{} `json:"order_response,omitempty"`
	FinalStatus     string                 `json:"final_status"`
	Error           string                 `json:"error,omitempty"`
}

// Counters tracks the running admission statistics.
type Counters struct {
	SignalsIn       int64            `json:"signals_in"`
	OrdersSent      int64            `json:"orders_sent"`
	OrdersFilled    int64            `json:"orders_filled"`
	Drops           int64            `json:"drops"`
	RetryableErrors int64            `json:"retryable_errors"`
	DropCodes       map[DropCode]int64 `json:"drop_codes"`
}
