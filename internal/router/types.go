// Package router implements order-routing resilience: retryable/terminal
// error classification, exponential backoff with jitter, Retry-After
// honoring, and a bounded per-attempt history.
package router

import "time"

// OrderRequest is the order this package attempts to route to an exchange.
type OrderRequest struct {
	Symbol        string
	Side          string
	Qty           float64
	Price         float64
	OrderType     string
	ClientOrderID string
	Timestamp     int64
}

// OrderResponse is what the exchange client returns for one attempt.
type OrderResponse struct {
	Success     bool
	OrderID     string
	ErrorCode   string
	ErrorMsg    string
	HTTPStatus  int
	RetryAfter  *int
	RawResponse map[string]interface{}
}

// RetryAttempt records one retry in the bounded in-memory history.
type RetryAttempt struct {
	Attempt   int
	Delay     time.Duration
	Error     string
	Timestamp time.Time
}

// Stats mirrors the counters exposed by the original router.
type Stats struct {
	OrdersSent        int64
	OrdersSuccess     int64
	OrdersFailed      int64
	RetryableErrors   int64
	NonRetryableErrors int64
	TotalRetries      int64
}

// RetryConfig controls the backoff schedule.
type RetryConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultRetryConfig mirrors §4.E's documented defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// ExecuteFunc performs one order-placement attempt against an exchange
// client; errors in transport are expected to be mapped into a failed
// OrderResponse rather than returned as a Go error.
type ExecuteFunc func(OrderRequest) OrderResponse
