package router

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/cryptoquant-io/coretrader/infrastructure/logging"
	"github.com/cryptoquant-io/coretrader/infrastructure/resilience"
)

const maxRetryHistory = 1000

// Router routes one OrderRequest at a time through a circuit breaker, rate
// limiter, and the retry/backoff schedule of §4.E.
type Router struct {
	Logger  *logging.Logger
	Config  RetryConfig
	Breaker *resilience.CircuitBreaker
	Limiter *rate.Limiter

	mu           sync.Mutex
	stats        Stats
	retryHistory []RetryAttempt
}

// New builds a Router with the given retry configuration. A nil logger is
// fine; Breaker defaults to resilience.DefaultConfig(); Limiter paces
// outbound calls at ratePerSecond (0 disables pacing).
func New(cfg RetryConfig, ratePerSecond float64, logger *logging.Logger) *Router {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1)
	}

	return &Router{
		Logger:  logger,
		Config:  cfg,
		Breaker: resilience.New(resilience.DefaultConfig()),
		Limiter: limiter,
	}
}

// RouteOrder attempts to place req via exec, retrying according to the
// classification of each failure, and returns the final response alongside
// every retry attempt made.
func (r *Router) RouteOrder(ctx context.Context, req OrderRequest, exec ExecuteFunc) (OrderResponse, []RetryAttempt) {
	r.mu.Lock()
	r.stats.OrdersSent++
	r.mu.Unlock()

	var attempts []RetryAttempt
	var lastResp OrderResponse

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.Config.BaseDelay
	expBackoff.Multiplier = r.Config.BackoffMultiplier
	expBackoff.MaxInterval = r.Config.MaxDelay
	expBackoff.RandomizationFactor = 0
	expBackoff.Reset()

	for attempt := 0; attempt <= r.Config.MaxRetries; attempt++ {
		if r.Limiter != nil {
			if err := r.Limiter.Wait(ctx); err != nil {
				lastResp = OrderResponse{Success: false, ErrorCode: "CANCELLED", ErrorMsg: err.Error()}
				break
			}
		}

		resp := r.execute(ctx, req, exec)
		if resp.Success {
			r.mu.Lock()
			r.stats.OrdersSuccess++
			r.mu.Unlock()
			if r.Logger != nil {
				r.Logger.WithFields(map[string]interface{}{
					"trace_id": req.ClientOrderID,
					"coid":     req.ClientOrderID,
				}).Info("router: order routed")
			}
			return resp, attempts
		}

		class, retryAfter := classify(resp)
		if !isRetryable(class) || attempt >= r.Config.MaxRetries {
			r.mu.Lock()
			if isRetryable(class) {
				r.stats.RetryableErrors++
			} else {
				r.stats.NonRetryableErrors++
			}
			r.stats.OrdersFailed++
			r.mu.Unlock()
			if r.Logger != nil {
				r.Logger.WithFields(map[string]interface{}{
					"trace_id": req.ClientOrderID,
					"coid":     req.ClientOrderID,
					"code":     resp.ErrorCode,
				}).Error("router: order dropped")
			}
			return resp, attempts
		}

		r.mu.Lock()
		r.stats.RetryableErrors++
		r.stats.TotalRetries++
		r.mu.Unlock()

		delay := r.calculateDelay(expBackoff, retryAfter)
		rec := RetryAttempt{Attempt: attempt + 1, Delay: delay, Error: resp.ErrorMsg, Timestamp: time.Now()}
		attempts = append(attempts, rec)
		r.addRetryHistory(rec)

		if r.Logger != nil {
			r.Logger.WithFields(map[string]interface{}{
				"trace_id": req.ClientOrderID,
				"coid":     req.ClientOrderID,
				"code":     resp.ErrorCode,
				"attempt":  attempt + 1,
				"delay_s":  delay.Seconds(),
			}).Warn("router: retrying order")
		}

		select {
		case <-ctx.Done():
			return resp, attempts
		case <-time.After(delay):
		}
		lastResp = resp
	}

	r.mu.Lock()
	r.stats.OrdersFailed++
	r.mu.Unlock()
	return lastResp, attempts
}

func (r *Router) execute(ctx context.Context, req OrderRequest, exec ExecuteFunc) OrderResponse {
	var resp OrderResponse
	err := r.Breaker.Execute(ctx, func() error {
		resp = exec(req)
		if !resp.Success {
			return resilience.ErrCircuitOpen // any gate-level failure counts toward breaker trips
		}
		return nil
	})
	if err != nil && resp.ErrorCode == "" {
		resp = OrderResponse{Success: false, ErrorCode: "CIRCUIT_BREAKER", ErrorMsg: err.Error()}
	}
	return resp
}

func (r *Router) calculateDelay(b *backoff.ExponentialBackOff, retryAfter *int) time.Duration {
	if retryAfter != nil {
		return time.Duration(*retryAfter) * time.Second
	}

	delay := b.NextBackOff()
	if delay == backoff.Stop {
		delay = r.Config.MaxDelay
	}

	if r.Config.Jitter {
		jitterFactor := 0.1 + rand.Float64()*0.2
		delay += time.Duration(float64(delay) * jitterFactor)
	}
	if delay > r.Config.MaxDelay {
		delay = r.Config.MaxDelay
	}
	return delay
}

func (r *Router) addRetryHistory(rec RetryAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.retryHistory = append(r.retryHistory, rec)
	if len(r.retryHistory) > maxRetryHistory {
		r.retryHistory = r.retryHistory[len(r.retryHistory)-maxRetryHistory:]
	}
}

// Stats returns a copy of the running counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// RecentRetryAttempts returns up to limit of the most recent retry
// attempts, oldest first.
func (r *Router) RecentRetryAttempts(limit int) []RetryAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.retryHistory) {
		limit = len(r.retryHistory)
	}
	out := make([]RetryAttempt, limit)
	copy(out, r.retryHistory[len(r.retryHistory)-limit:])
	return out
}
