package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cryptoquant-io/coretrader/infrastructure/ratelimit"
	"github.com/cryptoquant-io/coretrader/internal/router"
)

// exchangeClient places orders against a single configured exchange REST
// endpoint. It never returns a Go error from Place; every failure mode is
// mapped into a router.OrderResponse so the router's retry classification
// can act on it. Its own outbound rate limit guards the endpoint from
// bursts the order router's admission pacing didn't anticipate.
type exchangeClient struct {
	baseURL string
	apiKey  string
	http    *ratelimit.RateLimitedClient
}

func newExchangeClient(baseURL, apiKey string) *exchangeClient {
	cfg := ratelimit.DefaultConfig()
	cfg.RequestsPerSecond = 20
	cfg.Burst = 40

	return &exchangeClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    ratelimit.NewRateLimitedClient(&http.Client{Timeout: 10 * time.Second}, cfg),
	}
}

// Execute adapts exchangeClient to router.ExecuteFunc.
func (c *exchangeClient) Execute(req router.OrderRequest) router.OrderResponse {
	if c.baseURL == "" {
		return router.OrderResponse{Success: false, ErrorCode: "NETWORK_ERROR", ErrorMsg: "no exchange endpoint configured"}
	}

	body, err := json.Marshal(map[string]interface{}{
		"symbol":          req.Symbol,
		"side":            req.Side,
		"qty":             req.Qty,
		"price":           req.Price,
		"order_type":      req.OrderType,
		"client_order_id": req.ClientOrderID,
	})
	if err != nil {
		return router.OrderResponse{Success: false, ErrorCode: "INVALID_ORDER_PARAMS", ErrorMsg: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/order", bytes.NewReader(body))
	if err != nil {
		return router.OrderResponse{Success: false, ErrorCode: "NETWORK_ERROR", ErrorMsg: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return router.OrderResponse{Success: false, ErrorCode: "TIMEOUT", ErrorMsg: err.Error()}
		}
		return router.OrderResponse{Success: false, ErrorCode: "NETWORK_ERROR", ErrorMsg: err.Error()}
	}
	defer resp.Body.Close()

	var raw map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&raw)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		orderID, _ := raw["order_id"].(string)
		return router.OrderResponse{Success: true, OrderID: orderID, HTTPStatus: resp.StatusCode, RawResponse: raw}
	}

	var retryAfter *int
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil {
			retryAfter = &secs
		}
	}

	return router.OrderResponse{
		Success:     false,
		ErrorCode:   fmt.Sprintf("HTTP_%d", resp.StatusCode),
		ErrorMsg:    fmt.Sprintf("exchange responded %d", resp.StatusCode),
		HTTPStatus:  resp.StatusCode,
		RetryAfter:  retryAfter,
		RawResponse: raw,
	}
}
