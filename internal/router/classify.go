package router

import "strings"

// classification is the retry category exactly one error code maps to.
type classification int

const (
	terminal classification = iota
	retryableImmediate
	retryableDelayed
)

// classify maps an OrderResponse's error code to its retry category and an
// optional Retry-After hint, per the table in §4.E.
func classify(resp OrderResponse) (classification, *int) {
	if resp.ErrorCode == "" {
		return terminal, nil
	}

	code := strings.ToUpper(resp.ErrorCode)

	switch code {
	case "TIMEOUT", "NETWORK_ERROR":
		return retryableImmediate, nil
	case "HTTP_429":
		after := 60
		if resp.RetryAfter != nil {
			after = *resp.RetryAfter
		}
		return retryableDelayed, &after
	case "HTTP_503":
		after := 30
		if resp.RetryAfter != nil {
			after = *resp.RetryAfter
		}
		return retryableDelayed, &after
	case "INVALID_SYMBOL", "INSUFFICIENT_BALANCE", "INVALID_ORDER_PARAMS":
		return terminal, nil
	}

	if strings.HasPrefix(code, "HTTP_5") {
		return retryableImmediate, resp.RetryAfter
	}
	if strings.HasPrefix(code, "HTTP_4") {
		return terminal, nil
	}

	return terminal, nil
}

func isRetryable(c classification) bool {
	return c == retryableImmediate || c == retryableDelayed
}
