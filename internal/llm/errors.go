package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is wrapped by every gateway failure: no provider configured,
// all providers failed, or the chain was stopped. Generators treat it as the
// signal to serve their deterministic fallback.
var ErrUnavailable = errors.New("AI unavailable")

// ErrorClass categorizes provider errors for retry and failover decisions.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// StatusError is a non-2xx answer from a provider's HTTP endpoint.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.StatusCode, e.Body)
}

// ClassifyError inspects err and returns the most specific class.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case 401, 403:
			return ErrorClassAuth
		case 429:
			return ErrorClassRateLimit
		case 402:
			return ErrorClassBilling
		case 408, 504:
			return ErrorClassTimeout
		}
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403"):
		return ErrorClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests"):
		return ErrorClassRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return ErrorClassTimeout
	case containsAny(msg, "billing", "payment", "insufficient funds"):
		return ErrorClassBilling
	case containsAny(msg, "context_length", "context length", "token limit", "max tokens",
		"maximum context", "context window"):
		return ErrorClassContextOverflow
	}
	return ErrorClassUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
