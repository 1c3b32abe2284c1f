package gateway

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ============================================================================
// Error Classification & Retry Policy
// ============================================================================

// ErrorKind buckets venue errors for retry-policy decisions
type ErrorKind int

const (
	ErrorKindOther ErrorKind = iota
	ErrorKindTimeout
	ErrorKindRateLimit
	ErrorKindAuth
	ErrorKindServer
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindRateLimit:
		return "rate_limit"
	case ErrorKindAuth:
		return "auth"
	case ErrorKindServer:
		return "server"
	default:
		return "other"
	}
}

// Classify derives the error kind from the error text. Venues wrap HTTP
// failures inconsistently, so substring matching is the only portable signal.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded"):
		return ErrorKindTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") || strings.Contains(msg, "banned until"):
		return ErrorKindRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") || strings.Contains(msg, "invalid signature") ||
		strings.Contains(msg, "api-key"):
		return ErrorKindAuth
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "internal server"):
		return ErrorKindServer
	default:
		return ErrorKindOther
	}
}

// MaxRetries returns how many consecutive failures of this kind are tolerated
// before the connection is declared lost
func (k ErrorKind) MaxRetries() int {
	switch k {
	case ErrorKindTimeout:
		return 8
	case ErrorKindRateLimit:
		return 5
	case ErrorKindAuth:
		return 2
	case ErrorKindServer:
		return 6
	default:
		return 5
	}
}

// backoffParams returns base delay and cap per error kind
func (k ErrorKind) backoffParams() (base, max time.Duration) {
	switch k {
	case ErrorKindRateLimit:
		return 5 * time.Second, 10 * time.Minute
	case ErrorKindTimeout:
		return 2 * time.Second, 2 * time.Minute
	case ErrorKindServer:
		return 3 * time.Second, 5 * time.Minute
	case ErrorKindAuth:
		return 2 * time.Second, time.Minute
	default:
		return 2 * time.Second, 3 * time.Minute
	}
}

// Backoff computes the wait before the given retry attempt. Exponent is
// capped at 4 so a burst of failures never produces multi-hour sleeps.
func (k ErrorKind) Backoff(retry int) time.Duration {
	base, max := k.backoffParams()
	exp := retry
	if exp > 4 {
		exp = 4
	}
	if exp < 0 {
		exp = 0
	}
	d := base * (1 << uint(exp))
	if d > max {
		d = max
	}
	return d
}
