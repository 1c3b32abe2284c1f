package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSafeParseFloat(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   float64
		want  float64
	}{
		{"valid", "123.45", 0, 123.45},
		{"whitespace trimmed", "  7.5 ", 0, 7.5},
		{"empty uses default", "", 9, 9},
		{"blank uses default", "   ", 9, 9},
		{"garbage uses default", "abc", 3, 3},
		{"negative uses default", "-5", 2, 2},
		{"nan uses default", "NaN", 1, 1},
		{"inf uses default", "Inf", 1, 1},
		{"zero is valid", "0", 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeParseFloat(tt.input, "f", tt.def))
		})
	}
}

func TestSafeParseSignedFloatAllowsNegative(t *testing.T) {
	assert.Equal(t, -12.5, SafeParseSignedFloat("-12.5", "pnl", 0))
	assert.Equal(t, 0.0, SafeParseSignedFloat("NaN", "pnl", 0))
	assert.Equal(t, 1.0, SafeParseSignedFloat("", "pnl", 1))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"request timed out", ErrorKindTimeout},
		{"context deadline exceeded", ErrorKindTimeout},
		{"429 Too Many Requests", ErrorKindRateLimit},
		{"IP banned until 1767288777555", ErrorKindRateLimit},
		{"401 unauthorized", ErrorKindAuth},
		{"invalid signature", ErrorKindAuth},
		{"502 bad gateway", ErrorKindServer},
		{"connection refused", ErrorKindOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(errors.New(tt.msg)), tt.msg)
	}
	assert.Equal(t, ErrorKindOther, Classify(nil))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	k := ErrorKindTimeout
	assert.Equal(t, 2*time.Second, k.Backoff(0))
	assert.Equal(t, 4*time.Second, k.Backoff(1))
	assert.Equal(t, 32*time.Second, k.Backoff(4))
	// exponent capped at 4
	assert.Equal(t, 32*time.Second, k.Backoff(9))

	// rate limits cap at 10 minutes
	assert.Equal(t, 80*time.Second, ErrorKindRateLimit.Backoff(4))
	assert.True(t, ErrorKindRateLimit.Backoff(100) <= 10*time.Minute)
}

func TestMaxRetriesOrdering(t *testing.T) {
	// auth fails fast, timeouts get the most patience
	assert.True(t, ErrorKindAuth.MaxRetries() < ErrorKindRateLimit.MaxRetries())
	assert.True(t, ErrorKindRateLimit.MaxRetries() <= ErrorKindServer.MaxRetries())
	assert.True(t, ErrorKindServer.MaxRetries() < ErrorKindTimeout.MaxRetries())
}
