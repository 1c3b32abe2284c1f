package gateway

import (
	"math"
	"strconv"
	"strings"

	"hypergrid/logger"
)

// Venues return most numeric fields as strings. A malformed field must never
// crash the engine or poison the ledger, so parsing falls back to a caller
// supplied default and logs the field that misbehaved.

// SafeParseFloat parses a non-negative float from s. Empty, malformed,
// non-finite, or negative input yields def.
func SafeParseFloat(s, field string, def float64) float64 {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		logger.Warnf("⚠️ field '%s' is empty, using default: %v", field, def)
		return def
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		logger.Warnf("⚠️ field '%s' failed to parse: %q (%v), using default: %v", field, trimmed, err, def)
		return def
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		logger.Warnf("⚠️ field '%s' has invalid value: %v, using default: %v", field, v, def)
		return def
	}
	return v
}

// SafeParseSignedFloat is SafeParseFloat without the non-negative
// requirement, for fields like unrealized PnL and signed position size
func SafeParseSignedFloat(s, field string, def float64) float64 {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return def
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		logger.Warnf("⚠️ field '%s' failed to parse: %q (%v), using default: %v", field, trimmed, err, def)
		return def
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		logger.Warnf("⚠️ field '%s' has invalid value: %v, using default: %v", field, v, def)
		return def
	}
	return v
}
