package grid

import "time"

// ShutdownReason why the engine is stopping; drives how aggressively
// the shutdown path cancels orders and whether it closes the position
type ShutdownReason int

const (
	ShutdownUserSignal ShutdownReason = iota
	ShutdownStopLoss
	ShutdownMarginInsufficient
	ShutdownNetworkError
	ShutdownConfigurationError
	ShutdownEmergency
	ShutdownNormalExit
)

func (r ShutdownReason) String() string {
	switch r {
	case ShutdownUserSignal:
		return "user signal"
	case ShutdownStopLoss:
		return "stop loss triggered"
	case ShutdownMarginInsufficient:
		return "margin insufficient"
	case ShutdownNetworkError:
		return "network error"
	case ShutdownConfigurationError:
		return "configuration error"
	case ShutdownEmergency:
		return "emergency shutdown"
	default:
		return "normal exit"
	}
}

// RequiresPositionClose reasons where leaving a position open is worse
// than market-closing it
func (r ShutdownReason) RequiresPositionClose() bool {
	switch r {
	case ShutdownStopLoss, ShutdownMarginInsufficient, ShutdownEmergency:
		return true
	}
	return false
}

// IsEmergency shutdowns that must not wait for graceful draining
func (r ShutdownReason) IsEmergency() bool {
	return r == ShutdownMarginInsufficient || r == ShutdownEmergency
}

// CancelTimeout budget for cancelling open orders on the way out
func (r ShutdownReason) CancelTimeout() time.Duration {
	if r.IsEmergency() {
		return 10 * time.Second
	}
	return 30 * time.Second
}
