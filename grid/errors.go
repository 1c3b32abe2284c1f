package grid

import "errors"

// Sentinel errors for ledger and lifecycle failures. Callers wrap them
// with fmt.Errorf("...: %w", err) and branch with errors.Is.
var (
	// ErrInsufficientFunds a reservation would drive available funds negative
	ErrInsufficientFunds = errors.New("insufficient available funds")

	// ErrInvalidAmount a non-positive amount was passed to the ledger
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrLedgerCorrupt an internal ledger invariant no longer holds
	ErrLedgerCorrupt = errors.New("ledger invariant violated")

	// ErrOrderCeiling the global live-order ceiling is already reached
	ErrOrderCeiling = errors.New("live order ceiling reached")

	// ErrTradingHalted the stop-loss state machine forbids new orders
	ErrTradingHalted = errors.New("trading halted by stop-loss state")

	// ErrStaleSnapshot a persisted snapshot is too old to trust
	ErrStaleSnapshot = errors.New("persisted snapshot too old")
)
