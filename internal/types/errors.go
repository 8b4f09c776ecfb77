package types

import "errors"

// Sentinel errors for the exit engine.
var (
	// Entry admission
	ErrInCooldown        = errors.New("symbol in whipsaw cooldown")
	ErrEntryNotPermitted = errors.New("entry not permitted by risk gate")
	ErrPositionExists    = errors.New("symbol already has a managed position")

	// Order errors
	ErrDuplicateOrder   = errors.New("duplicate order id")
	ErrOrderNotFound    = errors.New("order not found")
	ErrInvalidOrderSize = errors.New("invalid order size")

	// Data errors
	ErrInvalidPrice    = errors.New("invalid price value")
	ErrDataUnavailable = errors.New("market data unavailable")

	// State errors
	ErrPositionNotFound = errors.New("managed position not found")
	ErrStateNotFound    = errors.New("state not found")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidSymbol = errors.New("invalid symbol")
)
