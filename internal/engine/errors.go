package engine

import "errors"

// Sentinel errors returned by engine operations. Validation errors are
// rejected before any reservation; resource errors after locking but before
// any mutation, so a failed operation never leaves side effects.
var (
	ErrInsufficientFunds  = errors.New("not enough USD balance")
	ErrInsufficientAssets = errors.New("not enough assets")
	ErrUnsupportedSymbol  = errors.New("unsupported symbol")
	ErrInvalidSide        = errors.New("side must be buy or sell")
	ErrInvalidPrice       = errors.New("price must be positive")
	ErrInvalidAmount      = errors.New("amount must be positive")

	// ErrNotCancellable covers not-found, wrong owner and terminal status
	// alike; callers deliberately cannot tell which.
	ErrNotCancellable = errors.New("can't cancel this order")
)
