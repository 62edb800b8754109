package ledger

import "errors"

// Error taxonomy for ledger operations. Validation errors are surfaced to the
// immediate caller and never retried; callers distinguish them with errors.Is.
var (
	ErrInvalidAmount         = errors.New("ledger: amount must be positive")
	ErrInsufficientAvailable = errors.New("ledger: insufficient available balance")
	ErrAccountNotFound       = errors.New("ledger: account not found")
	ErrHoldNotFound          = errors.New("ledger: hold not found")
	ErrHoldNotActive         = errors.New("ledger: hold is not active")
	ErrDuplicateHold         = errors.New("ledger: active hold already exists for ticket")
)
