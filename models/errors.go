package models

import "errors"

var (
	// ErrInsufficientFunds is returned by the ledger when a debit would take a balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrBalanceOverflow is returned when a credit would push a balance past the int64 range.
	// Like ErrInsufficientFunds it is a definitive answer, not a fault.
	ErrBalanceOverflow = errors.New("balance overflow")

	// ErrVersionConflict means the account moved since it was read; re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrStoreUnavailable wraps infrastructure faults on the ledger, log or idempotency store.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrAccountNotFound is returned when the ledger has no row for the account id.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAlreadyApplied is returned by the ledger together with the prior entry when the
	// tagged (saga, step) mutation was already committed.
	ErrAlreadyApplied = errors.New("step already applied")

	ErrInvalidTransition = errors.New("invalid saga transition")

	// ErrStaleTransition means the saga is no longer in the prior state the caller expected.
	ErrStaleTransition = errors.New("stale saga transition")

	ErrSagaNotFound    = errors.New("saga not found")
	ErrInvalidTransfer = errors.New("invalid transfer request")
	ErrNotCancellable  = errors.New("saga can no longer be cancelled")
)

// IsRetryable reports whether err is a transient fault worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrStoreUnavailable)
}
