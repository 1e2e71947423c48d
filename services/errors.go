package services

import "errors"

var (
	// ErrPaymentNotFound: no local payment row, or no gateway payment
	// survived reconciliation.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrAlreadyCancelled: the local payment is already CANCELLED.
	ErrAlreadyCancelled = errors.New("payment already cancelled")
	ErrOrderNotFound    = errors.New("order not found")
	ErrBidNotFound      = errors.New("bid not found")
	// ErrValidationMismatch marks a gateway candidate that failed the amount,
	// order id or status checks. It never leaves the reconcile flow.
	ErrValidationMismatch = errors.New("gateway payment does not match order")
)
