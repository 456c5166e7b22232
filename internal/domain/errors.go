package domain

import "github.com/pkg/errors"

var (
	// ErrInvalidAmount amount is not positive or below the configured minimum.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidUser user identifier is empty.
	ErrInvalidUser = errors.New("invalid user id")
	// ErrInvalidWallet sender wallet is required by the matching policy but missing.
	ErrInvalidWallet = errors.New("invalid wallet")
	// ErrNotFound payment intent does not exist.
	ErrNotFound = errors.New("payment not found")
	// ErrUpstreamUnavailable transaction source failed or returned malformed data. Retryable.
	ErrUpstreamUnavailable = errors.New("transaction source unavailable")
	// ErrInsufficientFunds adjustment would make a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
)
