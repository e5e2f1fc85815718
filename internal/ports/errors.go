package ports

import (
	"errors"

	"workflowTrader/internal/domain"
)

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these so callers can use errors.Is.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Workflow definition errors (configuration errors caught at write time)
	ErrInvalidWorkflow = errors.New("invalid workflow")
	ErrInvalidChain    = domain.ErrInvalidChain
	ErrInvalidAmount   = domain.ErrInvalidAmount

	// Exchange / order adapter errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderRejected        = errors.New("order rejected")
	ErrNoReferencePrice     = errors.New("no reference price for asset")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrCapacityFull   = errors.New("open position capacity reached")
	ErrQueryFailed    = errors.New("database query failed")

	// Locking
	ErrLockNotHeld = errors.New("lock not held")
)
