package domain

import "errors"

var (
	ErrNotFound                  = errors.New("not found")
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrInvalidAmount             = errors.New("amount must be greater than zero")
	ErrInvalidOwner              = errors.New("invalid wallet owner")
	ErrWalletInactive            = errors.New("wallet inactive")
	ErrBankNotVerified           = errors.New("bank details not verified")
	ErrBelowMinimumWithdrawal    = errors.New("amount below minimum withdrawal")
	ErrTransactionNotPending     = errors.New("transaction is not pending")
	ErrInvalidTransactionStatus  = errors.New("invalid transaction status")
	ErrVersionConflict           = errors.New("optimistic lock conflict")
	ErrInvariantViolation        = errors.New("distribution invariant violated")
	ErrInvalidRequest            = errors.New("invalid request")
	ErrPlatformOperatorUnset     = errors.New("platform operator wallet owner not configured")
	ErrDistributionNotDeadLetter = errors.New("distribution is not a dead letter")
	ErrDuplicateIdempotencyKey   = errors.New("duplicate idempotency key")
)
