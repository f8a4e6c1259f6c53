package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken     = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken     = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrForbidden        = &AppError{http.StatusForbidden, "FORBIDDEN", "Not allowed for this role"}
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrInsufficientFunds     = &AppError{http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", "Insufficient funds"}
	ErrInvalidAmount         = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
	ErrInvalidOwner          = &AppError{http.StatusBadRequest, "INVALID_OWNER", "Invalid wallet owner"}
	ErrWalletInactive        = &AppError{http.StatusUnprocessableEntity, "WALLET_INACTIVE", "Wallet is inactive"}
	ErrBankNotVerified       = &AppError{http.StatusUnprocessableEntity, "BANK_NOT_VERIFIED", "Bank details are not verified"}
	ErrBelowMinimum          = &AppError{http.StatusUnprocessableEntity, "BELOW_MINIMUM_WITHDRAWAL", "Amount is below the minimum withdrawal"}
	ErrTransactionNotPending = &AppError{http.StatusConflict, "TRANSACTION_NOT_PENDING", "Transaction is not pending"}
	ErrInvalidStatus         = &AppError{http.StatusBadRequest, "INVALID_TRANSACTION_STATUS", "Invalid transaction status"}
	ErrVersionConflict       = &AppError{http.StatusConflict, "VERSION_CONFLICT", "Resource was modified concurrently, please retry"}
	ErrInvariantViolation    = &AppError{http.StatusUnprocessableEntity, "INVARIANT_VIOLATION", "Amounts do not reconcile"}
	ErrInvalidCommission     = &AppError{http.StatusBadRequest, "INVALID_COMMISSION_RATE", "Commission rate must be between 0 and 100 with at most 4 decimal places"}
	ErrNotDeadLetter         = &AppError{http.StatusConflict, "NOT_DEAD_LETTER", "Distribution is not dead-lettered"}
	ErrRunInProgress         = &AppError{http.StatusConflict, "RUN_IN_PROGRESS", "A distribution run is already in progress"}
	ErrPlatformOperatorUnset = &AppError{http.StatusServiceUnavailable, "PLATFORM_OPERATOR_UNSET", "Platform operator is not configured"}

	ErrMissingIdempotencyKey = &AppError{http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "Idempotency-Key header is required"}
	ErrIdempotencyConflict   = &AppError{http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key already used with a different request"}
	ErrIdempotencyInProgress = &AppError{http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "A request with this Idempotency-Key is still being processed"}
)
