package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/josh-kwaku/tutorpay/internal/commission"
	"github.com/josh-kwaku/tutorpay/internal/distribution"
	"github.com/josh-kwaku/tutorpay/internal/domain"
)

type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data"`
	Error   *APIError `json:"error"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func RespondSuccess(w http.ResponseWriter, status int, data any) {
	RespondJSON(w, status, APIResponse{
		Success: true,
		Data:    data,
		Error:   nil,
	})
}

func RespondAppError(w http.ResponseWriter, appErr *AppError, details any) {
	RespondJSON(w, appErr.Status, APIResponse{
		Success: false,
		Data:    nil,
		Error: &APIError{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: details,
		},
	})
}

func RespondValidationError(w http.ResponseWriter, fields []FieldError) {
	RespondAppError(w, ErrValidationFailed, fields)
}

func RespondDomainError(w http.ResponseWriter, err error) {
	RespondAppError(w, appErrorFor(err), nil)
}

func appErrorFor(err error) *AppError {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return ErrResourceNotFound
	case errors.Is(err, domain.ErrInsufficientFunds):
		return ErrInsufficientFunds
	case errors.Is(err, domain.ErrInvalidAmount):
		return ErrInvalidAmount
	case errors.Is(err, domain.ErrInvalidOwner):
		return ErrInvalidOwner
	case errors.Is(err, domain.ErrWalletInactive):
		return ErrWalletInactive
	case errors.Is(err, domain.ErrBankNotVerified):
		return ErrBankNotVerified
	case errors.Is(err, domain.ErrBelowMinimumWithdrawal):
		return ErrBelowMinimum
	case errors.Is(err, domain.ErrTransactionNotPending):
		return ErrTransactionNotPending
	case errors.Is(err, domain.ErrInvalidTransactionStatus):
		return ErrInvalidStatus
	case errors.Is(err, domain.ErrVersionConflict):
		return ErrVersionConflict
	case errors.Is(err, commission.ErrInvalidRate):
		return ErrInvalidCommission
	case errors.Is(err, commission.ErrLineItemMismatch), errors.Is(err, domain.ErrInvariantViolation):
		return ErrInvariantViolation
	case errors.Is(err, domain.ErrDistributionNotDeadLetter):
		return ErrNotDeadLetter
	case errors.Is(err, distribution.ErrAlreadyRunning), errors.Is(err, distribution.ErrLockHeld):
		return ErrRunInProgress
	case errors.Is(err, domain.ErrPlatformOperatorUnset):
		return ErrPlatformOperatorUnset
	case errors.Is(err, domain.ErrDuplicateIdempotencyKey):
		return ErrIdempotencyConflict
	case errors.Is(err, domain.ErrInvalidRequest):
		return ErrInvalidRequest
	default:
		slog.Error("unhandled domain error", "error", err)
		return ErrInternalError
	}
}
