package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/tutorpay/internal/domain"
	"github.com/josh-kwaku/tutorpay/internal/logging"
	"github.com/josh-kwaku/tutorpay/internal/wallet"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type walletService interface {
	Summary(ctx context.Context, owner domain.Owner, limit, offset int) (*wallet.Summary, error)
	RequestWithdrawal(ctx context.Context, owner domain.Owner, amount int64, note string) (*domain.Transaction, error)
	UpdateBankDetails(ctx context.Context, owner domain.Owner, bank domain.BankDetails) (*domain.Wallet, error)
	VerifyBankDetails(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error)
	SettleTransaction(ctx context.Context, txID uuid.UUID, status domain.TransactionStatus) (*domain.Transaction, error)
}

type WalletHandler struct {
	wallets walletService
}

func NewWalletHandler(wallets walletService) *WalletHandler {
	return &WalletHandler{wallets: wallets}
}

type bankDTO struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
	RoutingCode   string `json:"routing_code,omitempty"`
	Verified      bool   `json:"verified"`
}

type walletDTO struct {
	ID                uuid.UUID  `json:"id"`
	OwnerKind         string     `json:"owner_kind"`
	OwnerID           uuid.UUID  `json:"owner_id"`
	Balance           int64      `json:"balance"`
	Available         int64      `json:"available"`
	TotalEarnings     int64      `json:"total_earnings"`
	TotalWithdrawals  int64      `json:"total_withdrawals"`
	PendingAmount     int64      `json:"pending_amount"`
	Bank              *bankDTO   `json:"bank_details"`
	MinWithdrawal     int64      `json:"min_withdrawal_amount"`
	AutoWithdrawalDay *int       `json:"auto_withdrawal_day"`
	IsActive          bool       `json:"is_active"`
	LastTransactionAt *time.Time `json:"last_transaction_at"`
	CreatedAt         time.Time  `json:"created_at"`
}

func toWalletDTO(w *domain.Wallet) walletDTO {
	dto := walletDTO{
		ID:                w.ID,
		OwnerKind:         string(w.Owner.Kind()),
		OwnerID:           w.Owner.ID(),
		Balance:           w.Balance,
		Available:         w.Available(),
		TotalEarnings:     w.TotalEarnings,
		TotalWithdrawals:  w.TotalWithdrawals,
		PendingAmount:     w.PendingAmount,
		MinWithdrawal:     w.Policy.MinimumAmount,
		AutoWithdrawalDay: w.Policy.AutoWithdrawalDay,
		IsActive:          w.IsActive,
		LastTransactionAt: w.LastTransactionAt,
		CreatedAt:         w.CreatedAt,
	}
	if w.Bank != nil {
		dto.Bank = &bankDTO{
			AccountName:   w.Bank.AccountName,
			AccountNumber: maskAccountNumber(w.Bank.AccountNumber),
			BankName:      w.Bank.BankName,
			RoutingCode:   w.Bank.RoutingCode,
			Verified:      w.Bank.Verified,
		}
	}
	return dto
}

func maskAccountNumber(n string) string {
	if len(n) <= 4 {
		return n
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}

type transactionDTO struct {
	ID             uuid.UUID       `json:"id"`
	WalletID       uuid.UUID       `json:"wallet_id"`
	Type           string          `json:"type"`
	Amount         int64           `json:"amount"`
	Description    string          `json:"description"`
	OrderRef       *string         `json:"order_ref"`
	PaymentRef     *string         `json:"payment_ref"`
	DistributionID *uuid.UUID      `json:"distribution_id"`
	Status         string          `json:"status"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toTransactionDTO(t *domain.Transaction) transactionDTO {
	return transactionDTO{
		ID:             t.ID,
		WalletID:       t.WalletID,
		Type:           string(t.Type),
		Amount:         t.Amount,
		Description:    t.Description,
		OrderRef:       t.OrderRef,
		PaymentRef:     t.PaymentRef,
		DistributionID: t.DistributionID,
		Status:         string(t.Status),
		Metadata:       t.Metadata,
		CreatedAt:      t.CreatedAt,
	}
}

type transactionPage struct {
	Items  []transactionDTO `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

func (h *WalletHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner, appErr := ownerFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	summary, err := h.wallets.Summary(r.Context(), owner, 1, 0)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to load wallet", "error", err, "owner", owner.String())
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toWalletDTO(summary.Wallet))
}

func (h *WalletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	owner, appErr := ownerFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	limit, offset, fields := pagination(r)
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	summary, err := h.wallets.Summary(r.Context(), owner, limit, offset)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to list transactions", "error", err, "owner", owner.String())
		RespondDomainError(w, err)
		return
	}

	items := make([]transactionDTO, len(summary.Transactions))
	for i := range summary.Transactions {
		items[i] = toTransactionDTO(&summary.Transactions[i])
	}
	RespondSuccess(w, http.StatusOK, transactionPage{Items: items, Total: summary.Total, Limit: limit, Offset: offset})
}

func pagination(r *http.Request) (int, int, []FieldError) {
	var fields []FieldError
	limit, offset := defaultPageSize, 0

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			fields = append(fields, FieldError{Field: "limit", Message: "must be between 1 and 100"})
		} else {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fields = append(fields, FieldError{Field: "offset", Message: "must be zero or positive"})
		} else {
			offset = n
		}
	}
	return limit, offset, fields
}

type withdrawalRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

func (r withdrawalRequest) Validate() []FieldError {
	var errs []FieldError
	if r.Amount <= 0 {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than zero"})
	}
	if len(r.Note) > 255 {
		errs = append(errs, FieldError{Field: "note", Message: "must be at most 255 characters"})
	}
	return errs
}

func (h *WalletHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	owner, appErr := ownerFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	t, err := h.wallets.RequestWithdrawal(r.Context(), owner, req.Amount, req.Note)
	if err != nil {
		logging.FromContext(r.Context()).Warn("withdrawal rejected", "error", err, "owner", owner.String(), "amount", req.Amount)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusCreated, toTransactionDTO(t))
}

type bankDetailsRequest struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
	RoutingCode   string `json:"routing_code"`
}

func (r bankDetailsRequest) Validate() []FieldError {
	var errs []FieldError
	if strings.TrimSpace(r.AccountName) == "" {
		errs = append(errs, FieldError{Field: "account_name", Message: "required"})
	}
	if strings.TrimSpace(r.AccountNumber) == "" {
		errs = append(errs, FieldError{Field: "account_number", Message: "required"})
	}
	if strings.TrimSpace(r.BankName) == "" {
		errs = append(errs, FieldError{Field: "bank_name", Message: "required"})
	}
	return errs
}

func (h *WalletHandler) UpdateBankDetails(w http.ResponseWriter, r *http.Request) {
	owner, appErr := ownerFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req bankDetailsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	updated, err := h.wallets.UpdateBankDetails(r.Context(), owner, domain.BankDetails{
		AccountName:   strings.TrimSpace(req.AccountName),
		AccountNumber: strings.TrimSpace(req.AccountNumber),
		BankName:      strings.TrimSpace(req.BankName),
		RoutingCode:   strings.TrimSpace(req.RoutingCode),
	})
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to update bank details", "error", err, "owner", owner.String())
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toWalletDTO(updated))
}

func (h *WalletHandler) VerifyBankDetails(w http.ResponseWriter, r *http.Request) {
	walletID, appErr := uuidParam(r, "walletID")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	updated, err := h.wallets.VerifyBankDetails(r.Context(), walletID)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to verify bank details", "error", err, "wallet_id", walletID)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toWalletDTO(updated))
}

type settleRequest struct {
	Status string `json:"status"`
}

func (r settleRequest) Validate() []FieldError {
	switch domain.TransactionStatus(r.Status) {
	case domain.TransactionStatusCompleted, domain.TransactionStatusFailed, domain.TransactionStatusCancelled:
		return nil
	}
	return []FieldError{{Field: "status", Message: "must be completed, failed, or cancelled"}}
}

func (h *WalletHandler) SettleTransaction(w http.ResponseWriter, r *http.Request) {
	txID, appErr := uuidParam(r, "txID")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	t, err := h.wallets.SettleTransaction(r.Context(), txID, domain.TransactionStatus(req.Status))
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to settle transaction", "error", err, "transaction_id", txID)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toTransactionDTO(t))
}
