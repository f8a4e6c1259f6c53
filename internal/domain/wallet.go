package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TransactionType string

const (
	TransactionTypeCredit     TransactionType = "credit"
	TransactionTypeDebit      TransactionType = "debit"
	TransactionTypeCommission TransactionType = "commission"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
	TransactionTypeRefund     TransactionType = "refund"
)

func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionTypeCredit, TransactionTypeDebit, TransactionTypeCommission,
		TransactionTypeWithdrawal, TransactionTypeRefund:
		return true
	}
	return false
}

// IsCredit reports whether a completed transaction of this type increases the
// balance.
func (t TransactionType) IsCredit() bool {
	return t == TransactionTypeCredit || t == TransactionTypeCommission
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

func (s TransactionStatus) IsValid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusCompleted,
		TransactionStatusFailed, TransactionStatusCancelled:
		return true
	}
	return false
}

type BankDetails struct {
	AccountName   string
	AccountNumber string
	BankName      string
	RoutingCode   string
	Verified      bool
}

type WithdrawalPolicy struct {
	MinimumAmount     int64
	AutoWithdrawalDay *int
}

type Wallet struct {
	ID                uuid.UUID
	Owner             Owner
	Balance           int64
	TotalEarnings     int64
	TotalWithdrawals  int64
	PendingAmount     int64
	Bank              *BankDetails
	Policy            WithdrawalPolicy
	IsActive          bool
	Version           int64
	LastTransactionAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Transaction struct {
	ID             uuid.UUID
	WalletID       uuid.UUID
	Type           TransactionType
	Amount         int64
	Description    string
	OrderRef       *string
	PaymentRef     *string
	DistributionID *uuid.UUID
	Status         TransactionStatus
	Metadata       json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Available is the part of the balance not reserved by pending withdrawals.
func (w *Wallet) Available() int64 {
	return w.Balance - w.PendingAmount
}

// CanWithdraw reports whether amount may be requested as a withdrawal.
func (w *Wallet) CanWithdraw(amount int64) bool {
	return w.checkWithdrawal(amount) == nil
}

func (w *Wallet) checkWithdrawal(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !w.IsActive {
		return ErrWalletInactive
	}
	if w.Bank == nil || !w.Bank.Verified {
		return ErrBankNotVerified
	}
	if amount < w.Policy.MinimumAmount {
		return ErrBelowMinimumWithdrawal
	}
	if w.Balance < amount {
		return ErrInsufficientFunds
	}
	return nil
}

// CheckWithdrawal is CanWithdraw with the reason, and it also refuses amounts
// already reserved by other pending withdrawals.
func (w *Wallet) CheckWithdrawal(amount int64) error {
	if err := w.checkWithdrawal(amount); err != nil {
		return err
	}
	if w.Available() < amount {
		return ErrInsufficientFunds
	}
	return nil
}

// Apply folds a newly appended transaction into the wallet totals. It and
// Settle are the only code that changes Balance. On error the wallet is left
// untouched.
func (w *Wallet) Apply(t *Transaction) error {
	if t.Amount <= 0 {
		return ErrInvalidAmount
	}
	if !t.Type.IsValid() {
		return fmt.Errorf("Apply: type %q: %w", t.Type, ErrInvalidRequest)
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("Apply: %w", ErrInvalidTransactionStatus)
	}

	next := *w
	switch t.Status {
	case TransactionStatusCompleted:
		// A direct debit may not spend funds reserved by pending withdrawals.
		if !t.Type.IsCredit() && t.Amount > next.Available() {
			if t.Type != TransactionTypeRefund && !w.IsActive {
				return ErrWalletInactive
			}
			return ErrInsufficientFunds
		}
		if err := next.complete(t); err != nil {
			return err
		}
	case TransactionStatusPending:
		if !t.Type.IsCredit() {
			if !w.IsActive {
				return ErrWalletInactive
			}
			if t.Amount > next.Available() {
				return ErrInsufficientFunds
			}
			next.PendingAmount += t.Amount
		}
	}

	ts := t.CreatedAt
	next.LastTransactionAt = &ts
	*w = next
	return nil
}

// Settle moves a pending transaction to a terminal status and adjusts the
// totals it reserved.
func (w *Wallet) Settle(t *Transaction, to TransactionStatus) error {
	if t.Status != TransactionStatusPending {
		return ErrTransactionNotPending
	}
	if to == TransactionStatusPending || !to.IsValid() {
		return ErrInvalidTransactionStatus
	}

	next := *w
	if !t.Type.IsCredit() {
		next.PendingAmount -= t.Amount
	}
	if to == TransactionStatusCompleted {
		if err := next.complete(t); err != nil {
			return err
		}
	}

	*w = next
	return nil
}

func (w *Wallet) complete(t *Transaction) error {
	switch {
	case t.Type.IsCredit():
		w.Balance += t.Amount
		w.TotalEarnings += t.Amount
		return nil
	case t.Type == TransactionTypeRefund:
		if w.Balance < t.Amount {
			return ErrInsufficientFunds
		}
		w.Balance -= t.Amount
		w.TotalEarnings -= t.Amount
		return nil
	default:
		if !w.IsActive {
			return ErrWalletInactive
		}
		if w.Balance < t.Amount {
			return ErrInsufficientFunds
		}
		w.Balance -= t.Amount
		w.TotalWithdrawals += t.Amount
		return nil
	}
}
