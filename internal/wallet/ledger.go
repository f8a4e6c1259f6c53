// Package wallet keeps per-owner balances. Every balance change is an appended
// transaction applied through domain.Wallet.Apply or domain.Wallet.Settle
// under a row lock on the wallet.
package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/tutorpay/internal/domain"
	"github.com/josh-kwaku/tutorpay/internal/logging"
	"github.com/josh-kwaku/tutorpay/internal/repository"
)

type walletRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error)
	GetByOwner(ctx context.Context, owner domain.Owner) (*domain.Wallet, error)
	Create(ctx context.Context, w *domain.Wallet) (bool, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Wallet, error)
	UpdateTotals(ctx context.Context, tx *sql.Tx, w *domain.Wallet, now time.Time) error
	UpdateBank(ctx context.Context, id uuid.UUID, bank domain.BankDetails, now time.Time) error
	VerifyBank(ctx context.Context, id uuid.UUID, now time.Time) error
}

type transactionRepo interface {
	Create(ctx context.Context, tx *sql.Tx, t *domain.Transaction) error
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Transaction, error)
	UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.TransactionStatus, now time.Time) error
	ListByWallet(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.Transaction, int, error)
}

// Guard is run inside the credit transaction by CreditOnce.
type Guard = repository.Guard

type Options struct {
	MinWithdrawalAmount int64
}

type Ledger struct {
	wallets      walletRepo
	transactions transactionRepo
	db           *sql.DB
	opts         Options
	now          func() time.Time
}

func NewLedger(wallets walletRepo, transactions transactionRepo, db *sql.DB, opts Options) *Ledger {
	return &Ledger{
		wallets:      wallets,
		transactions: transactions,
		db:           db,
		opts:         opts,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) FindByOwner(ctx context.Context, owner domain.Owner) (*domain.Wallet, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("FindByOwner: %w", domain.ErrInvalidOwner)
	}
	w, err := l.wallets.GetByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("FindByOwner: %w", err)
	}
	return w, nil
}

// CreateWallet returns the owner's wallet, creating an empty one first if the
// owner has none. Concurrent callers end up with the same wallet.
func (l *Ledger) CreateWallet(ctx context.Context, owner domain.Owner) (*domain.Wallet, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("CreateWallet: %w", domain.ErrInvalidOwner)
	}

	w, err := l.wallets.GetByOwner(ctx, owner)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("CreateWallet: %w", err)
	}

	now := l.now()
	created, err := l.wallets.Create(ctx, &domain.Wallet{
		ID:        uuid.New(),
		Owner:     owner,
		Policy:    domain.WithdrawalPolicy{MinimumAmount: l.opts.MinWithdrawalAmount},
		IsActive:  true,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("CreateWallet: %w", err)
	}

	w, err = l.wallets.GetByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("CreateWallet: read back: %w", err)
	}
	if created {
		logging.FromContext(ctx).Info("wallet created",
			"wallet_id", w.ID,
			"owner_kind", owner.Kind(),
			"owner_id", owner.ID(),
		)
	}
	return w, nil
}

// AddTransaction appends t to its wallet and applies it to the balance in one
// database transaction. Missing ID, status and timestamps are filled in.
func (l *Ledger) AddTransaction(ctx context.Context, t *domain.Transaction) error {
	err := repository.InTx(ctx, l.db, func(tx *sql.Tx) error {
		return l.AddTransactionTx(ctx, tx, t)
	})
	if err != nil {
		return fmt.Errorf("AddTransaction: %w", err)
	}
	return nil
}

// AddTransactionTx is AddTransaction inside the caller's transaction.
func (l *Ledger) AddTransactionTx(ctx context.Context, tx *sql.Tx, t *domain.Transaction) error {
	if err := l.appendLocked(ctx, tx, t, nil); err != nil {
		return fmt.Errorf("AddTransactionTx: %w", err)
	}
	return nil
}

// CreditOnce appends the credit t only if guard can be acquired, and commits
// the guard and the append together. It reports whether the credit was
// applied by this call.
func (l *Ledger) CreditOnce(ctx context.Context, guard Guard, t *domain.Transaction) (bool, error) {
	if !t.Type.IsCredit() {
		return false, fmt.Errorf("CreditOnce: type %q: %w", t.Type, domain.ErrInvalidRequest)
	}

	var applied bool
	err := repository.InTx(ctx, l.db, func(tx *sql.Tx) error {
		ok, err := guard.Acquire(ctx, tx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := l.appendLocked(ctx, tx, t, nil); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("CreditOnce: %w", err)
	}
	return applied, nil
}

// CanWithdraw reports whether amount may be withdrawn from w right now.
func (l *Ledger) CanWithdraw(w *domain.Wallet, amount int64) bool {
	return w.CanWithdraw(amount)
}

// RequestWithdrawal records a pending withdrawal. The amount is reserved
// against the balance until the withdrawal is settled.
func (l *Ledger) RequestWithdrawal(ctx context.Context, owner domain.Owner, amount int64, note string) (*domain.Transaction, error) {
	w, err := l.FindByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("RequestWithdrawal: %w", err)
	}

	description := "Withdrawal request"
	if note = strings.TrimSpace(note); note != "" {
		description = note
	}
	t := &domain.Transaction{
		WalletID:    w.ID,
		Type:        domain.TransactionTypeWithdrawal,
		Amount:      amount,
		Description: description,
		Status:      domain.TransactionStatusPending,
	}

	err = repository.InTx(ctx, l.db, func(tx *sql.Tx) error {
		return l.appendLocked(ctx, tx, t, func(locked *domain.Wallet) error {
			return locked.CheckWithdrawal(amount)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("RequestWithdrawal: %w", err)
	}

	logging.FromContext(ctx).Info("withdrawal requested",
		"wallet_id", w.ID,
		"transaction_id", t.ID,
		"amount", amount,
	)
	return t, nil
}

// SettleTransaction moves a pending transaction to a terminal status. This is
// how payouts executed outside the system are reflected in the wallet.
func (l *Ledger) SettleTransaction(ctx context.Context, txID uuid.UUID, status domain.TransactionStatus) (*domain.Transaction, error) {
	var settled *domain.Transaction
	err := repository.InTx(ctx, l.db, func(tx *sql.Tx) error {
		t, err := l.transactions.GetForUpdate(ctx, tx, txID)
		if err != nil {
			return err
		}
		w, err := l.wallets.GetForUpdate(ctx, tx, t.WalletID)
		if err != nil {
			return err
		}
		if err := w.Settle(t, status); err != nil {
			return err
		}

		now := l.now()
		if err := l.transactions.UpdateStatus(ctx, tx, t.ID, status, now); err != nil {
			return err
		}
		if err := l.wallets.UpdateTotals(ctx, tx, w, now); err != nil {
			return err
		}
		t.Status = status
		t.UpdatedAt = now
		settled = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("SettleTransaction: %w", err)
	}

	logging.FromContext(ctx).Info("transaction settled",
		"transaction_id", settled.ID,
		"wallet_id", settled.WalletID,
		"status", status,
	)
	return settled, nil
}

// UpdateBankDetails stores new payout details for the owner. The details need
// to be verified again before the next withdrawal.
func (l *Ledger) UpdateBankDetails(ctx context.Context, owner domain.Owner, bank domain.BankDetails) (*domain.Wallet, error) {
	if strings.TrimSpace(bank.AccountName) == "" || strings.TrimSpace(bank.AccountNumber) == "" ||
		strings.TrimSpace(bank.BankName) == "" {
		return nil, fmt.Errorf("UpdateBankDetails: %w", domain.ErrInvalidRequest)
	}

	w, err := l.CreateWallet(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("UpdateBankDetails: %w", err)
	}
	if err := l.wallets.UpdateBank(ctx, w.ID, bank, l.now()); err != nil {
		return nil, fmt.Errorf("UpdateBankDetails: %w", err)
	}
	w, err = l.wallets.GetByID(ctx, w.ID)
	if err != nil {
		return nil, fmt.Errorf("UpdateBankDetails: %w", err)
	}
	return w, nil
}

func (l *Ledger) VerifyBankDetails(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	w, err := l.wallets.GetByID(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("VerifyBankDetails: %w", err)
	}
	if w.Bank == nil {
		return nil, fmt.Errorf("VerifyBankDetails: no bank details on file: %w", domain.ErrInvalidRequest)
	}
	if err := l.wallets.VerifyBank(ctx, walletID, l.now()); err != nil {
		return nil, fmt.Errorf("VerifyBankDetails: %w", err)
	}
	w, err = l.wallets.GetByID(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("VerifyBankDetails: %w", err)
	}
	return w, nil
}

type Summary struct {
	Wallet       *domain.Wallet
	Transactions []domain.Transaction
	Total        int
}

// Summary is the read model for dashboards. The wallet is created on first
// lookup.
func (l *Ledger) Summary(ctx context.Context, owner domain.Owner, limit, offset int) (*Summary, error) {
	w, err := l.CreateWallet(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("Summary: %w", err)
	}
	txs, total, err := l.transactions.ListByWallet(ctx, w.ID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("Summary: %w", err)
	}
	return &Summary{Wallet: w, Transactions: txs, Total: total}, nil
}

// appendLocked locks the wallet row, runs check against the locked state,
// applies t and writes both the transaction and the new totals.
func (l *Ledger) appendLocked(ctx context.Context, tx *sql.Tx, t *domain.Transaction, check func(*domain.Wallet) error) error {
	now := l.now()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = domain.TransactionStatusCompleted
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	w, err := l.wallets.GetForUpdate(ctx, tx, t.WalletID)
	if err != nil {
		return fmt.Errorf("appendLocked: %w", err)
	}
	if check != nil {
		if err := check(w); err != nil {
			return fmt.Errorf("appendLocked: %w", err)
		}
	}
	if err := w.Apply(t); err != nil {
		return fmt.Errorf("appendLocked: %w", err)
	}
	if err := l.transactions.Create(ctx, tx, t); err != nil {
		return fmt.Errorf("appendLocked: %w", err)
	}
	if err := l.wallets.UpdateTotals(ctx, tx, w, now); err != nil {
		return fmt.Errorf("appendLocked: %w", err)
	}
	return nil
}
