package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/tutorpay/internal/domain"
)

const walletColumns = `id, owner_kind, owner_id, balance, total_earnings, total_withdrawals,
	pending_amount, bank_account_name, bank_account_number, bank_name, bank_routing_code,
	bank_verified, min_withdrawal_amount, auto_withdrawal_day, is_active, version,
	last_transaction_at, created_at, updated_at`

type WalletRepository struct {
	db *sql.DB
}

func NewWalletRepository(db *sql.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id,
	)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return w, nil
}

func (r *WalletRepository) GetByOwner(ctx context.Context, owner domain.Owner) (*domain.Wallet, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_kind = $1 AND owner_id = $2`,
		owner.Kind(), owner.ID(),
	)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByOwner: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByOwner: %w", err)
	}
	return w, nil
}

// Create inserts the wallet unless one already exists for its owner. It
// reports whether a row was inserted.
func (r *WalletRepository) Create(ctx context.Context, w *domain.Wallet) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO wallets (
			id, owner_kind, owner_id, balance, total_earnings, total_withdrawals,
			pending_amount, min_withdrawal_amount, auto_withdrawal_day, is_active, version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (owner_kind, owner_id) DO NOTHING`,
		w.ID, w.Owner.Kind(), w.Owner.ID(), w.Balance, w.TotalEarnings, w.TotalWithdrawals,
		w.PendingAmount, w.Policy.MinimumAmount, w.Policy.AutoWithdrawalDay, w.IsActive, w.Version,
		w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("Create: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("Create: rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *WalletRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Wallet, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id,
	)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return w, nil
}

// UpdateTotals writes the balance fields of w, guarded by w.Version. On
// success w.Version is bumped to the stored value.
func (r *WalletRepository) UpdateTotals(ctx context.Context, tx *sql.Tx, w *domain.Wallet, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE wallets SET
			balance = $1, total_earnings = $2, total_withdrawals = $3, pending_amount = $4,
			last_transaction_at = $5, version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8`,
		w.Balance, w.TotalEarnings, w.TotalWithdrawals, w.PendingAmount,
		w.LastTransactionAt, now, w.ID, w.Version,
	)
	if err != nil {
		return fmt.Errorf("UpdateTotals: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateTotals: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("UpdateTotals: %w", domain.ErrVersionConflict)
	}
	w.Version++
	w.UpdatedAt = now
	return nil
}

// UpdateBank replaces the bank details and clears the verified flag.
func (r *WalletRepository) UpdateBank(ctx context.Context, id uuid.UUID, bank domain.BankDetails, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE wallets SET
			bank_account_name = $1, bank_account_number = $2, bank_name = $3,
			bank_routing_code = $4, bank_verified = false, updated_at = $5
		WHERE id = $6`,
		bank.AccountName, bank.AccountNumber, bank.BankName, bank.RoutingCode, now, id,
	)
	if err != nil {
		return fmt.Errorf("UpdateBank: %w", err)
	}
	return requireOneRow(res, "UpdateBank")
}

func (r *WalletRepository) VerifyBank(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE wallets SET bank_verified = true, updated_at = $1
		WHERE id = $2 AND bank_account_number IS NOT NULL`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("VerifyBank: %w", err)
	}
	return requireOneRow(res, "VerifyBank")
}

func requireOneRow(res sql.Result, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return nil
}

func scanWallet(s scanner) (*domain.Wallet, error) {
	var (
		w        domain.Wallet
		kind     string
		ownerID  uuid.UUID
		verified bool
		autoDay  *int

		accName, accNumber, bank, routing *string
	)
	err := s.Scan(
		&w.ID, &kind, &ownerID, &w.Balance, &w.TotalEarnings, &w.TotalWithdrawals,
		&w.PendingAmount, &accName, &accNumber, &bank, &routing,
		&verified, &w.Policy.MinimumAmount, &autoDay, &w.IsActive, &w.Version,
		&w.LastTransactionAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	owner, err := domain.ParseOwner(kind, ownerID)
	if err != nil {
		return nil, fmt.Errorf("scanWallet: %w", err)
	}
	w.Owner = owner
	w.Policy.AutoWithdrawalDay = autoDay

	if accNumber != nil {
		w.Bank = &domain.BankDetails{
			AccountNumber: *accNumber,
			Verified:      verified,
		}
		if accName != nil {
			w.Bank.AccountName = *accName
		}
		if bank != nil {
			w.Bank.BankName = *bank
		}
		if routing != nil {
			w.Bank.RoutingCode = *routing
		}
	}
	return &w, nil
}
