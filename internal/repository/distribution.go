package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/tutorpay/internal/domain"
)

const distributionColumns = `id, order_id, gateway_order_id, gateway_payment_id, buyer_id,
	course_owner_id, owner_name, total_amount, commission_percentage, admin_commission,
	owner_amount, line_items, status, platform_wallet_updated, owner_wallet_updated,
	retry_count, last_retry_at, error_message, distributed_at, claimed_by, claimed_at,
	created_at, updated_at`

var legColumns = map[domain.Leg]string{
	domain.LegPlatform: "platform_wallet_updated",
	domain.LegOwner:    "owner_wallet_updated",
}

type DistributionRepository struct {
	db *sql.DB
}

func NewDistributionRepository(db *sql.DB) *DistributionRepository {
	return &DistributionRepository{db: db}
}

// CreateForOrder inserts every record of one order in a single transaction.
// Records that already exist for (order, course owner) are left untouched, so
// replaying the same order is harmless. It returns what is stored for the
// order afterwards.
func (r *DistributionRepository) CreateForOrder(ctx context.Context, records []domain.Distribution) ([]domain.Distribution, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("CreateForOrder: %w", domain.ErrInvalidRequest)
	}
	orderID := records[0].OrderID

	var stored []domain.Distribution
	err := InTx(ctx, r.db, func(tx *sql.Tx) error {
		for i := range records {
			if records[i].OrderID != orderID {
				return fmt.Errorf("mixed orders %q and %q: %w", orderID, records[i].OrderID, domain.ErrInvalidRequest)
			}
			if err := insertDistribution(ctx, tx, &records[i]); err != nil {
				return err
			}
		}
		var err error
		stored, err = listByOrder(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("CreateForOrder: %w", err)
	}
	return stored, nil
}

func insertDistribution(ctx context.Context, tx *sql.Tx, d *domain.Distribution) error {
	items, err := json.Marshal(d.LineItems)
	if err != nil {
		return fmt.Errorf("insertDistribution: marshal line items: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO distributions (
			id, order_id, gateway_order_id, gateway_payment_id, buyer_id,
			course_owner_id, owner_name, total_amount, commission_percentage, admin_commission,
			owner_amount, line_items, status, platform_wallet_updated, owner_wallet_updated,
			retry_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (order_id, course_owner_id) DO NOTHING`,
		d.ID, d.OrderID, d.GatewayOrderID, d.GatewayPaymentID, d.BuyerID,
		d.CourseOwnerID, d.OwnerName, d.TotalAmount, d.CommissionPercentage, d.AdminCommission,
		d.OwnerAmount, items, d.Status, d.PlatformWalletUpdated, d.OwnerWalletUpdated,
		d.RetryCount, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insertDistribution: %w", err)
	}
	return nil
}

func (r *DistributionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Distribution, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+distributionColumns+` FROM distributions WHERE id = $1`, id,
	)
	d, err := scanDistribution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return d, nil
}

func (r *DistributionRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Distribution, error) {
	ds, err := listByOrder(ctx, r.db, orderID)
	if err != nil {
		return nil, fmt.Errorf("ListByOrder: %w", err)
	}
	return ds, nil
}

func listByOrder(ctx context.Context, q querier, orderID string) ([]domain.Distribution, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+distributionColumns+` FROM distributions
		WHERE order_id = $1 ORDER BY created_at, course_owner_id`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("listByOrder: %w", err)
	}
	return collectDistributions(rows)
}

// LeaseExpiredReason is the error message recorded when a processing lease runs
// out before the record finishes.
const LeaseExpiredReason = "processing lease expired"

// ClaimPending leases up to limit unfinished records to instanceID and moves
// them to processing. Processing records whose lease is older than
// staleBefore are first marked failed with one more retry counted, so a record
// that keeps crashing its claimer ends up a dead letter. Eligible are then
// pending and failed records under the retry ceiling. Rows locked by another
// claimer are skipped.
func (r *DistributionRepository) ClaimPending(ctx context.Context, instanceID string, now, staleBefore time.Time, maxRetries, limit int) ([]domain.Distribution, error) {
	var ds []domain.Distribution
	err := InTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE distributions SET
				status = $1, retry_count = retry_count + 1, last_retry_at = $2,
				error_message = $3, claimed_by = NULL, claimed_at = NULL, updated_at = $2
			WHERE status = $4 AND claimed_at < $5`,
			domain.DistributionStatusFailed, now, LeaseExpiredReason,
			domain.DistributionStatusProcessing, staleBefore,
		)
		if err != nil {
			return fmt.Errorf("expire leases: %w", err)
		}

		rows, err := tx.QueryContext(ctx,
			`UPDATE distributions SET
				status = $1, claimed_by = $2, claimed_at = $3, updated_at = $3
			WHERE id IN (
				SELECT id FROM distributions
				WHERE retry_count < $4 AND status IN ($5, $6)
				ORDER BY created_at
				LIMIT $7
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+distributionColumns,
			domain.DistributionStatusProcessing, instanceID, now,
			maxRetries, domain.DistributionStatusPending, domain.DistributionStatusFailed,
			limit,
		)
		if err != nil {
			return err
		}
		ds, err = collectDistributions(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ClaimPending: %w", err)
	}
	return ds, nil
}

// LegGuard returns the one-shot guard for a wallet credit of the record.
func (r *DistributionRepository) LegGuard(id uuid.UUID, leg domain.Leg) Guard {
	return &LegGuard{id: id, leg: leg}
}

// MarkLegApplied sets the leg flag outside a wallet credit, for legs that
// carry no money.
func (r *DistributionRepository) MarkLegApplied(ctx context.Context, id uuid.UUID, leg domain.Leg) error {
	if _, err := setLegFlag(ctx, r.db, id, leg); err != nil {
		return fmt.Errorf("MarkLegApplied: %w", err)
	}
	return nil
}

// LegGuard flips one applied flag from false to true. Run inside the wallet
// credit transaction it makes the flag and the credit commit together.
type LegGuard struct {
	id  uuid.UUID
	leg domain.Leg
}

func (g *LegGuard) Acquire(ctx context.Context, tx *sql.Tx) (bool, error) {
	acquired, err := setLegFlag(ctx, tx, g.id, g.leg)
	if err != nil {
		return false, fmt.Errorf("LegGuard.Acquire: %w", err)
	}
	return acquired, nil
}

func setLegFlag(ctx context.Context, q querier, id uuid.UUID, leg domain.Leg) (bool, error) {
	col, ok := legColumns[leg]
	if !ok {
		return false, fmt.Errorf("setLegFlag: leg %q: %w", leg, domain.ErrInvalidRequest)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE distributions SET `+col+` = true, updated_at = now()
		WHERE id = $1 AND NOT `+col, id,
	)
	if err != nil {
		return false, fmt.Errorf("setLegFlag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("setLegFlag: rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	err = q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM distributions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("setLegFlag: exists: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("setLegFlag: %w", domain.ErrNotFound)
	}
	return false, nil
}

// MarkCompleted only succeeds when both legs are applied.
func (r *DistributionRepository) MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE distributions SET
			status = $1, distributed_at = $2, error_message = NULL,
			claimed_by = NULL, claimed_at = NULL, updated_at = $2
		WHERE id = $3 AND platform_wallet_updated AND owner_wallet_updated`,
		domain.DistributionStatusCompleted, now, id,
	)
	if err != nil {
		return fmt.Errorf("MarkCompleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("MarkCompleted: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("MarkCompleted: legs not applied: %w", domain.ErrInvariantViolation)
	}
	return nil
}

// MarkFailed records a failed attempt and returns the new retry count.
// Completed records are never moved back.
func (r *DistributionRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) (int, error) {
	var retries int
	err := r.db.QueryRowContext(ctx,
		`UPDATE distributions SET
			status = $1, error_message = $2, retry_count = retry_count + 1,
			last_retry_at = $3, claimed_by = NULL, claimed_at = NULL, updated_at = $3
		WHERE id = $4 AND status <> $5
		RETURNING retry_count`,
		domain.DistributionStatusFailed, reason, now, id, domain.DistributionStatusCompleted,
	).Scan(&retries)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("MarkFailed: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("MarkFailed: %w", err)
	}
	return retries, nil
}

// ResetFailed moves failed records still under the retry ceiling back to
// pending. The retry count is kept.
func (r *DistributionRepository) ResetFailed(ctx context.Context, maxRetries int, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE distributions SET status = $1, error_message = NULL, updated_at = $2
		WHERE status = $3 AND retry_count < $4`,
		domain.DistributionStatusPending, now, domain.DistributionStatusFailed, maxRetries,
	)
	if err != nil {
		return 0, fmt.Errorf("ResetFailed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ResetFailed: rows affected: %w", err)
	}
	return n, nil
}

// RequeueDeadLetter gives a dead letter a fresh set of retries.
func (r *DistributionRepository) RequeueDeadLetter(ctx context.Context, id uuid.UUID, maxRetries int, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE distributions SET
			status = $1, retry_count = 0, error_message = NULL, updated_at = $2
		WHERE id = $3 AND status = $4 AND retry_count >= $5`,
		domain.DistributionStatusPending, now, id, domain.DistributionStatusFailed, maxRetries,
	)
	if err != nil {
		return fmt.Errorf("RequeueDeadLetter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RequeueDeadLetter: rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return fmt.Errorf("RequeueDeadLetter: %w", err)
	}
	return fmt.Errorf("RequeueDeadLetter: %w", domain.ErrDistributionNotDeadLetter)
}

func (r *DistributionRepository) Stats(ctx context.Context, maxRetries int) (*domain.DistributionStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(total_amount), 0),
			COALESCE(SUM(admin_commission), 0), COALESCE(SUM(owner_amount), 0)
		FROM distributions GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("Stats: %w", err)
	}
	defer rows.Close()

	stats := &domain.DistributionStats{ByStatus: make(map[domain.DistributionStatus]domain.StatusTotals)}
	for rows.Next() {
		var (
			status domain.DistributionStatus
			t      domain.StatusTotals
		)
		if err := rows.Scan(&status, &t.Count, &t.TotalAmount, &t.AdminCommission, &t.OwnerAmount); err != nil {
			return nil, fmt.Errorf("Stats: scan: %w", err)
		}
		stats.ByStatus[status] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Stats: rows: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM distributions WHERE status = $1 AND retry_count >= $2`,
		domain.DistributionStatusFailed, maxRetries,
	).Scan(&stats.DeadLetters)
	if err != nil {
		return nil, fmt.Errorf("Stats: dead letters: %w", err)
	}
	return stats, nil
}

func collectDistributions(rows *sql.Rows) ([]domain.Distribution, error) {
	defer rows.Close()

	var ds []domain.Distribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ds = append(ds, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return ds, nil
}

func scanDistribution(s scanner) (*domain.Distribution, error) {
	var (
		d     domain.Distribution
		items []byte
	)
	err := s.Scan(
		&d.ID, &d.OrderID, &d.GatewayOrderID, &d.GatewayPaymentID, &d.BuyerID,
		&d.CourseOwnerID, &d.OwnerName, &d.TotalAmount, &d.CommissionPercentage, &d.AdminCommission,
		&d.OwnerAmount, &items, &d.Status, &d.PlatformWalletUpdated, &d.OwnerWalletUpdated,
		&d.RetryCount, &d.LastRetryAt, &d.ErrorMessage, &d.DistributedAt, &d.ClaimedBy, &d.ClaimedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &d.LineItems); err != nil {
			return nil, fmt.Errorf("scanDistribution: line items: %w", err)
		}
	}
	return &d, nil
}
