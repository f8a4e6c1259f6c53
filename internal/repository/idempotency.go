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

// IdempotencyEntry is a stored response for a (key, caller) pair. An entry
// with a zero StatusCode is a claim whose request is still running.
type IdempotencyEntry struct {
	Key          string
	CallerID     uuid.UUID
	RequestHash  string
	StatusCode   int
	ResponseBody []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

func (e *IdempotencyEntry) InFlight() bool {
	return e.StatusCode == 0
}

type IdempotencyRepository struct {
	db *sql.DB
}

func NewIdempotencyRepository(db *sql.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Get returns the live entry for key, or domain.ErrNotFound.
func (r *IdempotencyRepository) Get(ctx context.Context, key string, callerID uuid.UUID) (*IdempotencyEntry, error) {
	var e IdempotencyEntry
	err := r.db.QueryRowContext(ctx,
		`SELECT idempotency_key, caller_id, request_hash, status_code, response_body, created_at, expires_at
		FROM idempotency_cache
		WHERE idempotency_key = $1 AND caller_id = $2 AND expires_at > now()`,
		key, callerID,
	).Scan(&e.Key, &e.CallerID, &e.RequestHash, &e.StatusCode, &e.ResponseBody, &e.CreatedAt, &e.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("Get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("Get: %w", err)
	}
	return &e, nil
}

// Claim inserts an in-flight entry for (key, caller) that lives until
// expiresAt. An expired entry under the same key is replaced; a live one
// yields domain.ErrDuplicateIdempotencyKey, so only one request per key runs.
func (r *IdempotencyRepository) Claim(ctx context.Context, key string, callerID uuid.UUID, requestHash string, now, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO idempotency_cache (idempotency_key, caller_id, request_hash, status_code, response_body, created_at, expires_at)
		VALUES ($1, $2, $3, 0, ''::bytea, $4, $5)
		ON CONFLICT (idempotency_key, caller_id) DO UPDATE SET
			request_hash = EXCLUDED.request_hash, status_code = 0,
			response_body = ''::bytea, created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_cache.expires_at <= now()`,
		key, callerID, requestHash, now, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("Claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Claim: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("Claim: %w", domain.ErrDuplicateIdempotencyKey)
	}
	return nil
}

// Complete stores the response on a claimed entry and extends it to
// expiresAt.
func (r *IdempotencyRepository) Complete(ctx context.Context, key string, callerID uuid.UUID, statusCode int, body []byte, expiresAt time.Time) error {
	if body == nil {
		body = []byte{}
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE idempotency_cache SET status_code = $1, response_body = $2, expires_at = $3
		WHERE idempotency_key = $4 AND caller_id = $5 AND status_code = 0`,
		statusCode, body, expiresAt, key, callerID,
	)
	if err != nil {
		return fmt.Errorf("Complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Complete: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("Complete: %w", domain.ErrNotFound)
	}
	return nil
}

// Release drops an in-flight claim so the key can be used again. Completed
// entries are kept.
func (r *IdempotencyRepository) Release(ctx context.Context, key string, callerID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_cache
		WHERE idempotency_key = $1 AND caller_id = $2 AND status_code = 0`,
		key, callerID,
	)
	if err != nil {
		return fmt.Errorf("Release: %w", err)
	}
	return nil
}

func (r *IdempotencyRepository) CleanExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_cache WHERE expires_at < now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("CleanExpired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("CleanExpired: rows affected: %w", err)
	}
	return n, nil
}
