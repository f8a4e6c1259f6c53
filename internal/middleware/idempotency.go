package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/tutorpay/internal/auth"
	"github.com/josh-kwaku/tutorpay/internal/domain"
	"github.com/josh-kwaku/tutorpay/internal/handler"
	"github.com/josh-kwaku/tutorpay/internal/logging"
	"github.com/josh-kwaku/tutorpay/internal/repository"
)

type idempotencyRepository interface {
	Get(ctx context.Context, key string, callerID uuid.UUID) (*repository.IdempotencyEntry, error)
	Claim(ctx context.Context, key string, callerID uuid.UUID, requestHash string, now, expiresAt time.Time) error
	Complete(ctx context.Context, key string, callerID uuid.UUID, statusCode int, body []byte, expiresAt time.Time) error
	Release(ctx context.Context, key string, callerID uuid.UUID) error
}

const (
	idempotencyTTL = 24 * time.Hour
	// A claim left behind by a crashed request frees the key after this.
	idempotencyClaimTTL = time.Minute
)

// Idempotency replays the stored response when a caller repeats a mutating
// request with the same Idempotency-Key. The key is claimed before the handler
// runs, so concurrent repeats get 409 instead of running twice. Only 2xx
// responses are stored; any other outcome releases the claim so a rejected
// withdrawal can be retried once the wallet allows it.
func Idempotency(repo idempotencyRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				handler.RespondAppError(w, handler.ErrMissingIdempotencyKey, nil)
				return
			}

			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				handler.RespondAppError(w, handler.ErrMissingToken, nil)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				handler.RespondAppError(w, handler.ErrInvalidRequest, nil)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := r.Context()
			log := logging.FromContext(ctx).With("idempotency_key", key)
			reqHash := computeHash(r.Method, r.URL.Path, body)

			existing, err := repo.Get(ctx, key, claims.Subject)
			if err == nil {
				respondExisting(w, existing, reqHash, log)
				return
			}
			if !errors.Is(err, domain.ErrNotFound) {
				log.Error("idempotency cache lookup failed", "error", err)
				handler.RespondAppError(w, handler.ErrInternalError, nil)
				return
			}

			now := time.Now().UTC()
			if err := repo.Claim(ctx, key, claims.Subject, reqHash, now, now.Add(idempotencyClaimTTL)); err != nil {
				if !errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
					log.Error("idempotency claim failed", "error", err)
					handler.RespondAppError(w, handler.ErrInternalError, nil)
					return
				}
				existing, err := repo.Get(ctx, key, claims.Subject)
				if err != nil {
					handler.RespondAppError(w, handler.ErrIdempotencyInProgress, nil)
					return
				}
				respondExisting(w, existing, reqHash, log)
				return
			}

			storeCtx := context.WithoutCancel(ctx)
			succeeded := false
			defer func() {
				if succeeded {
					return
				}
				if err := repo.Release(storeCtx, key, claims.Subject); err != nil {
					log.Error("idempotency claim release failed", "error", err)
				}
			}()

			rec := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode < 200 || rec.statusCode >= 300 {
				return
			}
			// A failed store keeps the claim, so repeats get 409 until it expires.
			succeeded = true
			expires := time.Now().UTC().Add(idempotencyTTL)
			if err := repo.Complete(storeCtx, key, claims.Subject, rec.statusCode, rec.body.Bytes(), expires); err != nil {
				log.Error("idempotency cache store failed", "error", err)
			}
		})
	}
}

func respondExisting(w http.ResponseWriter, e *repository.IdempotencyEntry, reqHash string, log *slog.Logger) {
	switch {
	case e.RequestHash != reqHash:
		handler.RespondAppError(w, handler.ErrIdempotencyConflict, nil)
	case e.InFlight():
		handler.RespondAppError(w, handler.ErrIdempotencyInProgress, nil)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotent-Replayed", "true")
		w.WriteHeader(e.StatusCode)
		if _, err := w.Write(e.ResponseBody); err != nil {
			log.Error("failed to write idempotent replay", "error", err)
		}
	}
}

func computeHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte(path))
	h.Write(body)
	return fmt.Sprintf("%x", h.Sum(nil))
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
