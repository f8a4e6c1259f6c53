// Package distribution splits paid orders between the platform operator and
// course owners and applies the resulting wallet credits exactly once.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/tutorpay/internal/domain"
	"github.com/josh-kwaku/tutorpay/internal/lock"
	"github.com/josh-kwaku/tutorpay/internal/wallet"
)

var (
	ErrAlreadyRunning = errors.New("distribution run already in progress")
	ErrLockHeld       = lock.ErrLockHeld
)

type store interface {
	ClaimPending(ctx context.Context, instanceID string, now, staleBefore time.Time, maxRetries, limit int) ([]domain.Distribution, error)
	LegGuard(id uuid.UUID, leg domain.Leg) wallet.Guard
	MarkLegApplied(ctx context.Context, id uuid.UUID, leg domain.Leg) error
	MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) (int, error)
	ResetFailed(ctx context.Context, maxRetries int, now time.Time) (int64, error)
	RequeueDeadLetter(ctx context.Context, id uuid.UUID, maxRetries int, now time.Time) error
	Stats(ctx context.Context, maxRetries int) (*domain.DistributionStats, error)
}

type ledger interface {
	CreateWallet(ctx context.Context, owner domain.Owner) (*domain.Wallet, error)
	CreditOnce(ctx context.Context, guard wallet.Guard, t *domain.Transaction) (bool, error)
}

// runLock serialises runs across instances. Acquire fails with
// lock.ErrLockHeld when another instance is running.
type runLock interface {
	Acquire(ctx context.Context) (func(context.Context) error, error)
}

type Options struct {
	PlatformOperatorID uuid.UUID
	InstanceID         string
	MaxRetries         int
	BatchSize          int
	StaleAfter         time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	if o.InstanceID == "" {
		o.InstanceID = "tutorpay"
	}
	return o
}

type RunResult struct {
	Claimed      int `json:"claimed"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

type Processor struct {
	store   store
	ledger  ledger
	lock    runLock
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
	running atomic.Bool
}

func NewProcessor(store store, ledger ledger, logger *slog.Logger, opts Options) *Processor {
	return &Processor{
		store:  store,
		ledger: ledger,
		opts:   opts.withDefaults(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithRunLock makes every run hold l for its duration.
func (p *Processor) WithRunLock(l runLock) *Processor {
	p.lock = l
	return p
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

func (p *Processor) MaxRetries() int {
	return p.opts.MaxRetries
}

// RunOnce claims a batch of unfinished records and drives each one to
// completed or failed. A failing record never aborts the batch; the returned
// error only reports that the run itself could not start or claim work.
func (p *Processor) RunOnce(ctx context.Context) (RunResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		runsTotal.WithLabelValues(runResultBusy).Inc()
		return RunResult{}, ErrAlreadyRunning
	}
	defer p.running.Store(false)

	if p.lock != nil {
		release, err := p.lock.Acquire(ctx)
		if err != nil {
			if errors.Is(err, lock.ErrLockHeld) {
				runsTotal.WithLabelValues(runResultLocked).Inc()
				return RunResult{}, fmt.Errorf("RunOnce: %w", err)
			}
			runsTotal.WithLabelValues(runResultError).Inc()
			return RunResult{}, fmt.Errorf("RunOnce: acquire run lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				p.logger.Warn("failed to release distribution run lock", "error", err)
			}
		}()
	}

	start := time.Now()
	now := p.now()
	claimed, err := p.store.ClaimPending(ctx, p.opts.InstanceID, now, now.Add(-p.opts.StaleAfter), p.opts.MaxRetries, p.opts.BatchSize)
	if err != nil {
		runsTotal.WithLabelValues(runResultError).Inc()
		return RunResult{}, fmt.Errorf("RunOnce: claim: %w", err)
	}

	res := RunResult{Claimed: len(claimed)}
	for i := range claimed {
		switch p.process(ctx, &claimed[i]) {
		case outcomeCompleted:
			res.Completed++
		case outcomeDead:
			res.DeadLettered++
			res.Failed++
		default:
			res.Failed++
		}
	}

	runsTotal.WithLabelValues(runResultOK).Inc()
	if res.Claimed > 0 {
		runDuration.Observe(time.Since(start).Seconds())
		p.logger.Info("distribution run finished",
			"claimed", res.Claimed,
			"completed", res.Completed,
			"failed", res.Failed,
			"dead_lettered", res.DeadLettered,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return res, nil
}

// ProcessImmediately runs one batch synchronously, for operators.
func (p *Processor) ProcessImmediately(ctx context.Context) (RunResult, error) {
	res, err := p.RunOnce(ctx)
	if err != nil {
		return res, fmt.Errorf("ProcessImmediately: %w", err)
	}
	return res, nil
}

// RetryFailedDistributions puts every failed record that still has retries
// left back to pending and runs a batch. Dead letters are not touched.
func (p *Processor) RetryFailedDistributions(ctx context.Context) (int64, RunResult, error) {
	reset, err := p.store.ResetFailed(ctx, p.opts.MaxRetries, p.now())
	if err != nil {
		return 0, RunResult{}, fmt.Errorf("RetryFailedDistributions: %w", err)
	}
	p.logger.Info("failed distributions reset to pending", "count", reset)

	res, err := p.RunOnce(ctx)
	if err != nil {
		return reset, res, fmt.Errorf("RetryFailedDistributions: %w", err)
	}
	return reset, res, nil
}

// RequeueDeadLetter gives one dead letter a fresh set of retries.
func (p *Processor) RequeueDeadLetter(ctx context.Context, id uuid.UUID) error {
	if err := p.store.RequeueDeadLetter(ctx, id, p.opts.MaxRetries, p.now()); err != nil {
		return fmt.Errorf("RequeueDeadLetter: %w", err)
	}
	p.logger.Warn("dead-lettered distribution requeued", "distribution_id", id)
	return nil
}

func (p *Processor) GetDistributionStats(ctx context.Context) (*domain.DistributionStats, error) {
	stats, err := p.store.Stats(ctx, p.opts.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("GetDistributionStats: %w", err)
	}
	return stats, nil
}

func (p *Processor) process(ctx context.Context, d *domain.Distribution) string {
	log := p.logger.With("distribution_id", d.ID, "order_id", d.OrderID)

	if err := p.apply(ctx, d, log); err != nil {
		retries, markErr := p.store.MarkFailed(ctx, d.ID, err.Error(), p.now())
		if markErr != nil {
			log.Error("failed to record distribution failure", "error", err, "mark_error", markErr)
			recordsTotal.WithLabelValues(outcomeFailed).Inc()
			return outcomeFailed
		}
		if retries >= p.opts.MaxRetries {
			log.Warn("distribution dead-lettered", "retry_count", retries, "error", err)
			recordsTotal.WithLabelValues(outcomeDead).Inc()
			return outcomeDead
		}
		log.Error("distribution failed", "retry_count", retries, "error", err)
		recordsTotal.WithLabelValues(outcomeFailed).Inc()
		return outcomeFailed
	}

	log.Info("distribution completed",
		"admin_commission", d.AdminCommission,
		"owner_amount", d.OwnerAmount,
	)
	recordsTotal.WithLabelValues(outcomeCompleted).Inc()
	return outcomeCompleted
}

func (p *Processor) apply(ctx context.Context, d *domain.Distribution, log *slog.Logger) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	if p.opts.PlatformOperatorID == uuid.Nil {
		return fmt.Errorf("apply: %w", domain.ErrPlatformOperatorUnset)
	}

	platform, err := p.ledger.CreateWallet(ctx, domain.PlatformOperator(p.opts.PlatformOperatorID))
	if err != nil {
		return fmt.Errorf("apply: platform wallet: %w", err)
	}
	owner, err := p.ledger.CreateWallet(ctx, domain.CourseOwner(d.CourseOwnerID))
	if err != nil {
		return fmt.Errorf("apply: owner wallet: %w", err)
	}

	if !d.PlatformWalletUpdated {
		if err := p.applyLeg(ctx, d, domain.LegPlatform, platform.ID, log); err != nil {
			return fmt.Errorf("apply: %w", err)
		}
	}
	if !d.OwnerWalletUpdated {
		if err := p.applyLeg(ctx, d, domain.LegOwner, owner.ID, log); err != nil {
			return fmt.Errorf("apply: %w", err)
		}
	}

	if !d.FullyApplied() {
		return fmt.Errorf("apply: legs still outstanding: %w", domain.ErrInvariantViolation)
	}
	if err := p.store.MarkCompleted(ctx, d.ID, p.now()); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	d.Status = domain.DistributionStatusCompleted
	return nil
}

func (p *Processor) applyLeg(ctx context.Context, d *domain.Distribution, leg domain.Leg, walletID uuid.UUID, log *slog.Logger) error {
	t, err := legTransaction(d, leg, walletID)
	if err != nil {
		return fmt.Errorf("applyLeg %s: %w", leg, err)
	}

	if t.Amount == 0 {
		if err := p.store.MarkLegApplied(ctx, d.ID, leg); err != nil {
			return fmt.Errorf("applyLeg %s: %w", leg, err)
		}
		d.MarkLegApplied(leg)
		log.Debug("zero-amount leg marked applied", "leg", leg)
		return nil
	}

	applied, err := p.ledger.CreditOnce(ctx, p.store.LegGuard(d.ID, leg), t)
	if err != nil {
		return fmt.Errorf("applyLeg %s: %w", leg, err)
	}
	d.MarkLegApplied(leg)
	if !applied {
		log.Info("credit already applied, skipping", "leg", leg)
		return nil
	}

	creditsTotal.WithLabelValues(string(leg)).Inc()
	log.Info("wallet credited", "leg", leg, "wallet_id", walletID, "amount", t.Amount, "transaction_id", t.ID)
	return nil
}

type creditMetadata struct {
	DistributionID       uuid.UUID  `json:"distribution_id"`
	Leg                  domain.Leg `json:"leg"`
	OwnerName            string     `json:"owner_name"`
	CourseTitles         []string   `json:"course_titles"`
	CommissionPercentage string     `json:"commission_percentage"`
}

func legTransaction(d *domain.Distribution, leg domain.Leg, walletID uuid.UUID) (*domain.Transaction, error) {
	meta, err := json.Marshal(creditMetadata{
		DistributionID:       d.ID,
		Leg:                  leg,
		OwnerName:            d.OwnerName,
		CourseTitles:         d.CourseTitles(),
		CommissionPercentage: d.CommissionPercentage.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("legTransaction: metadata: %w", err)
	}

	orderRef, paymentRef, distID := d.OrderID, d.GatewayPaymentID, d.ID
	t := &domain.Transaction{
		WalletID:       walletID,
		OrderRef:       &orderRef,
		PaymentRef:     &paymentRef,
		DistributionID: &distID,
		Status:         domain.TransactionStatusCompleted,
		Metadata:       meta,
	}
	switch leg {
	case domain.LegPlatform:
		t.Type = domain.TransactionTypeCommission
		t.Amount = d.AdminCommission
		t.Description = fmt.Sprintf("Platform commission for order %s", d.OrderID)
	case domain.LegOwner:
		t.Type = domain.TransactionTypeCredit
		t.Amount = d.OwnerAmount
		t.Description = fmt.Sprintf("Course sale earnings for order %s", d.OrderID)
	default:
		return nil, fmt.Errorf("legTransaction: leg %q: %w", leg, domain.ErrInvalidRequest)
	}
	return t, nil
}
