package distribution

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/tutorpay/internal/domain"
	"github.com/josh-kwaku/tutorpay/internal/repository"
	"github.com/josh-kwaku/tutorpay/internal/wallet"
)

var errWriteFailed = errors.New("storage write failed")

// fakeStore keeps distributions in memory with the same state rules as the
// postgres repository.
type fakeStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.Distribution
	order   []uuid.UUID

	claimCalls int
	claimHook  func()
}

func newFakeStore(ds ...domain.Distribution) *fakeStore {
	s := &fakeStore{records: make(map[uuid.UUID]*domain.Distribution)}
	for _, d := range ds {
		s.put(d)
	}
	return s
}

func (s *fakeStore) put(d domain.Distribution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[d.ID]; !ok {
		s.order = append(s.order, d.ID)
	}
	cp := d
	s.records[d.ID] = &cp
}

func (s *fakeStore) get(id uuid.UUID) domain.Distribution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[id]
}

func (s *fakeStore) ClaimPending(_ context.Context, instanceID string, now, staleBefore time.Time, maxRetries, limit int) ([]domain.Distribution, error) {
	s.mu.Lock()
	s.claimCalls++
	hook := s.claimHook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		d := s.records[id]
		if d.Status == domain.DistributionStatusProcessing && d.ClaimedAt != nil && d.ClaimedAt.Before(staleBefore) {
			reason, at := repository.LeaseExpiredReason, now
			d.Status = domain.DistributionStatusFailed
			d.RetryCount++
			d.LastRetryAt, d.ErrorMessage = &at, &reason
			d.ClaimedAt, d.ClaimedBy = nil, nil
		}
	}

	var out []domain.Distribution
	for _, id := range s.order {
		d := s.records[id]
		if len(out) == limit {
			break
		}
		if d.RetryCount >= maxRetries {
			continue
		}
		if d.Status != domain.DistributionStatusPending && d.Status != domain.DistributionStatusFailed {
			continue
		}
		claimedAt, claimedBy := now, instanceID
		d.Status = domain.DistributionStatusProcessing
		d.ClaimedAt, d.ClaimedBy = &claimedAt, &claimedBy
		out = append(out, *d)
	}
	return out, nil
}

type fakeGuard struct {
	store *fakeStore
	id    uuid.UUID
	leg   domain.Leg
}

func (g *fakeGuard) Acquire(context.Context, *sql.Tx) (bool, error) {
	g.store.mu.Lock()
	defer g.store.mu.Unlock()
	d, ok := g.store.records[g.id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if d.LegApplied(g.leg) {
		return false, nil
	}
	d.MarkLegApplied(g.leg)
	return true, nil
}

func (s *fakeStore) LegGuard(id uuid.UUID, leg domain.Leg) wallet.Guard {
	return &fakeGuard{store: s, id: id, leg: leg}
}

func (s *fakeStore) MarkLegApplied(ctx context.Context, id uuid.UUID, leg domain.Leg) error {
	_, err := s.LegGuard(id, leg).Acquire(ctx, nil)
	return err
}

func (s *fakeStore) MarkCompleted(_ context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.records[id]
	if !d.FullyApplied() {
		return domain.ErrInvariantViolation
	}
	d.Status = domain.DistributionStatusCompleted
	d.DistributedAt = &now
	d.ErrorMessage, d.ClaimedAt, d.ClaimedBy = nil, nil, nil
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, reason string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.records[id]
	if d.Status == domain.DistributionStatusCompleted {
		return 0, domain.ErrNotFound
	}
	d.Status = domain.DistributionStatusFailed
	d.ErrorMessage = &reason
	d.RetryCount++
	d.LastRetryAt = &now
	d.ClaimedAt, d.ClaimedBy = nil, nil
	return d.RetryCount, nil
}

func (s *fakeStore) ResetFailed(_ context.Context, maxRetries int, _ time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.records {
		if d.Status == domain.DistributionStatusFailed && d.RetryCount < maxRetries {
			d.Status = domain.DistributionStatusPending
			d.ErrorMessage = nil
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) RequeueDeadLetter(_ context.Context, id uuid.UUID, maxRetries int, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !d.IsDeadLetter(maxRetries) {
		return domain.ErrDistributionNotDeadLetter
	}
	d.Status = domain.DistributionStatusPending
	d.RetryCount = 0
	d.ErrorMessage = nil
	return nil
}

func (s *fakeStore) Stats(_ context.Context, maxRetries int) (*domain.DistributionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &domain.DistributionStats{ByStatus: make(map[domain.DistributionStatus]domain.StatusTotals)}
	for _, d := range s.records {
		t := stats.ByStatus[d.Status]
		t.Count++
		t.TotalAmount += d.TotalAmount
		t.AdminCommission += d.AdminCommission
		t.OwnerAmount += d.OwnerAmount
		stats.ByStatus[d.Status] = t
		if d.IsDeadLetter(maxRetries) {
			stats.DeadLetters++
		}
	}
	return stats, nil
}

func (s *fakeStore) CreateForOrder(_ context.Context, records []domain.Distribution) ([]domain.Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		exists := false
		for _, d := range s.records {
			if d.OrderID == r.OrderID && d.CourseOwnerID == r.CourseOwnerID {
				exists = true
				break
			}
		}
		if !exists {
			cp := r
			s.records[r.ID] = &cp
			s.order = append(s.order, r.ID)
		}
	}
	var out []domain.Distribution
	for _, id := range s.order {
		if s.records[id].OrderID == records[0].OrderID {
			out = append(out, *s.records[id])
		}
	}
	return out, nil
}

// fakeLedger applies credits in memory. failOwner and failPlatform make the
// next n credits to that kind of wallet fail before anything is written,
// like a rolled back database transaction.
type fakeLedger struct {
	mu           sync.Mutex
	wallets      map[domain.Owner]*domain.Wallet
	byID         map[uuid.UUID]*domain.Wallet
	txs          map[uuid.UUID][]domain.Transaction
	failOwner    int
	failPlatform int
	failWallets  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		wallets: make(map[domain.Owner]*domain.Wallet),
		byID:    make(map[uuid.UUID]*domain.Wallet),
		txs:     make(map[uuid.UUID][]domain.Transaction),
	}
}

func (l *fakeLedger) CreateWallet(_ context.Context, owner domain.Owner) (*domain.Wallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWallets != nil {
		return nil, l.failWallets
	}
	if w, ok := l.wallets[owner]; ok {
		cp := *w
		return &cp, nil
	}
	w := &domain.Wallet{ID: uuid.New(), Owner: owner, IsActive: true, Version: 1}
	l.wallets[owner] = w
	l.byID[w.ID] = w
	cp := *w
	return &cp, nil
}

func (l *fakeLedger) CreditOnce(ctx context.Context, guard wallet.Guard, t *domain.Transaction) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.byID[t.WalletID]
	if !ok {
		return false, domain.ErrNotFound
	}
	switch w.Owner.Kind() {
	case domain.OwnerKindCourseOwner:
		if l.failOwner > 0 {
			l.failOwner--
			return false, errWriteFailed
		}
	case domain.OwnerKindPlatformOperator:
		if l.failPlatform > 0 {
			l.failPlatform--
			return false, errWriteFailed
		}
	}

	ok, err := guard.Acquire(ctx, nil)
	if err != nil || !ok {
		return false, err
	}
	t.ID = uuid.New()
	if err := w.Apply(t); err != nil {
		return false, err
	}
	l.txs[w.ID] = append(l.txs[w.ID], *t)
	return true, nil
}

func (l *fakeLedger) walletOf(owner domain.Owner) *domain.Wallet {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.wallets[owner]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

func (l *fakeLedger) transactionsOf(owner domain.Owner) []domain.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.wallets[owner]
	if !ok {
		return nil
	}
	out := append([]domain.Transaction(nil), l.txs[w.ID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type fakeLock struct {
	mu       sync.Mutex
	held     bool
	err      error
	acquired int
	released int
}

func (f *fakeLock) Acquire(context.Context) (func(context.Context) error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.held = true
	f.acquired++
	return func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.held = false
		f.released++
		return nil
	}, nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
