package distribution_test

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/tutorpay/internal/commission"
	"github.com/josh-kwaku/tutorpay/internal/distribution"
	"github.com/josh-kwaku/tutorpay/internal/domain"
	"github.com/josh-kwaku/tutorpay/internal/repository"
	"github.com/josh-kwaku/tutorpay/internal/testutil"
	"github.com/josh-kwaku/tutorpay/internal/wallet"
)

type stack struct {
	db           *sql.DB
	ledger       *wallet.Ledger
	distribution *repository.DistributionRepository
	transactions *repository.TransactionRepository
	intake       *distribution.Intake
}

func setupStack(t *testing.T) *stack {
	t.Helper()
	db := testutil.SetupTestDB(t)
	dists := repository.NewDistributionRepository(db)
	txs := repository.NewTransactionRepository(db)
	return &stack{
		db:           db,
		ledger:       wallet.NewLedger(repository.NewWalletRepository(db), txs, db, wallet.Options{}),
		distribution: dists,
		transactions: txs,
		intake:       distribution.NewIntake(dists, commission.DefaultRate),
	}
}

func (s *stack) processor(instance string, opts distribution.Options) *distribution.Processor {
	opts.PlatformOperatorID = testutil.PlatformOperatorID
	opts.InstanceID = instance
	return distribution.NewProcessor(s.distribution, s.ledger, slog.New(slog.NewTextHandler(io.Discard, nil)), opts)
}

func (s *stack) balance(t *testing.T, owner domain.Owner) int64 {
	t.Helper()
	w, err := s.ledger.FindByOwner(context.Background(), owner)
	require.NoError(t, err)
	return w.Balance
}

func paidOrder(orderID string, owners ...int64) distribution.OrderPaidEvent {
	ev := distribution.OrderPaidEvent{
		OrderID:          orderID,
		GatewayOrderID:   "gw_" + orderID,
		GatewayPaymentID: "pay_" + orderID,
		BuyerID:          uuid.New(),
	}
	for _, gross := range owners {
		ev.Owners = append(ev.Owners, distribution.OwnerShare{
			OwnerID:   uuid.New(),
			OwnerName: "Owner",
			Gross:     gross,
			Items:     []commission.Item{{CourseID: uuid.New(), CourseTitle: "Databases 101", Amount: gross}},
		})
	}
	return ev
}

func TestOrderToWallets(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()

	ev := paidOrder(testutil.OrderID(), 1000, 2500)
	records, err := s.intake.RecordOrderPaid(ctx, ev)
	require.NoError(t, err)
	require.Len(t, records, 2)

	replayed, err := s.intake.RecordOrderPaid(ctx, ev)
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.ElementsMatch(t, []uuid.UUID{records[0].ID, records[1].ID}, []uuid.UUID{replayed[0].ID, replayed[1].ID})

	proc := s.processor("node-a", distribution.Options{})
	res, err := proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, distribution.RunResult{Claimed: 2, Completed: 2}, res)

	assert.Equal(t, int64(350), s.balance(t, domain.PlatformOperator(testutil.PlatformOperatorID)))
	assert.Equal(t, int64(900), s.balance(t, domain.CourseOwner(ev.Owners[0].OwnerID)))
	assert.Equal(t, int64(2250), s.balance(t, domain.CourseOwner(ev.Owners[1].OwnerID)))

	for _, r := range records {
		got, err := s.distribution.GetByID(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.DistributionStatusCompleted, got.Status)
		assert.NotNil(t, got.DistributedAt)
		assert.Nil(t, got.ClaimedBy)

		txs, err := s.transactions.ListByDistribution(ctx, r.ID)
		require.NoError(t, err)
		assert.Len(t, txs, 2, "one commission and one credit")
	}

	res, err = proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestConcurrentProcessorsCreditOnce(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()

	var owners []uuid.UUID
	for i := 0; i < 30; i++ {
		ev := paidOrder(fmt.Sprintf("ord_%03d", i), 1000)
		_, err := s.intake.RecordOrderPaid(ctx, ev)
		require.NoError(t, err)
		owners = append(owners, ev.Owners[0].OwnerID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		proc := s.processor(fmt.Sprintf("node-%d", i), distribution.Options{BatchSize: 5})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := proc.RunOnce(ctx)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	stats, err := s.distribution.Stats(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(30), stats.ByStatus[domain.DistributionStatusCompleted].Count)

	assert.Equal(t, int64(30*100), s.balance(t, domain.PlatformOperator(testutil.PlatformOperatorID)))
	for _, id := range owners {
		assert.Equal(t, int64(900), s.balance(t, domain.CourseOwner(id)))
	}
}

func TestClaimPending_LeasesAndReclaims(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()
	d := testutil.SeedDistribution(t, s.db, testutil.NewDistribution(testutil.OrderID(), uuid.New(), 10, 90))

	now := time.Now().UTC()
	claimed, err := s.distribution.ClaimPending(ctx, "node-a", now, now.Add(-10*time.Minute), 5, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, domain.DistributionStatusProcessing, claimed[0].Status)
	require.NotNil(t, claimed[0].ClaimedBy)
	assert.Equal(t, "node-a", *claimed[0].ClaimedBy)

	again, err := s.distribution.ClaimPending(ctx, "node-b", now, now.Add(-10*time.Minute), 5, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "lease is still fresh")

	later := now.Add(11 * time.Minute)
	reclaimed, err := s.distribution.ClaimPending(ctx, "node-b", later, later.Add(-10*time.Minute), 5, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, d.ID, reclaimed[0].ID)
	assert.Equal(t, "node-b", *reclaimed[0].ClaimedBy)
	assert.Equal(t, 1, reclaimed[0].RetryCount, "expired lease counts as an attempt")
	require.NotNil(t, reclaimed[0].LastRetryAt)
}

func TestClaimPending_ExpiredLeaseAtCeilingIsDeadLettered(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()
	d := testutil.SeedDistribution(t, s.db, testutil.NewDistribution(testutil.OrderID(), uuid.New(), 10, 90))

	now := time.Now().UTC()
	for i := range 3 {
		at := now.Add(time.Duration(i) * 11 * time.Minute)
		claimed, err := s.distribution.ClaimPending(ctx, "node-a", at, at.Add(-10*time.Minute), 3, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", i)
	}

	at := now.Add(33 * time.Minute)
	claimed, err := s.distribution.ClaimPending(ctx, "node-a", at, at.Add(-10*time.Minute), 3, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	got, err := s.distribution.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DistributionStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.True(t, got.IsDeadLetter(3))
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, repository.LeaseExpiredReason, *got.ErrorMessage)

	stats, err := s.distribution.Stats(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DeadLetters)
}

func TestLegGuard_BlocksSecondCredit(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()
	d := testutil.SeedDistribution(t, s.db, testutil.NewDistribution(testutil.OrderID(), uuid.New(), 100, 900))

	w, err := s.ledger.CreateWallet(ctx, domain.PlatformOperator(testutil.PlatformOperatorID))
	require.NoError(t, err)

	credit := func() (bool, error) {
		id := d.ID
		return s.ledger.CreditOnce(ctx, s.distribution.LegGuard(d.ID, domain.LegPlatform), &domain.Transaction{
			WalletID:       w.ID,
			Type:           domain.TransactionTypeCommission,
			Amount:         100,
			Status:         domain.TransactionStatusCompleted,
			DistributionID: &id,
		})
	}

	applied, err := credit()
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = credit()
	require.NoError(t, err)
	assert.False(t, applied)

	assert.Equal(t, int64(100), s.balance(t, domain.PlatformOperator(testutil.PlatformOperatorID)))
	got, err := s.distribution.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.PlatformWalletUpdated)
	assert.False(t, got.OwnerWalletUpdated)

	err = repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := s.distribution.LegGuard(uuid.New(), domain.LegOwner).Acquire(ctx, tx)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkCompleted_RequiresBothLegs(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()
	d := testutil.SeedDistribution(t, s.db, testutil.NewDistribution(testutil.OrderID(), uuid.New(), 100, 900))

	err := s.distribution.MarkCompleted(ctx, d.ID, time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrInvariantViolation)

	require.NoError(t, s.distribution.MarkLegApplied(ctx, d.ID, domain.LegPlatform))
	require.NoError(t, s.distribution.MarkLegApplied(ctx, d.ID, domain.LegOwner))
	require.NoError(t, s.distribution.MarkCompleted(ctx, d.ID, time.Now().UTC()))

	_, err = s.distribution.MarkFailed(ctx, d.ID, "late failure", time.Now().UTC())
	assert.ErrorIs(t, err, domain.ErrNotFound, "completed records stay completed")
}

func TestDeadLetterLifecycle(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()
	d := testutil.SeedDistribution(t, s.db, testutil.NewDistribution(testutil.OrderID(), uuid.New(), 100, 900))

	for i := 1; i <= 3; i++ {
		n, err := s.distribution.MarkFailed(ctx, d.ID, "gateway timeout", time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	err := s.distribution.RequeueDeadLetter(ctx, d.ID, 5, time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrDistributionNotDeadLetter)

	reset, err := s.distribution.ResetFailed(ctx, 3, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, reset, "retry ceiling reached")

	stats, err := s.distribution.Stats(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DeadLetters)

	require.NoError(t, s.distribution.RequeueDeadLetter(ctx, d.ID, 3, time.Now().UTC()))
	got, err := s.distribution.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DistributionStatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.ErrorMessage)

	err = s.distribution.RequeueDeadLetter(ctx, uuid.New(), 3, time.Now().UTC())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
