package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/tutorpay/internal/domain"
	"github.com/josh-kwaku/tutorpay/internal/repository"
)

var PlatformOperatorID = uuid.MustParse("00000000-0000-0000-0000-00000000a0a0")

// SeedWallet inserts a wallet for owner with the given completed balance.
// Balance is recorded as earnings so the ledger identity holds.
func SeedWallet(t *testing.T, db *sql.DB, owner domain.Owner, balance int64) *domain.Wallet {
	t.Helper()

	now := time.Now().UTC()
	w := &domain.Wallet{
		ID:            uuid.New(),
		Owner:         owner,
		Balance:       balance,
		TotalEarnings: balance,
		IsActive:      true,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := repository.NewWalletRepository(db).Create(context.Background(), w); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	return w
}

// SeedVerifiedBank attaches verified bank details to the wallet.
func SeedVerifiedBank(t *testing.T, db *sql.DB, walletID uuid.UUID) {
	t.Helper()

	_, err := db.Exec(
		`UPDATE wallets SET bank_account_name = 'Ada Lovelace', bank_account_number = '0123456789',
			bank_name = 'Test Bank', bank_routing_code = '000111', bank_verified = true
		WHERE id = $1`, walletID,
	)
	if err != nil {
		t.Fatalf("seed bank details: %v", err)
	}
}

// NewDistribution builds a valid pending record for orderID with a single line
// item and the shares given.
func NewDistribution(orderID string, ownerID uuid.UUID, admin, owner int64) domain.Distribution {
	now := time.Now().UTC()
	total := admin + owner
	rate := decimal.Zero
	if total > 0 {
		rate = decimal.NewFromInt(admin * 100).Div(decimal.NewFromInt(total)).Round(4)
	}
	return domain.Distribution{
		ID:                   uuid.New(),
		OrderID:              orderID,
		GatewayOrderID:       "gw_order_" + orderID,
		GatewayPaymentID:     "gw_pay_" + orderID,
		BuyerID:              uuid.New(),
		CourseOwnerID:        ownerID,
		OwnerName:            "Test Owner",
		TotalAmount:          total,
		CommissionPercentage: rate,
		AdminCommission:      admin,
		OwnerAmount:          owner,
		LineItems: []domain.LineItem{{
			CourseID:    uuid.New(),
			CourseTitle: "Intro to Go",
			Amount:      total,
			OwnerShare:  owner,
			AdminShare:  admin,
		}},
		Status:    domain.DistributionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SeedDistribution stores a single-owner record and returns the stored copy.
func SeedDistribution(t *testing.T, db *sql.DB, d domain.Distribution) *domain.Distribution {
	t.Helper()

	stored, err := repository.NewDistributionRepository(db).CreateForOrder(context.Background(), []domain.Distribution{d})
	if err != nil {
		t.Fatalf("seed distribution: %v", err)
	}
	for i := range stored {
		if stored[i].CourseOwnerID == d.CourseOwnerID {
			return &stored[i]
		}
	}
	t.Fatalf("seed distribution: %s not stored", d.OrderID)
	return nil
}

func OrderID() string {
	return fmt.Sprintf("ord_%s", uuid.NewString()[:8])
}
