package distribution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/tutorpay/internal/commission"
	"github.com/josh-kwaku/tutorpay/internal/domain"
	"github.com/josh-kwaku/tutorpay/internal/logging"
)

// OrderPaidEvent is what checkout hands over once the gateway has confirmed
// payment. Owners carries one entry per course owner present in the order.
type OrderPaidEvent struct {
	OrderID          string
	GatewayOrderID   string
	GatewayPaymentID string
	BuyerID          uuid.UUID
	CommissionPct    *decimal.Decimal
	Owners           []OwnerShare
}

type OwnerShare struct {
	OwnerID   uuid.UUID
	OwnerName string
	Gross     int64
	Items     []commission.Item
}

type intakeStore interface {
	CreateForOrder(ctx context.Context, records []domain.Distribution) ([]domain.Distribution, error)
}

type Intake struct {
	store       intakeStore
	defaultRate decimal.Decimal
	now         func() time.Time
}

func NewIntake(store intakeStore, defaultRate decimal.Decimal) *Intake {
	return &Intake{
		store:       store,
		defaultRate: defaultRate,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RecordOrderPaid creates one pending distribution per course owner of the
// order, all in one database transaction. Replaying an order returns the
// records stored the first time.
func (in *Intake) RecordOrderPaid(ctx context.Context, ev OrderPaidEvent) ([]domain.Distribution, error) {
	if err := validateEvent(ev); err != nil {
		return nil, fmt.Errorf("RecordOrderPaid: %w", err)
	}

	rate := in.defaultRate
	if ev.CommissionPct != nil {
		rate = *ev.CommissionPct
	}
	if err := commission.ValidateRate(rate); err != nil {
		return nil, fmt.Errorf("RecordOrderPaid: %w: %w", domain.ErrInvalidRequest, err)
	}

	now := in.now()
	records := make([]domain.Distribution, 0, len(ev.Owners))
	for _, o := range ev.Owners {
		d, err := buildDistribution(ev, o, rate, now)
		if err != nil {
			return nil, fmt.Errorf("RecordOrderPaid: owner %s: %w", o.OwnerID, err)
		}
		records = append(records, d)
	}

	stored, err := in.store.CreateForOrder(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("RecordOrderPaid: %w", err)
	}

	byOwner := make(map[uuid.UUID]bool, len(stored))
	for _, d := range stored {
		byOwner[d.CourseOwnerID] = true
	}
	for _, o := range ev.Owners {
		if !byOwner[o.OwnerID] {
			return nil, fmt.Errorf("RecordOrderPaid: owner %s missing after insert: %w", o.OwnerID, domain.ErrInvariantViolation)
		}
	}

	logging.FromContext(ctx).Info("order distributions recorded",
		"order_id", ev.OrderID,
		"owners", len(ev.Owners),
		"commission_pct", rate.String(),
	)
	return stored, nil
}

func validateEvent(ev OrderPaidEvent) error {
	if strings.TrimSpace(ev.OrderID) == "" {
		return fmt.Errorf("order id required: %w", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(ev.GatewayOrderID) == "" || strings.TrimSpace(ev.GatewayPaymentID) == "" {
		return fmt.Errorf("gateway references required: %w", domain.ErrInvalidRequest)
	}
	if ev.BuyerID == uuid.Nil {
		return fmt.Errorf("buyer id required: %w", domain.ErrInvalidRequest)
	}
	if len(ev.Owners) == 0 {
		return fmt.Errorf("at least one owner share required: %w", domain.ErrInvalidRequest)
	}

	seen := make(map[uuid.UUID]bool, len(ev.Owners))
	for _, o := range ev.Owners {
		if o.OwnerID == uuid.Nil {
			return fmt.Errorf("owner id required: %w", domain.ErrInvalidRequest)
		}
		if seen[o.OwnerID] {
			return fmt.Errorf("owner %s listed twice: %w", o.OwnerID, domain.ErrInvalidRequest)
		}
		seen[o.OwnerID] = true

		if o.Gross <= 0 {
			return fmt.Errorf("owner %s: %w", o.OwnerID, domain.ErrInvalidAmount)
		}
		if len(o.Items) == 0 {
			return fmt.Errorf("owner %s has no items: %w", o.OwnerID, domain.ErrInvalidRequest)
		}
		var sum int64
		for _, it := range o.Items {
			if it.Amount <= 0 {
				return fmt.Errorf("owner %s item %s: %w", o.OwnerID, it.CourseID, domain.ErrInvalidAmount)
			}
			sum += it.Amount
		}
		if sum != o.Gross {
			return fmt.Errorf("owner %s items sum %d, gross %d: %w", o.OwnerID, sum, o.Gross, domain.ErrInvalidRequest)
		}
	}
	return nil
}

func buildDistribution(ev OrderPaidEvent, o OwnerShare, rate decimal.Decimal, now time.Time) (domain.Distribution, error) {
	shares, err := commission.Split(o.Gross, rate)
	if err != nil {
		return domain.Distribution{}, fmt.Errorf("buildDistribution: %w", err)
	}
	items, err := commission.SplitLineItems(o.Items, rate, shares)
	if err != nil {
		return domain.Distribution{}, fmt.Errorf("buildDistribution: %w", err)
	}

	d := domain.Distribution{
		ID:                   uuid.New(),
		OrderID:              ev.OrderID,
		GatewayOrderID:       ev.GatewayOrderID,
		GatewayPaymentID:     ev.GatewayPaymentID,
		BuyerID:              ev.BuyerID,
		CourseOwnerID:        o.OwnerID,
		OwnerName:            o.OwnerName,
		TotalAmount:          o.Gross,
		CommissionPercentage: rate,
		AdminCommission:      shares.Platform,
		OwnerAmount:          shares.Owner,
		LineItems:            items,
		Status:               domain.DistributionStatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := d.Validate(); err != nil {
		return domain.Distribution{}, fmt.Errorf("buildDistribution: %w", err)
	}
	return d, nil
}
