package commission

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/tutorpay/internal/domain"
)

var (
	ErrInvalidRate      = errors.New("commission rate must be between 0 and 100 with at most 4 decimal places")
	ErrLineItemMismatch = errors.New("line items do not add up to the gross amount")
)

var (
	DefaultRate = decimal.NewFromInt(10)

	hundred = decimal.NewFromInt(100)
)

const rateScale = 4

type Shares struct {
	Platform int64
	Owner    int64
}

type Item struct {
	CourseID    uuid.UUID
	CourseTitle string
	Amount      int64
}

// Split divides gross into the platform commission and the owner share. The
// platform share is rounded to the nearest minor unit (half away from zero) and
// the owner share is whatever is left, so the two always sum to gross.
func Split(gross int64, rate decimal.Decimal) (Shares, error) {
	if gross <= 0 {
		return Shares{}, fmt.Errorf("Split: %w", domain.ErrInvalidAmount)
	}
	if err := ValidateRate(rate); err != nil {
		return Shares{}, fmt.Errorf("Split: %w", err)
	}

	platform := decimal.NewFromInt(gross).Mul(rate).Div(hundred).Round(0).IntPart()
	return Shares{Platform: platform, Owner: gross - platform}, nil
}

// ValidateRate accepts rates the distributions table can store exactly.
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundred) || !rate.Equal(rate.Truncate(rateScale)) {
		return ErrInvalidRate
	}
	return nil
}

// SplitLineItems splits every item independently, then moves the rounding
// remainder against total onto the items, last item first, so the item shares
// add up exactly to the record-level shares.
func SplitLineItems(items []Item, rate decimal.Decimal, total Shares) ([]domain.LineItem, error) {
	var gross int64
	for _, it := range items {
		gross += it.Amount
	}
	if gross != total.Platform+total.Owner {
		return nil, fmt.Errorf("SplitLineItems: items %d vs total %d: %w",
			gross, total.Platform+total.Owner, ErrLineItemMismatch)
	}

	out := make([]domain.LineItem, len(items))
	var platformSum int64
	for i, it := range items {
		s, err := Split(it.Amount, rate)
		if err != nil {
			return nil, fmt.Errorf("SplitLineItems: item %s: %w", it.CourseID, err)
		}
		out[i] = domain.LineItem{
			CourseID:    it.CourseID,
			CourseTitle: it.CourseTitle,
			Amount:      it.Amount,
			AdminShare:  s.Platform,
			OwnerShare:  s.Owner,
		}
		platformSum += s.Platform
	}

	remainder := total.Platform - platformSum
	for i := len(out) - 1; i >= 0 && remainder != 0; i-- {
		li := &out[i]
		var delta int64
		if remainder > 0 {
			delta = min(remainder, li.Amount-li.AdminShare)
		} else {
			delta = max(remainder, -li.AdminShare)
		}
		li.AdminShare += delta
		li.OwnerShare -= delta
		remainder -= delta
	}
	if remainder != 0 {
		return nil, fmt.Errorf("SplitLineItems: unreconciled remainder %d: %w", remainder, domain.ErrInvariantViolation)
	}

	return out, nil
}
