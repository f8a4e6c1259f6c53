package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DistributionStatus string

const (
	DistributionStatusPending    DistributionStatus = "pending"
	DistributionStatusProcessing DistributionStatus = "processing"
	DistributionStatusCompleted  DistributionStatus = "completed"
	DistributionStatusFailed     DistributionStatus = "failed"
)

// Leg is one of the two wallet credits a distribution applies.
type Leg string

const (
	LegPlatform Leg = "platform"
	LegOwner    Leg = "owner"
)

type LineItem struct {
	CourseID    uuid.UUID `json:"course_id"`
	CourseTitle string    `json:"course_title"`
	Amount      int64     `json:"amount"`
	OwnerShare  int64     `json:"owner_share"`
	AdminShare  int64     `json:"admin_share"`
}

type Distribution struct {
	ID                    uuid.UUID
	OrderID               string
	GatewayOrderID        string
	GatewayPaymentID      string
	BuyerID               uuid.UUID
	CourseOwnerID         uuid.UUID
	OwnerName             string
	TotalAmount           int64
	CommissionPercentage  decimal.Decimal
	AdminCommission       int64
	OwnerAmount           int64
	LineItems             []LineItem
	Status                DistributionStatus
	PlatformWalletUpdated bool
	OwnerWalletUpdated    bool
	RetryCount            int
	LastRetryAt           *time.Time
	ErrorMessage          *string
	DistributedAt         *time.Time
	ClaimedBy             *string
	ClaimedAt             *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Validate checks the money invariants of the record: both the record-level
// split and the line-item shares must add up to TotalAmount exactly.
func (d *Distribution) Validate() error {
	if d.TotalAmount <= 0 {
		return fmt.Errorf("Validate: total %d: %w", d.TotalAmount, ErrInvariantViolation)
	}
	if d.AdminCommission < 0 || d.OwnerAmount < 0 {
		return fmt.Errorf("Validate: negative share: %w", ErrInvariantViolation)
	}
	if d.AdminCommission+d.OwnerAmount != d.TotalAmount {
		return fmt.Errorf("Validate: admin %d + owner %d != total %d: %w",
			d.AdminCommission, d.OwnerAmount, d.TotalAmount, ErrInvariantViolation)
	}

	var admin, owner, gross int64
	for _, li := range d.LineItems {
		if li.AdminShare < 0 || li.OwnerShare < 0 || li.AdminShare+li.OwnerShare != li.Amount {
			return fmt.Errorf("Validate: line item %s: %w", li.CourseID, ErrInvariantViolation)
		}
		admin += li.AdminShare
		owner += li.OwnerShare
		gross += li.Amount
	}
	if len(d.LineItems) > 0 && (gross != d.TotalAmount || admin != d.AdminCommission || owner != d.OwnerAmount) {
		return fmt.Errorf("Validate: line items admin %d owner %d vs record admin %d owner %d: %w",
			admin, owner, d.AdminCommission, d.OwnerAmount, ErrInvariantViolation)
	}

	if d.Status == DistributionStatusCompleted && !(d.PlatformWalletUpdated && d.OwnerWalletUpdated) {
		return fmt.Errorf("Validate: completed with unapplied leg: %w", ErrInvariantViolation)
	}
	return nil
}

func (d *Distribution) LegApplied(leg Leg) bool {
	if leg == LegPlatform {
		return d.PlatformWalletUpdated
	}
	return d.OwnerWalletUpdated
}

func (d *Distribution) MarkLegApplied(leg Leg) {
	if leg == LegPlatform {
		d.PlatformWalletUpdated = true
		return
	}
	d.OwnerWalletUpdated = true
}

func (d *Distribution) FullyApplied() bool {
	return d.PlatformWalletUpdated && d.OwnerWalletUpdated
}

func (d *Distribution) IsDeadLetter(maxRetries int) bool {
	return d.Status == DistributionStatusFailed && d.RetryCount >= maxRetries
}

func (d *Distribution) CourseTitles() []string {
	titles := make([]string, 0, len(d.LineItems))
	for _, li := range d.LineItems {
		titles = append(titles, li.CourseTitle)
	}
	return titles
}

type StatusTotals struct {
	Count           int64 `json:"count"`
	TotalAmount     int64 `json:"total_amount"`
	AdminCommission int64 `json:"admin_commission"`
	OwnerAmount     int64 `json:"owner_amount"`
}

type DistributionStats struct {
	ByStatus    map[DistributionStatus]StatusTotals `json:"by_status"`
	DeadLetters int64                               `json:"dead_letters"`
}
