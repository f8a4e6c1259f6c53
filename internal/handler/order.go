package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/tutorpay/internal/commission"
	"github.com/josh-kwaku/tutorpay/internal/distribution"
	"github.com/josh-kwaku/tutorpay/internal/domain"
	"github.com/josh-kwaku/tutorpay/internal/logging"
)

type orderIntake interface {
	RecordOrderPaid(ctx context.Context, ev distribution.OrderPaidEvent) ([]domain.Distribution, error)
}

type OrderHandler struct {
	intake     orderIntake
	maxRetries int
}

func NewOrderHandler(intake orderIntake, maxRetries int) *OrderHandler {
	return &OrderHandler{intake: intake, maxRetries: maxRetries}
}

type orderItemRequest struct {
	CourseID    uuid.UUID `json:"course_id"`
	CourseTitle string    `json:"course_title"`
	Amount      int64     `json:"amount"`
}

type orderOwnerRequest struct {
	OwnerID   uuid.UUID          `json:"owner_id"`
	OwnerName string             `json:"owner_name"`
	Items     []orderItemRequest `json:"items"`
}

type orderPaidRequest struct {
	OrderID              string              `json:"order_id"`
	GatewayOrderID       string              `json:"gateway_order_id"`
	GatewayPaymentID     string              `json:"gateway_payment_id"`
	BuyerID              uuid.UUID           `json:"buyer_id"`
	CommissionPercentage *decimal.Decimal    `json:"commission_percentage"`
	Owners               []orderOwnerRequest `json:"owners"`
}

func (r orderPaidRequest) Validate() []FieldError {
	var errs []FieldError
	if strings.TrimSpace(r.OrderID) == "" {
		errs = append(errs, FieldError{Field: "order_id", Message: "required"})
	}
	if strings.TrimSpace(r.GatewayOrderID) == "" {
		errs = append(errs, FieldError{Field: "gateway_order_id", Message: "required"})
	}
	if strings.TrimSpace(r.GatewayPaymentID) == "" {
		errs = append(errs, FieldError{Field: "gateway_payment_id", Message: "required"})
	}
	if r.BuyerID == uuid.Nil {
		errs = append(errs, FieldError{Field: "buyer_id", Message: "required"})
	}
	if r.CommissionPercentage != nil && commission.ValidateRate(*r.CommissionPercentage) != nil {
		errs = append(errs, FieldError{Field: "commission_percentage", Message: "must be between 0 and 100"})
	}
	if len(r.Owners) == 0 {
		errs = append(errs, FieldError{Field: "owners", Message: "at least one owner required"})
	}
	for i, o := range r.Owners {
		if o.OwnerID == uuid.Nil {
			errs = append(errs, FieldError{Field: fmt.Sprintf("owners[%d].owner_id", i), Message: "required"})
		}
		if len(o.Items) == 0 {
			errs = append(errs, FieldError{Field: fmt.Sprintf("owners[%d].items", i), Message: "at least one item required"})
		}
		for j, it := range o.Items {
			if it.Amount <= 0 {
				errs = append(errs, FieldError{Field: fmt.Sprintf("owners[%d].items[%d].amount", i, j), Message: "must be greater than zero"})
			}
		}
	}
	return errs
}

func (r orderPaidRequest) event() distribution.OrderPaidEvent {
	ev := distribution.OrderPaidEvent{
		OrderID:          strings.TrimSpace(r.OrderID),
		GatewayOrderID:   strings.TrimSpace(r.GatewayOrderID),
		GatewayPaymentID: strings.TrimSpace(r.GatewayPaymentID),
		BuyerID:          r.BuyerID,
		CommissionPct:    r.CommissionPercentage,
		Owners:           make([]distribution.OwnerShare, 0, len(r.Owners)),
	}
	for _, o := range r.Owners {
		share := distribution.OwnerShare{OwnerID: o.OwnerID, OwnerName: o.OwnerName}
		for _, it := range o.Items {
			share.Items = append(share.Items, commission.Item{
				CourseID:    it.CourseID,
				CourseTitle: it.CourseTitle,
				Amount:      it.Amount,
			})
			share.Gross += it.Amount
		}
		ev.Owners = append(ev.Owners, share)
	}
	return ev
}

// OrderPaid records the distributions for a paid order. Replays of the same
// order return the records created the first time.
func (h *OrderHandler) OrderPaid(w http.ResponseWriter, r *http.Request) {
	var req orderPaidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	records, err := h.intake.RecordOrderPaid(r.Context(), req.event())
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to record paid order", "error", err, "order_id", req.OrderID)
		RespondDomainError(w, err)
		return
	}

	out := make([]distributionDTO, len(records))
	for i := range records {
		out[i] = toDistributionDTO(&records[i], h.maxRetries)
	}
	RespondSuccess(w, http.StatusAccepted, out)
}
