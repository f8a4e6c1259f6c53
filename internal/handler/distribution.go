package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/josh-kwaku/tutorpay/internal/distribution"
	"github.com/josh-kwaku/tutorpay/internal/domain"
	"github.com/josh-kwaku/tutorpay/internal/logging"
)

type distributionService interface {
	ProcessImmediately(ctx context.Context) (distribution.RunResult, error)
	RetryFailedDistributions(ctx context.Context) (int64, distribution.RunResult, error)
	RequeueDeadLetter(ctx context.Context, id uuid.UUID) error
	GetDistributionStats(ctx context.Context) (*domain.DistributionStats, error)
	MaxRetries() int
}

type distributionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Distribution, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Distribution, error)
}

type DistributionHandler struct {
	processor distributionService
	records   distributionReader
}

func NewDistributionHandler(processor distributionService, records distributionReader) *DistributionHandler {
	return &DistributionHandler{processor: processor, records: records}
}

type lineItemDTO struct {
	CourseID    uuid.UUID `json:"course_id"`
	CourseTitle string    `json:"course_title"`
	Amount      int64     `json:"amount"`
	OwnerShare  int64     `json:"owner_share"`
	AdminShare  int64     `json:"admin_share"`
}

type distributionDTO struct {
	ID                    uuid.UUID     `json:"id"`
	OrderID               string        `json:"order_id"`
	GatewayOrderID        string        `json:"gateway_order_id"`
	GatewayPaymentID      string        `json:"gateway_payment_id"`
	BuyerID               uuid.UUID     `json:"buyer_id"`
	CourseOwnerID         uuid.UUID     `json:"course_owner_id"`
	OwnerName             string        `json:"owner_name"`
	TotalAmount           int64         `json:"total_amount"`
	CommissionPercentage  string        `json:"commission_percentage"`
	AdminCommission       int64         `json:"admin_commission"`
	OwnerAmount           int64         `json:"owner_amount"`
	LineItems             []lineItemDTO `json:"line_items"`
	Status                string        `json:"status"`
	PlatformWalletUpdated bool          `json:"platform_wallet_updated"`
	OwnerWalletUpdated    bool          `json:"owner_wallet_updated"`
	RetryCount            int           `json:"retry_count"`
	DeadLetter            bool          `json:"dead_letter"`
	ErrorMessage          *string       `json:"error_message"`
	DistributedAt         *time.Time    `json:"distributed_at"`
	CreatedAt             time.Time     `json:"created_at"`
}

func toDistributionDTO(d *domain.Distribution, maxRetries int) distributionDTO {
	items := make([]lineItemDTO, len(d.LineItems))
	for i, li := range d.LineItems {
		items[i] = lineItemDTO(li)
	}
	return distributionDTO{
		ID:                    d.ID,
		OrderID:               d.OrderID,
		GatewayOrderID:        d.GatewayOrderID,
		GatewayPaymentID:      d.GatewayPaymentID,
		BuyerID:               d.BuyerID,
		CourseOwnerID:         d.CourseOwnerID,
		OwnerName:             d.OwnerName,
		TotalAmount:           d.TotalAmount,
		CommissionPercentage:  d.CommissionPercentage.String(),
		AdminCommission:       d.AdminCommission,
		OwnerAmount:           d.OwnerAmount,
		LineItems:             items,
		Status:                string(d.Status),
		PlatformWalletUpdated: d.PlatformWalletUpdated,
		OwnerWalletUpdated:    d.OwnerWalletUpdated,
		RetryCount:            d.RetryCount,
		DeadLetter:            d.IsDeadLetter(maxRetries),
		ErrorMessage:          d.ErrorMessage,
		DistributedAt:         d.DistributedAt,
		CreatedAt:             d.CreatedAt,
	}
}

func (h *DistributionHandler) toDTOs(ds []domain.Distribution) []distributionDTO {
	out := make([]distributionDTO, len(ds))
	for i := range ds {
		out[i] = toDistributionDTO(&ds[i], h.processor.MaxRetries())
	}
	return out
}

func (h *DistributionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.processor.GetDistributionStats(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to load distribution stats", "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, stats)
}

func (h *DistributionHandler) Process(w http.ResponseWriter, r *http.Request) {
	res, err := h.processor.ProcessImmediately(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Warn("manual distribution run refused", "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, res)
}

type retryResponse struct {
	Reset int64                  `json:"reset"`
	Run   distribution.RunResult `json:"run"`
}

func (h *DistributionHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	reset, res, err := h.processor.RetryFailedDistributions(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Warn("retry of failed distributions incomplete", "error", err, "reset", reset)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, retryResponse{Reset: reset, Run: res})
}

func (h *DistributionHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id, appErr := uuidParam(r, "id")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	if err := h.processor.RequeueDeadLetter(r.Context(), id); err != nil {
		logging.FromContext(r.Context()).Warn("requeue refused", "error", err, "distribution_id", id)
		RespondDomainError(w, err)
		return
	}

	d, err := h.records.GetByID(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toDistributionDTO(d, h.processor.MaxRetries()))
}

func (h *DistributionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, appErr := uuidParam(r, "id")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	d, err := h.records.GetByID(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toDistributionDTO(d, h.processor.MaxRetries()))
}

func (h *DistributionHandler) ListByOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	ds, err := h.records.ListByOrder(r.Context(), orderID)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to list order distributions", "error", err, "order_id", orderID)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, h.toDTOs(ds))
}
