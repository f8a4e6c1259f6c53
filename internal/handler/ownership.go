package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/josh-kwaku/tutorpay/internal/auth"
	"github.com/josh-kwaku/tutorpay/internal/domain"
)

// ownerFromPath resolves the wallet owner named by {kind}/{ownerID}. Admins
// may address any owner; course owners only themselves. Anything else looks
// like a missing wallet.
func ownerFromPath(r *http.Request) (domain.Owner, *AppError) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return domain.Owner{}, ErrMissingToken
	}

	id, err := uuid.Parse(chi.URLParam(r, "ownerID"))
	if err != nil {
		return domain.Owner{}, ErrResourceNotFound
	}
	owner, err := domain.ParseOwner(chi.URLParam(r, "kind"), id)
	if err != nil {
		return domain.Owner{}, ErrResourceNotFound
	}

	switch claims.Role {
	case auth.RoleAdmin:
		return owner, nil
	case auth.RoleOwner:
		if owner.Kind() == domain.OwnerKindCourseOwner && owner.ID() == claims.Subject {
			return owner, nil
		}
	}
	return domain.Owner{}, ErrResourceNotFound
}

func uuidParam(r *http.Request, name string) (uuid.UUID, *AppError) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, ErrResourceNotFound
	}
	return id, nil
}
