package domain

import (
	"fmt"

	"github.com/google/uuid"
)

type OwnerKind string

const (
	OwnerKindPlatformOperator OwnerKind = "platform_operator"
	OwnerKindCourseOwner      OwnerKind = "course_owner"
)

func (k OwnerKind) IsValid() bool {
	switch k {
	case OwnerKindPlatformOperator, OwnerKindCourseOwner:
		return true
	}
	return false
}

// Owner identifies who a wallet belongs to. The zero value is invalid; build
// one with PlatformOperator, CourseOwner or ParseOwner.
type Owner struct {
	kind OwnerKind
	id   uuid.UUID
}

func PlatformOperator(id uuid.UUID) Owner {
	return Owner{kind: OwnerKindPlatformOperator, id: id}
}

func CourseOwner(id uuid.UUID) Owner {
	return Owner{kind: OwnerKindCourseOwner, id: id}
}

func ParseOwner(kind string, id uuid.UUID) (Owner, error) {
	k := OwnerKind(kind)
	if !k.IsValid() {
		return Owner{}, fmt.Errorf("ParseOwner: kind %q: %w", kind, ErrInvalidOwner)
	}
	if id == uuid.Nil {
		return Owner{}, fmt.Errorf("ParseOwner: nil id: %w", ErrInvalidOwner)
	}
	return Owner{kind: k, id: id}, nil
}

func (o Owner) Kind() OwnerKind { return o.kind }

func (o Owner) ID() uuid.UUID { return o.id }

func (o Owner) IsZero() bool { return o.kind == "" }

func (o Owner) String() string {
	return string(o.kind) + ":" + o.id.String()
}
