package repository

import (
	"context"

	"beamline-control-plane/backend/internal/policy/domain"
)

// Repository defines persistence for admission policies.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Policy, error)
	ListByBeamline(ctx context.Context, beamline string) ([]*domain.Policy, error)
	GetEnabledPoliciesByBeamline(ctx context.Context, beamline string) ([]*domain.Policy, error)
	Create(ctx context.Context, p *domain.Policy) error
	Update(ctx context.Context, p *domain.Policy) error
	Delete(ctx context.Context, id string) error
}
