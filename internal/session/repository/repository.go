package repository

import (
	"context"
	"errors"

	"beamline-control-plane/backend/internal/session/domain"
)

// ErrNotFound is returned by Tx methods that address a username with no stored record.
var ErrNotFound = errors.New("repository: user not found")

// Store persists beamline user records. Everything written inside one WithinTx call is
// committed together when fn returns nil and discarded otherwise.
type Store interface {
	WithinTx(ctx context.Context, fn func(Tx) error) error
	// LoadAll returns every stored record of the beamline.
	LoadAll(ctx context.Context) ([]*domain.Session, error)
}

// Tx is the set of writes available inside a transaction. Records are keyed by the
// session's principal key (the store username).
type Tx interface {
	FindByUsername(ctx context.Context, username string) (*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	Put(ctx context.Context, s *domain.Session) error
	Deactivate(ctx context.Context, username string) error
	Delete(ctx context.Context, username string) error
	// EnsureRole creates the role if it does not exist yet.
	EnsureRole(ctx context.Context, name string) error
}
