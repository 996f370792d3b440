package repository

import (
	"context"
	"fmt"

	"beamline-control-plane/backend/internal/session/domain"
	"beamline-control-plane/backend/internal/session/registry"
)

// Apply writes c through tx: removals and deactivations first, then updates and creations
// in the order Diff produced them, so no intermediate state has two operators. A created
// session whose username is still stored overwrites that record. The staff and incontrol
// roles are created on first use.
func Apply(ctx context.Context, tx Tx, c registry.Changes) error {
	if len(c.Created) > 0 {
		for _, r := range []string{domain.RoleStaff, domain.RoleInControl} {
			if err := tx.EnsureRole(ctx, r); err != nil {
				return fmt.Errorf("ensure role %s: %w", r, err)
			}
		}
	}
	for _, s := range c.Removed {
		if err := tx.Delete(ctx, s.PrincipalKey); err != nil {
			return fmt.Errorf("delete %s: %w", s.PrincipalKey, err)
		}
	}
	for _, s := range c.Deactivated {
		if err := tx.Deactivate(ctx, s.PrincipalKey); err != nil {
			return fmt.Errorf("deactivate %s: %w", s.PrincipalKey, err)
		}
	}
	for _, s := range c.Updated {
		if err := tx.Put(ctx, s); err != nil {
			return fmt.Errorf("update %s: %w", s.PrincipalKey, err)
		}
	}
	for _, s := range c.Created {
		existing, err := tx.FindByUsername(ctx, s.PrincipalKey)
		if err != nil {
			return fmt.Errorf("find %s: %w", s.PrincipalKey, err)
		}
		if existing != nil {
			err = tx.Put(ctx, s)
		} else {
			err = tx.Create(ctx, s)
		}
		if err != nil {
			return fmt.Errorf("create %s: %w", s.PrincipalKey, err)
		}
	}
	return nil
}
