package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/jkaninda/tripgate/internal/domain"
)

// Resolve returns the single policy governing trip: the explicit policy id
// if set (which must exist and be active), else the org's active policy,
// else nil. An explicit but unusable policy returns ErrPolicyNotFound.
func (e *Engine) Resolve(ctx context.Context, trip *domain.Trip) (*domain.CorporatePolicy, error) {
	if trip.PolicyID != nil {
		return e.Load(ctx, *trip.PolicyID)
	}
	if trip.OrgID == "" {
		return nil, nil
	}
	p, err := e.store.ActivePolicyForOrg(ctx, trip.OrgID)
	if errors.Is(err, ErrPolicyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving policy for org %s: %w", trip.OrgID, err)
	}
	return p, nil
}
