package agent

import (
	"context"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/policy"
	"github.com/jkaninda/tripgate/internal/provider"
	"github.com/jkaninda/tripgate/internal/tripstate"
)

// ActivityAgent books tours and activities.
type ActivityAgent struct{ base }

// NewActivityAgent creates an activity agent bound to p.
func NewActivityAgent(p provider.Provider, d *Dispatcher) *ActivityAgent {
	return &ActivityAgent{base: newBase("ActivityAgent", domain.DomainActivity, p, d)}
}

func (a *ActivityAgent) SearchActivities(ctx context.Context, st *tripstate.State, q provider.Query) ([]provider.Offer, error) {
	return a.search(ctx, st, q)
}

func (a *ActivityAgent) GetActivityDetails(ctx context.Context, st *tripstate.State, offerID string) (*provider.Offer, error) {
	return a.details(ctx, st, offerID)
}

// BookActivity books offer through the gated path.
func (a *ActivityAgent) BookActivity(ctx context.Context, st *tripstate.State, offer provider.Offer) (*domain.Booking, error) {
	action := policy.ProposedAction{EstimatedCost: &offer.Price, VendorID: offer.Vendor}
	return a.book(ctx, st, offer, action, travelerDetails(st.Params()))
}

func (a *ActivityAgent) CancelActivity(ctx context.Context, st *tripstate.State, reference string) (*provider.Cancellation, error) {
	return a.cancel(ctx, st, reference)
}

// Run books an activity at the destination.
func (a *ActivityAgent) Run(ctx context.Context, st *tripstate.State) (Outcome, error) {
	p := st.Params()
	a.progress(st, "searching activities in %s", p.Destination())
	q := provider.Query{
		Destination: p.Destination(),
		Date:        firstNonEmpty(p.CheckInDate, p.DepartureDate),
		Travelers:   p.Travelers(),
	}
	return a.run(ctx, st, q, a.SearchActivities, a.BookActivity)
}
