package agent

import (
	"context"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/policy"
	"github.com/jkaninda/tripgate/internal/provider"
	"github.com/jkaninda/tripgate/internal/tripstate"
)

// TransportAgent books ground transport at the destination.
type TransportAgent struct{ base }

// NewTransportAgent creates a transport agent bound to p.
func NewTransportAgent(p provider.Provider, d *Dispatcher) *TransportAgent {
	return &TransportAgent{base: newBase("TransportAgent", domain.DomainTransport, p, d)}
}

func (a *TransportAgent) SearchTransport(ctx context.Context, st *tripstate.State, q provider.Query) ([]provider.Offer, error) {
	return a.search(ctx, st, q)
}

func (a *TransportAgent) GetTransportDetails(ctx context.Context, st *tripstate.State, offerID string) (*provider.Offer, error) {
	return a.details(ctx, st, offerID)
}

// BookTransport books offer through the gated path.
func (a *TransportAgent) BookTransport(ctx context.Context, st *tripstate.State, offer provider.Offer) (*domain.Booking, error) {
	action := policy.ProposedAction{EstimatedCost: &offer.Price, VendorID: offer.Vendor}
	return a.book(ctx, st, offer, action, travelerDetails(st.Params()))
}

func (a *TransportAgent) CancelTransport(ctx context.Context, st *tripstate.State, reference string) (*provider.Cancellation, error) {
	return a.cancel(ctx, st, reference)
}

// Run books a transfer from the arrival point into the destination.
func (a *TransportAgent) Run(ctx context.Context, st *tripstate.State) (Outcome, error) {
	p := st.Params()
	a.progress(st, "searching transport in %s", p.Destination())
	q := provider.Query{
		Origin:      firstNonEmpty(p.ArrivalAirport, p.ArrivalCity),
		Destination: p.Destination(),
		Date:        p.DepartureDate,
		Travelers:   p.Travelers(),
	}
	return a.run(ctx, st, q, a.SearchTransport, a.BookTransport)
}
