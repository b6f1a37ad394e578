package agent

import (
	"context"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/policy"
	"github.com/jkaninda/tripgate/internal/provider"
	"github.com/jkaninda/tripgate/internal/tripstate"
)

// defaultCabin is assumed when neither the offer nor the goal names a cabin.
const defaultCabin = "economy"

// FlightAgent books flights.
type FlightAgent struct{ base }

// NewFlightAgent creates a flight agent bound to p.
func NewFlightAgent(p provider.Provider, d *Dispatcher) *FlightAgent {
	return &FlightAgent{base: newBase("FlightAgent", domain.DomainFlight, p, d)}
}

func (a *FlightAgent) SearchFlights(ctx context.Context, st *tripstate.State, q provider.Query) ([]provider.Offer, error) {
	return a.search(ctx, st, q)
}

func (a *FlightAgent) GetFlightDetails(ctx context.Context, st *tripstate.State, offerID string) (*provider.Offer, error) {
	return a.details(ctx, st, offerID)
}

// BookFlight books offer through the gated path.
func (a *FlightAgent) BookFlight(ctx context.Context, st *tripstate.State, offer provider.Offer) (*domain.Booking, error) {
	p := st.Params()
	action := policy.ProposedAction{
		EstimatedCost: &offer.Price,
		CabinClass:    firstNonEmpty(offer.CabinClass, p.CabinClass, defaultCabin),
		DepartureDate: firstNonEmpty(offer.DepartureDate, p.DepartureDate),
		VendorID:      offer.Vendor,
	}
	if offer.DurationMinutes > 0 {
		minutes := offer.DurationMinutes
		action.DurationMinutes = &minutes
	}
	return a.book(ctx, st, offer, action, travelerDetails(p))
}

func (a *FlightAgent) CancelFlight(ctx context.Context, st *tripstate.State, reference string) (*provider.Cancellation, error) {
	return a.cancel(ctx, st, reference)
}

// Run searches for the trip's flight and books the best offer.
func (a *FlightAgent) Run(ctx context.Context, st *tripstate.State) (Outcome, error) {
	p := st.Params()
	a.progress(st, "searching flights to %s", p.Destination())
	q := provider.Query{
		Origin:      firstNonEmpty(p.DepartureAirport, p.DepartureCity),
		Destination: firstNonEmpty(p.ArrivalAirport, p.Destination()),
		Date:        p.DepartureDate,
		Travelers:   p.Travelers(),
		CabinClass:  p.CabinClass,
	}
	return a.run(ctx, st, q, a.SearchFlights, a.BookFlight)
}
