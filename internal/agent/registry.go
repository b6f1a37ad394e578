package agent

import (
	"context"
	"fmt"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/provider"
	"github.com/jkaninda/tripgate/internal/tripstate"
)

// Registry maps each booking domain to its agent.
type Registry struct {
	runners map[domain.Domain]Runner
}

// NewRegistry builds one agent per domain from set.
func NewRegistry(set provider.Set, d *Dispatcher) (*Registry, error) {
	r := &Registry{runners: make(map[domain.Domain]Runner, len(domain.BookingDomains))}
	for _, dom := range domain.BookingDomains {
		p, err := set.For(dom)
		if err != nil {
			return nil, err
		}
		if p.Domain() != dom {
			return nil, fmt.Errorf("provider %s serves %s, not %s", p.Name(), p.Domain(), dom)
		}
		switch dom {
		case domain.DomainFlight:
			r.runners[dom] = NewFlightAgent(p, d)
		case domain.DomainHotel:
			r.runners[dom] = NewHotelAgent(p, d)
		case domain.DomainTransport:
			r.runners[dom] = NewTransportAgent(p, d)
		case domain.DomainActivity:
			r.runners[dom] = NewActivityAgent(p, d)
		}
	}
	return r, nil
}

// Get returns the agent for d.
func (r *Registry) Get(d domain.Domain) (Runner, error) {
	runner, ok := r.runners[d]
	if !ok {
		return nil, fmt.Errorf("no agent for domain %q", d)
	}
	return runner, nil
}

type (
	searchFunc func(context.Context, *tripstate.State, provider.Query) ([]provider.Offer, error)
	bookFunc   func(context.Context, *tripstate.State, provider.Offer) (*domain.Booking, error)
)

// run is the deterministic agent flow: search, choose, book.
func (b *base) run(ctx context.Context, st *tripstate.State, q provider.Query, search searchFunc, book bookFunc) (Outcome, error) {
	offers, err := search(ctx, st, q)
	if err != nil {
		return Outcome{}, err
	}
	offer, err := choose(offers, st.Params().PreferredVendor)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", b.tools.Search, err)
	}
	b.progress(st, "booking %s %s for %.2f", offer.Vendor, offer.ID, offer.Price)
	booking, err := book(ctx, st, offer)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Domain:   b.domain,
		Output:   bookedOutput(booking, offer),
		Bookings: []domain.Booking{*booking},
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func travelerDetails(p domain.ExtractedParams) map[string]any {
	return map[string]any{"travelers": p.Travelers()}
}
