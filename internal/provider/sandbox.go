package provider

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/jkaninda/tripgate/internal/domain"
)

// catalogEntry is a fixed sandbox offer. Price scales per traveler for
// flights and activities and per night for hotels.
type catalogEntry struct {
	id              string
	vendor          string
	name            string
	unitPrice       float64
	cabinClass      string
	durationMinutes int
	starRating      float64
	kind            string
}

var catalogs = map[domain.Domain][]catalogEntry{
	domain.DomainFlight: {
		{id: "FL001", vendor: "Mock Air", name: "Mock Air 09:00", unitPrice: 299.99, cabinClass: "economy", durationMinutes: 120},
		{id: "FL002", vendor: "Budget Wings", name: "Budget Wings 14:00", unitPrice: 199.99, cabinClass: "economy", durationMinutes: 150},
	},
	domain.DomainHotel: {
		{id: "HTL001", vendor: "Mock Grand Hotel", name: "Mock Grand Hotel", unitPrice: 150.00, starRating: 4.5},
		{id: "HTL002", vendor: "Budget Inn", name: "Budget Inn", unitPrice: 79.99, starRating: 3.5},
	},
	domain.DomainTransport: {
		{id: "TRN001", vendor: "City Taxi", name: "Taxi transfer", unitPrice: 45.00, kind: "taxi"},
		{id: "TRN002", vendor: "Airport Shuttle", name: "Shared shuttle", unitPrice: 25.00, kind: "shuttle"},
	},
	domain.DomainActivity: {
		{id: "ACT001", vendor: "City Tours", name: "City Walking Tour", unitPrice: 35.00, durationMinutes: 180},
		{id: "ACT002", vendor: "Museum Pass", name: "Museum Visit", unitPrice: 25.00, durationMinutes: 120},
	},
}

// Sandbox is a deterministic in-process provider. It never moves money and
// issues references prefixed with SandboxPrefix.
type Sandbox struct {
	domain domain.Domain
	fault  func(op string) error

	mu     sync.Mutex
	quotes map[string]Offer
	booked map[string]Confirmation
	seq    int
}

// SandboxOption configures a Sandbox.
type SandboxOption func(*Sandbox)

// WithFault installs a hook called before every operation ("search",
// "details", "book", "cancel"). A non-nil error fails the operation.
func WithFault(fn func(op string) error) SandboxOption {
	return func(s *Sandbox) { s.fault = fn }
}

// NewSandbox creates a sandbox provider for d.
func NewSandbox(d domain.Domain, opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		domain: d,
		quotes: make(map[string]Offer),
		booked: make(map[string]Confirmation),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sandbox) Name() string          { return "sandbox-" + string(s.domain) }
func (s *Sandbox) Domain() domain.Domain { return s.domain }

func (s *Sandbox) Search(ctx context.Context, q Query) ([]Offer, error) {
	if err := s.check(ctx, "search"); err != nil {
		return nil, err
	}
	travelers := max(q.Travelers, 1)
	nights := max(q.Nights, 1)

	entries := catalogs[s.domain]
	offers := make([]Offer, 0, len(entries))
	for _, e := range entries {
		o := e.offer(s.domain)
		switch s.domain {
		case domain.DomainFlight:
			o.Price = round2(e.unitPrice * float64(travelers))
			o.DepartureDate = q.Date
			if q.CabinClass != "" {
				o.CabinClass = q.CabinClass
			}
			o.Extra = map[string]any{"origin": q.Origin, "destination": q.Destination}
		case domain.DomainHotel:
			o.PricePerNight = e.unitPrice
			o.Nights = nights
			o.Price = round2(e.unitPrice * float64(nights))
			o.Extra = map[string]any{"destination": q.Destination, "check_in": q.CheckIn, "check_out": q.CheckOut}
		case domain.DomainTransport:
			o.Extra = map[string]any{"type": e.kind, "pickup": q.Origin, "dropoff": q.Destination, "date": q.Date}
		case domain.DomainActivity:
			o.Price = round2(e.unitPrice * float64(travelers))
			o.Extra = map[string]any{"destination": q.Destination, "date": q.Date}
		}
		offers = append(offers, o)
	}

	s.mu.Lock()
	for _, o := range offers {
		s.quotes[o.ID] = o
	}
	s.mu.Unlock()
	return offers, nil
}

func (s *Sandbox) Details(ctx context.Context, offerID string) (*Offer, error) {
	if err := s.check(ctx, "details"); err != nil {
		return nil, err
	}
	o, ok := s.lookup(offerID)
	if !ok {
		return nil, fmt.Errorf("%s offer %q: %w", s.domain, offerID, ErrOfferNotFound)
	}
	return &o, nil
}

// Book confirms offerID at its last quoted price, or the catalog unit price
// when it was never searched.
func (s *Sandbox) Book(ctx context.Context, offerID string, details map[string]any, paymentToken string) (*Confirmation, error) {
	if err := s.check(ctx, "book"); err != nil {
		return nil, err
	}
	o, ok := s.lookup(offerID)
	if !ok {
		return nil, fmt.Errorf("%s offer %q: %w", s.domain, offerID, ErrOfferNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	c := Confirmation{
		Reference: fmt.Sprintf("%s%s-%04d", SandboxPrefix, offerID, s.seq),
		OfferID:   offerID,
		Status:    "confirmed",
		Amount:    o.Price,
		Details: map[string]any{
			"vendor":        o.Vendor,
			"name":          o.Name,
			"payment_token": paymentToken,
			"traveler":      details,
		},
	}
	s.booked[c.Reference] = c
	return &c, nil
}

func (s *Sandbox) Cancel(ctx context.Context, reference string) (*Cancellation, error) {
	if err := s.check(ctx, "cancel"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.booked[reference]
	if !ok {
		return nil, fmt.Errorf("%s booking %q: %w", s.domain, reference, ErrBookingNotFound)
	}
	delete(s.booked, reference)
	return &Cancellation{Reference: reference, Status: "cancelled", RefundAmount: c.Amount}, nil
}

func (s *Sandbox) lookup(offerID string) (Offer, bool) {
	s.mu.Lock()
	o, ok := s.quotes[offerID]
	s.mu.Unlock()
	if ok {
		return o, true
	}
	for _, e := range catalogs[s.domain] {
		if e.id == offerID {
			return e.offer(s.domain), true
		}
	}
	return Offer{}, false
}

func (s *Sandbox) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.fault != nil {
		if err := s.fault(op); err != nil {
			return fmt.Errorf("%s %s: %w", s.Name(), op, err)
		}
	}
	return nil
}

func (e catalogEntry) offer(d domain.Domain) Offer {
	o := Offer{
		ID:              e.id,
		Domain:          d,
		Vendor:          e.vendor,
		Name:            e.name,
		Price:           e.unitPrice,
		CabinClass:      e.cabinClass,
		DurationMinutes: e.durationMinutes,
		StarRating:      e.starRating,
	}
	if d == domain.DomainHotel {
		o.PricePerNight = e.unitPrice
		o.Nights = 1
	}
	return o
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

var _ Provider = (*Sandbox)(nil)
