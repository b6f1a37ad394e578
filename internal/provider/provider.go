// Package provider defines the booking provider contract used by domain
// agents and ships deterministic sandbox providers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/tripgate/internal/domain"
)

// SyntheticPaymentToken is passed to Book outside production. Real payment
// instruments never flow through this service.
const SyntheticPaymentToken = "tok_sandbox_synthetic"

// SandboxPrefix marks booking references issued by sandbox providers.
const SandboxPrefix = "SANDBOX-"

var (
	ErrOfferNotFound   = errors.New("offer not found")
	ErrBookingNotFound = errors.New("booking not found")
)

// IsSandbox reports whether a booking reference was issued by a sandbox
// provider.
func IsSandbox(reference string) bool {
	return strings.HasPrefix(reference, SandboxPrefix)
}

// Query is a search request. Fields that do not apply to a domain are
// ignored by its provider.
type Query struct {
	Origin      string `json:"origin,omitempty"`
	Destination string `json:"destination,omitempty"`
	Date        string `json:"date,omitempty"` // YYYY-MM-DD
	CheckIn     string `json:"check_in,omitempty"`
	CheckOut    string `json:"check_out,omitempty"`
	Travelers   int    `json:"travelers,omitempty"`
	Nights      int    `json:"nights,omitempty"`
	CabinClass  string `json:"cabin_class,omitempty"`
}

// Offer is one bookable search result. Price is the total for the query
// (all travelers, all nights).
type Offer struct {
	ID              string         `json:"id"`
	Domain          domain.Domain  `json:"domain"`
	Vendor          string         `json:"vendor"`
	Name            string         `json:"name"`
	Price           float64        `json:"price"`
	CabinClass      string         `json:"cabin_class,omitempty"`
	DurationMinutes int            `json:"duration_minutes,omitempty"`
	DepartureDate   string         `json:"departure_date,omitempty"`
	PricePerNight   float64        `json:"price_per_night,omitempty"`
	Nights          int            `json:"nights,omitempty"`
	StarRating      float64        `json:"star_rating,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Confirmation is the result of a successful Book call.
type Confirmation struct {
	Reference string         `json:"booking_reference"`
	OfferID   string         `json:"offer_id"`
	Status    string         `json:"status"`
	Amount    float64        `json:"amount"`
	Details   map[string]any `json:"details,omitempty"`
}

// Cancellation is the result of a successful Cancel call.
type Cancellation struct {
	Reference    string  `json:"booking_reference"`
	Status       string  `json:"status"`
	RefundAmount float64 `json:"refund_amount"`
}

// Provider is the unified contract every booking domain implements.
type Provider interface {
	Name() string
	Domain() domain.Domain
	Search(ctx context.Context, q Query) ([]Offer, error)
	Details(ctx context.Context, offerID string) (*Offer, error)
	Book(ctx context.Context, offerID string, details map[string]any, paymentToken string) (*Confirmation, error)
	Cancel(ctx context.Context, reference string) (*Cancellation, error)
}

// Set holds one provider per booking domain.
type Set struct {
	Flight    Provider
	Hotel     Provider
	Transport Provider
	Activity  Provider
}

// For returns the provider for d.
func (s Set) For(d domain.Domain) (Provider, error) {
	var p Provider
	switch d {
	case domain.DomainFlight:
		p = s.Flight
	case domain.DomainHotel:
		p = s.Hotel
	case domain.DomainTransport:
		p = s.Transport
	case domain.DomainActivity:
		p = s.Activity
	}
	if p == nil {
		return nil, fmt.Errorf("no provider configured for domain %q", d)
	}
	return p, nil
}

// SandboxSet returns sandbox providers for every domain.
func SandboxSet(opts ...SandboxOption) Set {
	return Set{
		Flight:    NewSandbox(domain.DomainFlight, opts...),
		Hotel:     NewSandbox(domain.DomainHotel, opts...),
		Transport: NewSandbox(domain.DomainTransport, opts...),
		Activity:  NewSandbox(domain.DomainActivity, opts...),
	}
}

// ToolSet names the four tools a booking domain exposes. Agents use these
// names for audit rows; MCP providers use them as tool names.
type ToolSet struct {
	Search  string
	Details string
	Book    string
	Cancel  string
}

// Tools returns the tool names for domain d.
func Tools(d domain.Domain) ToolSet {
	plural := map[domain.Domain]string{
		domain.DomainFlight:    "flights",
		domain.DomainHotel:     "hotels",
		domain.DomainTransport: "transport",
		domain.DomainActivity:  "activities",
	}[d]
	return ToolSet{
		Search:  "search_" + plural,
		Details: "get_" + string(d) + "_details",
		Book:    "book_" + string(d),
		Cancel:  "cancel_" + string(d),
	}
}

// All lists the tool names in search, details, book, cancel order.
func (t ToolSet) All() []string { return []string{t.Search, t.Details, t.Book, t.Cancel} }
