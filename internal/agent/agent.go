// Package agent runs the booking work for one domain of a trip. Each agent
// holds only its own provider and can only invoke its own tools; every
// money-moving call goes through Dispatcher.Gated.
package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/events"
	"github.com/jkaninda/tripgate/internal/policy"
	"github.com/jkaninda/tripgate/internal/provider"
	"github.com/jkaninda/tripgate/internal/tripstate"
)

var (
	// ErrPolicyBlocked is returned when a hard policy rule rejects an action.
	ErrPolicyBlocked = errors.New("POLICY_BLOCKED")
	// ErrApprovalNotVerified is returned when the pre-call re-read of an
	// approval does not show it approved.
	ErrApprovalNotVerified = errors.New("approval not verified before provider call")
	// ErrNoCandidates is returned when a search yields nothing bookable.
	ErrNoCandidates = errors.New("no bookable offers")
	// ErrBookingNotRecorded is returned when the provider confirmed a
	// booking that could not be committed to the audit log. Repeating the
	// sub-task would book a second time.
	ErrBookingNotRecorded = errors.New("provider booking not recorded")
	// ErrPriceChanged is returned when the provider confirmed a higher
	// amount than the one evaluated and approved. The booking was cancelled;
	// a retry re-quotes and re-gates.
	ErrPriceChanged = errors.New("confirmed price exceeds quote")
)

// IsRetryable reports whether a sub-task failing with err may be attempted
// again. Policy blocks and unrecorded provider bookings are final. A
// rejected or expired approval is retried like any other failure; the gate
// refuses the same action again without asking a human twice.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, final := range []error{
		ErrPolicyBlocked,
		ErrApprovalNotVerified,
		ErrBookingNotRecorded,
		context.Canceled,
	} {
		if errors.Is(err, final) {
			return false
		}
	}
	return true
}

// Outcome is what a successful agent run produced.
type Outcome struct {
	Domain   domain.Domain
	Output   string
	Bookings []domain.Booking
}

// Runner executes one domain sub-task against the shared trip state.
type Runner interface {
	Name() string
	Domain() domain.Domain
	Tools() []string
	Run(ctx context.Context, st *tripstate.State) (Outcome, error)
}

// base holds what every typed agent shares. It is embedded, never exported.
type base struct {
	name     string
	domain   domain.Domain
	tools    provider.ToolSet
	provider provider.Provider
	dispatch *Dispatcher
}

func newBase(name string, d domain.Domain, p provider.Provider, dispatch *Dispatcher) base {
	return base{name: name, domain: d, tools: provider.Tools(d), provider: p, dispatch: dispatch}
}

func (b *base) Name() string          { return b.name }
func (b *base) Domain() domain.Domain { return b.domain }

// Tools is the fixed list of tools this agent may call.
func (b *base) Tools() []string { return b.tools.All() }

func (b *base) search(ctx context.Context, st *tripstate.State, q provider.Query) ([]provider.Offer, error) {
	var offers []provider.Offer
	err := b.dispatch.Call(ctx, st, b.name, b.tools.Search, toInput(q), func(ctx context.Context) (any, error) {
		var err error
		offers, err = b.provider.Search(ctx, q)
		return offers, err
	})
	return offers, err
}

func (b *base) details(ctx context.Context, st *tripstate.State, offerID string) (*provider.Offer, error) {
	var offer *provider.Offer
	err := b.dispatch.Call(ctx, st, b.name, b.tools.Details, map[string]any{"offer_id": offerID}, func(ctx context.Context) (any, error) {
		var err error
		offer, err = b.provider.Details(ctx, offerID)
		return offer, err
	})
	return offer, err
}

func (b *base) book(ctx context.Context, st *tripstate.State, offer provider.Offer, action policy.ProposedAction, details map[string]any) (*domain.Booking, error) {
	input := map[string]any{
		"offer_id": offer.ID,
		"vendor":   offer.Vendor,
		"price":    offer.Price,
		"details":  details,
	}
	action.Action = b.tools.Book + ":" + offer.ID
	return b.dispatch.Gated(ctx, st, GatedCall{
		Agent:  b.name,
		Domain: b.domain,
		Tool:   b.tools.Book,
		Input:  input,
		Action: action,
		Book:   true,
		Compensate: func(ctx context.Context, reference string) error {
			_, err := b.provider.Cancel(ctx, reference)
			return err
		},
		Exec: func(ctx context.Context) (*Receipt, error) {
			c, err := b.provider.Book(ctx, offer.ID, details, provider.SyntheticPaymentToken)
			if err != nil {
				return nil, err
			}
			d := map[string]any{"offer_id": offer.ID, "vendor": offer.Vendor, "name": offer.Name}
			for k, v := range c.Details {
				d[k] = v
			}
			return &Receipt{
				Provider:  b.provider.Name(),
				Reference: c.Reference,
				Amount:    c.Amount,
				Details:   d,
				Output:    c,
			}, nil
		},
	})
}

func (b *base) cancel(ctx context.Context, st *tripstate.State, reference string) (*provider.Cancellation, error) {
	var out *provider.Cancellation
	_, err := b.dispatch.Gated(ctx, st, GatedCall{
		Agent:  b.name,
		Domain: b.domain,
		Tool:   b.tools.Cancel,
		Input:  map[string]any{"booking_reference": reference},
		Action: policy.ProposedAction{Action: b.tools.Cancel + ":" + reference},
		Exec: func(ctx context.Context) (*Receipt, error) {
			c, err := b.provider.Cancel(ctx, reference)
			if err != nil {
				return nil, err
			}
			out = c
			return &Receipt{Provider: b.provider.Name(), Reference: c.Reference, Output: c}, nil
		},
	})
	return out, err
}

func (b *base) progress(st *tripstate.State, format string, args ...any) {
	b.dispatch.publish(events.New(events.Progress, st.TripID(), map[string]any{
		"domain":  string(b.domain),
		"agent":   b.name,
		"message": fmt.Sprintf(format, args...),
	}))
}

// choose picks the cheapest offer, preferring offers from vendor when one is
// given and available.
func choose(offers []provider.Offer, vendor string) (provider.Offer, error) {
	if len(offers) == 0 {
		return provider.Offer{}, ErrNoCandidates
	}
	pool := offers
	if vendor != "" {
		preferred := slices.DeleteFunc(slices.Clone(offers), func(o provider.Offer) bool {
			return !strings.EqualFold(o.Vendor, vendor)
		})
		if len(preferred) > 0 {
			pool = preferred
		}
	}
	return slices.MinFunc(pool, func(a, b provider.Offer) int {
		switch {
		case a.Price < b.Price:
			return -1
		case a.Price > b.Price:
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	}), nil
}

func bookedOutput(b *domain.Booking, offer provider.Offer) string {
	return fmt.Sprintf("Booked %s %s (%s), reference %s, %.2f",
		b.Domain, offer.Name, offer.Vendor, b.BookingReference, b.Amount)
}
