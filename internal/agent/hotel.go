package agent

import (
	"context"
	"time"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/policy"
	"github.com/jkaninda/tripgate/internal/provider"
	"github.com/jkaninda/tripgate/internal/tripstate"
)

// HotelAgent books accommodation.
type HotelAgent struct{ base }

// NewHotelAgent creates a hotel agent bound to p.
func NewHotelAgent(p provider.Provider, d *Dispatcher) *HotelAgent {
	return &HotelAgent{base: newBase("HotelAgent", domain.DomainHotel, p, d)}
}

func (a *HotelAgent) SearchHotels(ctx context.Context, st *tripstate.State, q provider.Query) ([]provider.Offer, error) {
	return a.search(ctx, st, q)
}

func (a *HotelAgent) GetHotelDetails(ctx context.Context, st *tripstate.State, offerID string) (*provider.Offer, error) {
	return a.details(ctx, st, offerID)
}

// BookHotel books offer through the gated path.
func (a *HotelAgent) BookHotel(ctx context.Context, st *tripstate.State, offer provider.Offer) (*domain.Booking, error) {
	action := policy.ProposedAction{
		EstimatedCost: &offer.Price,
		TotalCost:     &offer.Price,
		VendorID:      offer.Vendor,
	}
	if offer.PricePerNight > 0 {
		perNight := offer.PricePerNight
		action.CostPerNight = &perNight
	}
	if offer.Nights > 0 {
		nights := offer.Nights
		action.Nights = &nights
	}
	if offer.StarRating > 0 {
		stars := offer.StarRating
		action.StarRating = &stars
	}
	return a.book(ctx, st, offer, action, travelerDetails(st.Params()))
}

func (a *HotelAgent) CancelHotel(ctx context.Context, st *tripstate.State, reference string) (*provider.Cancellation, error) {
	return a.cancel(ctx, st, reference)
}

// Run searches for a stay at the destination and books the best offer.
func (a *HotelAgent) Run(ctx context.Context, st *tripstate.State) (Outcome, error) {
	p := st.Params()
	a.progress(st, "searching hotels in %s", p.Destination())
	q := provider.Query{
		Destination: p.Destination(),
		CheckIn:     p.CheckInDate,
		CheckOut:    p.CheckOutDate,
		Nights:      nights(p.CheckInDate, p.CheckOutDate),
		Travelers:   p.Travelers(),
	}
	return a.run(ctx, st, q, a.SearchHotels, a.BookHotel)
}

// nights counts the nights between two YYYY-MM-DD dates, defaulting to one
// when either is missing or the range is empty.
func nights(checkIn, checkOut string) int {
	in, err1 := time.Parse(time.DateOnly, checkIn)
	out, err2 := time.Parse(time.DateOnly, checkOut)
	if err1 != nil || err2 != nil {
		return 1
	}
	n := int(out.Sub(in).Hours() / 24)
	if n < 1 {
		return 1
	}
	return n
}
