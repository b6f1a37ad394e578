// Package planner turns a free-text travel goal into a TripPlan and turns a
// finished trip back into a narrative summary.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/tripgate/internal/domain"
)

// ErrPlanInvalid is returned when a plan has no usable tasks.
var ErrPlanInvalid = errors.New("invalid trip plan")

// Planner decomposes goals and synthesizes summaries.
type Planner interface {
	Decompose(ctx context.Context, goal string) (*domain.TripPlan, error)
	Synthesize(ctx context.Context, summary domain.TripSummary) (string, error)
}

// normalize drops unknown and duplicate tasks, orders tasks flight first and
// fills derived params. A domain listed in neither Required nor Optional is
// treated as required.
func normalize(plan *domain.TripPlan, goal string) (*domain.TripPlan, error) {
	byDomain := make(map[domain.Domain]domain.PlanTask, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if !t.Domain.Valid() {
			continue
		}
		if _, dup := byDomain[t.Domain]; dup {
			continue
		}
		if strings.TrimSpace(t.Goal) == "" {
			t.Goal = goal
		}
		byDomain[t.Domain] = t
	}
	if len(byDomain) == 0 {
		return nil, fmt.Errorf("%w: no bookable tasks", ErrPlanInvalid)
	}

	out := &domain.TripPlan{Params: plan.Params}
	for _, d := range domain.BookingDomains {
		t, ok := byDomain[d]
		if !ok {
			continue
		}
		out.Tasks = append(out.Tasks, t)
		if plan.IsOptional(d) {
			out.Optional = append(out.Optional, d)
		} else {
			out.Required = append(out.Required, d)
		}
	}

	p := &out.Params
	if p.NumTravelers <= 0 {
		p.NumTravelers = 1
	}
	if p.DestinationCity == "" {
		p.DestinationCity = p.ArrivalCity
	}
	if p.ArrivalCity == "" {
		p.ArrivalCity = p.DestinationCity
	}
	if p.CheckInDate == "" {
		p.CheckInDate = p.DepartureDate
	}
	if p.CheckOutDate == "" {
		p.CheckOutDate = p.ReturnDate
	}
	return out, nil
}
