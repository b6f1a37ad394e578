package planner

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jkaninda/tripgate/internal/domain"
)

var domainKeywords = []struct {
	domain   domain.Domain
	keywords []string
}{
	{domain.DomainFlight, []string{"flight", "fly", "flying", "airline", "plane", "airport"}},
	{domain.DomainHotel, []string{"hotel", "stay", "accommodation", "room", "hostel", "lodge"}},
	{domain.DomainTransport, []string{"train", "car", "taxi", "transfer", "rail", "transport", "shuttle"}},
	{domain.DomainActivity, []string{"tour", "activity", "activities", "museum", "excursion", "sightseeing"}},
}

var (
	dateRe      = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	fromToRe    = regexp.MustCompile(`\b[Ff]rom\s+([A-Z][\w'-]*(?:\s+[A-Z][\w'-]*)*)\s+to\s+([A-Z][\w'-]*(?:\s+[A-Z][\w'-]*)*)`)
	toRe        = regexp.MustCompile(`\b(?:to|in)\s+([A-Z][\w'-]*(?:\s+[A-Z][\w'-]*)*)`)
	travelersRe = regexp.MustCompile(`(?i)\b(\d+)\s+(?:people|persons|travell?ers|adults|passengers|guests)\b`)
	budgetRe    = regexp.MustCompile(`(?i)\b(?:under|budget(?:\s+of)?|max(?:imum)?)\s+\$?(\d+(?:\.\d+)?)`)
	cabinRe     = regexp.MustCompile(`(?i)\b(premium economy|economy|business|first)\s+class\b`)
)

// DetectDomains returns the booking domains mentioned in goal, in
// scheduling order. It defaults to flight when nothing matches.
func DetectDomains(goal string) []domain.Domain {
	words := strings.FieldsFunc(strings.ToLower(goal), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		seen[w] = true
		seen[strings.TrimSuffix(w, "s")] = true
	}

	var found []domain.Domain
	for _, dk := range domainKeywords {
		for _, kw := range dk.keywords {
			if seen[kw] {
				found = append(found, dk.domain)
				break
			}
		}
	}
	if len(found) == 0 {
		return []domain.Domain{domain.DomainFlight}
	}
	return found
}

// ExtractParams pulls cities, dates and traveler details out of goal.
func ExtractParams(goal string) domain.ExtractedParams {
	var p domain.ExtractedParams

	if m := fromToRe.FindStringSubmatch(goal); m != nil {
		p.DepartureCity = trimCity(m[1])
		p.ArrivalCity = trimCity(m[2])
	} else if m := toRe.FindStringSubmatch(goal); m != nil {
		p.ArrivalCity = trimCity(m[1])
	}
	p.DestinationCity = p.ArrivalCity

	dates := dateRe.FindAllString(goal, 2)
	if len(dates) > 0 {
		p.DepartureDate = dates[0]
		p.CheckInDate = dates[0]
	}
	if len(dates) > 1 {
		p.ReturnDate = dates[1]
		p.CheckOutDate = dates[1]
	}

	p.NumTravelers = 1
	if m := travelersRe.FindStringSubmatch(goal); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			p.NumTravelers = n
		}
	}
	if m := budgetRe.FindStringSubmatch(goal); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.BudgetCeiling = v
		}
	}
	if m := cabinRe.FindStringSubmatch(goal); m != nil {
		p.CabinClass = strings.ReplaceAll(strings.ToLower(m[1]), " ", "_")
	}
	return p
}

// trimCity cuts a captured city at the first lowercase connector such as
// "on" or "for" that the pattern may have swallowed.
func trimCity(s string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		switch strings.ToLower(f) {
		case "on", "for", "from", "to", "in", "and", "with":
			return strings.Join(fields[:i], " ")
		}
	}
	return strings.Join(fields, " ")
}

// KeywordPlanner is a deterministic planner with no external calls.
type KeywordPlanner struct{}

// NewKeywordPlanner returns a keyword planner.
func NewKeywordPlanner() *KeywordPlanner { return &KeywordPlanner{} }

// Decompose marks every detected domain required.
func (KeywordPlanner) Decompose(_ context.Context, goal string) (*domain.TripPlan, error) {
	return keywordPlan(goal)
}

func keywordPlan(goal string) (*domain.TripPlan, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("%w: empty goal", ErrPlanInvalid)
	}
	domains := DetectDomains(goal)
	plan := &domain.TripPlan{Params: ExtractParams(goal)}
	for _, d := range domains {
		plan.Tasks = append(plan.Tasks, domain.PlanTask{Domain: d, Goal: goal})
		plan.Required = append(plan.Required, d)
	}
	return normalize(plan, goal)
}

// Synthesize renders a plain-text summary of the trip.
func (KeywordPlanner) Synthesize(_ context.Context, s domain.TripSummary) (string, error) {
	return templateSummary(s), nil
}

func templateSummary(s domain.TripSummary) string {
	var sb strings.Builder
	if dest := s.Params.Destination(); dest != "" {
		fmt.Fprintf(&sb, "Trip to %s", dest)
	} else {
		sb.WriteString("Trip")
	}
	if s.Params.DepartureDate != "" {
		fmt.Fprintf(&sb, " departing %s", s.Params.DepartureDate)
	}
	sb.WriteString(".\n")

	for _, b := range s.Bookings {
		fmt.Fprintf(&sb, "- %s booked with %s, reference %s, %.2f\n", b.Domain, b.Provider, b.BookingReference, b.Amount)
	}
	for _, r := range s.Results {
		switch r.Status {
		case domain.SubTaskSkipped:
			fmt.Fprintf(&sb, "- %s skipped: %s\n", r.Domain, r.Error)
		case domain.SubTaskFailed:
			fmt.Fprintf(&sb, "- %s failed: %s\n", r.Domain, r.Error)
		}
	}
	fmt.Fprintf(&sb, "Total spent: %.2f", s.TotalSpent)
	return sb.String()
}
