package policy

import (
	"encoding/json"
	"math"
	"slices"
	"time"

	"github.com/jkaninda/tripgate/internal/domain"
)

// Rule keys. The set is fixed; unknown keys never fire.
const (
	RuleMaxFlightCost             = "max_flight_cost"
	RuleAllowedCabinClasses       = "allowed_cabin_classes"
	RuleRequireAdvanceBookingDays = "require_advance_booking_days"
	RuleMaxFlightDurationHours    = "max_flight_duration_hours"
	RuleMaxHotelCostPerNight      = "max_hotel_cost_per_night"
	RuleMaxHotelStayTotal         = "max_hotel_stay_total"
	RuleMaxHotelStarRating        = "max_hotel_star_rating"
	RulePreferredVendorsOnly      = "preferred_vendors_only"
	RuleMaxTotalTripSpend         = "max_total_trip_spend"
)

// ruleScopes binds each rule key to the domain it can fire on.
var ruleScopes = map[string]domain.Domain{
	RuleMaxFlightCost:             domain.DomainFlight,
	RuleAllowedCabinClasses:       domain.DomainFlight,
	RuleRequireAdvanceBookingDays: domain.DomainFlight,
	RuleMaxFlightDurationHours:    domain.DomainFlight,
	RuleMaxHotelCostPerNight:      domain.DomainHotel,
	RuleMaxHotelStayTotal:         domain.DomainHotel,
	RuleMaxHotelStarRating:        domain.DomainHotel,
	RulePreferredVendorsOnly:      domain.DomainAny,
	RuleMaxTotalTripSpend:         domain.DomainAny,
}

// KnownRule reports whether key is one of the fixed rule keys.
func KnownRule(key string) bool {
	_, ok := ruleScopes[key]
	return ok
}

// RuleKeys returns the fixed rule keys in a stable order.
func RuleKeys() []string {
	keys := make([]string, 0, len(ruleScopes))
	for k := range ruleScopes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ProposedAction carries the facts rule checks need. Pointer fields are
// optional: a nil field means the fact is unknown, and rules that need it
// do not fire.
type ProposedAction struct {
	Action             string // e.g. "book_flight:FL001"
	EstimatedCost      *float64
	CabinClass         string
	DepartureDate      string // YYYY-MM-DD, used when DaysUntilDeparture is nil
	DaysUntilDeparture *int
	DurationHours      *float64
	DurationMinutes    *int // used when DurationHours is nil
	CostPerNight       *float64
	Nights             *int
	TotalCost          *float64 // used by max_hotel_stay_total; falls back to CostPerNight*Nights
	StarRating         *float64
	VendorID           string
	TripTotalSpent     float64
}

// ruleValue is the union of all rule payload fields.
type ruleValue struct {
	Amount  *float64 `json:"amount"`
	Classes []string `json:"classes"`
	Days    *float64 `json:"days"`
	Hours   *float64 `json:"hours"`
	Stars   *float64 `json:"stars"`
	Vendors []string `json:"vendors"`
}

// check evaluates a single rule. It returns the actual value that breached
// the rule and true on violation; (nil, false) when compliant, when inputs
// are missing, or when the rule payload is malformed.
type check func(v ruleValue, a ProposedAction, now time.Time) (map[string]any, bool)

var checks = map[string]check{
	RuleMaxFlightCost: func(v ruleValue, a ProposedAction, _ time.Time) (map[string]any, bool) {
		if v.Amount == nil || a.EstimatedCost == nil {
			return nil, false
		}
		if *a.EstimatedCost > *v.Amount {
			return map[string]any{"estimated_cost": *a.EstimatedCost}, true
		}
		return nil, false
	},

	RuleAllowedCabinClasses: func(v ruleValue, a ProposedAction, _ time.Time) (map[string]any, bool) {
		if v.Classes == nil || a.CabinClass == "" {
			return nil, false
		}
		if !slices.Contains(v.Classes, a.CabinClass) {
			return map[string]any{"cabin_class": a.CabinClass}, true
		}
		return nil, false
	},

	RuleRequireAdvanceBookingDays: func(v ruleValue, a ProposedAction, now time.Time) (map[string]any, bool) {
		if v.Days == nil {
			return nil, false
		}
		days, ok := daysUntil(a, now)
		if !ok {
			return nil, false
		}
		if float64(days) < *v.Days {
			return map[string]any{"days_ahead": days}, true
		}
		return nil, false
	},

	RuleMaxFlightDurationHours: func(v ruleValue, a ProposedAction, _ time.Time) (map[string]any, bool) {
		if v.Hours == nil {
			return nil, false
		}
		var hours float64
		switch {
		case a.DurationHours != nil:
			hours = *a.DurationHours
		case a.DurationMinutes != nil:
			hours = float64(*a.DurationMinutes) / 60
		default:
			return nil, false
		}
		if hours > *v.Hours {
			return map[string]any{"duration_hours": round2(hours)}, true
		}
		return nil, false
	},

	RuleMaxHotelCostPerNight: func(v ruleValue, a ProposedAction, _ time.Time) (map[string]any, bool) {
		if v.Amount == nil || a.CostPerNight == nil {
			return nil, false
		}
		if *a.CostPerNight > *v.Amount {
			return map[string]any{"cost_per_night": *a.CostPerNight}, true
		}
		return nil, false
	},

	RuleMaxHotelStayTotal: func(v ruleValue, a ProposedAction, _ time.Time) (map[string]any, bool) {
		if v.Amount == nil {
			return nil, false
		}
		var total float64
		switch {
		case a.TotalCost != nil:
			total = *a.TotalCost
		case a.CostPerNight != nil && a.Nights != nil:
			total = *a.CostPerNight * float64(*a.Nights)
		default:
			return nil, false
		}
		if total > *v.Amount {
			return map[string]any{"stay_total": round2(total)}, true
		}
		return nil, false
	},

	RuleMaxHotelStarRating: func(v ruleValue, a ProposedAction, _ time.Time) (map[string]any, bool) {
		if v.Stars == nil || a.StarRating == nil {
			return nil, false
		}
		if *a.StarRating > *v.Stars {
			return map[string]any{"star_rating": *a.StarRating}, true
		}
		return nil, false
	},

	RulePreferredVendorsOnly: func(v ruleValue, a ProposedAction, _ time.Time) (map[string]any, bool) {
		if v.Vendors == nil || a.VendorID == "" {
			return nil, false
		}
		if !slices.Contains(v.Vendors, a.VendorID) {
			return map[string]any{"provider": a.VendorID}, true
		}
		return nil, false
	},

	RuleMaxTotalTripSpend: func(v ruleValue, a ProposedAction, _ time.Time) (map[string]any, bool) {
		if v.Amount == nil {
			return nil, false
		}
		var cost float64
		if a.EstimatedCost != nil {
			cost = *a.EstimatedCost
		}
		projected := a.TripTotalSpent + cost
		if projected > *v.Amount {
			return map[string]any{
				"projected_total": round2(projected),
				"already_spent":   round2(a.TripTotalSpent),
			}, true
		}
		return nil, false
	},
}

// applies reports whether rule r is evaluated for an action in domain d.
func applies(r domain.PolicyRule, d domain.Domain) bool {
	if !r.IsEnabled {
		return false
	}
	if r.BookingType != d && r.BookingType != domain.DomainAny {
		return false
	}
	scope, ok := ruleScopes[r.RuleKey]
	if !ok {
		return false
	}
	return scope == domain.DomainAny || scope == d
}

// evaluateRule runs one rule. Malformed payloads are treated as compliant.
func evaluateRule(r domain.PolicyRule, a ProposedAction, now time.Time) (map[string]any, bool) {
	fn, ok := checks[r.RuleKey]
	if !ok {
		return nil, false
	}
	var v ruleValue
	if len(r.Value) > 0 {
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, false
		}
	}
	return fn(v, a, now)
}

func daysUntil(a ProposedAction, now time.Time) (int, bool) {
	if a.DaysUntilDeparture != nil {
		return *a.DaysUntilDeparture, true
	}
	if a.DepartureDate == "" {
		return 0, false
	}
	dep, err := time.Parse(time.DateOnly, a.DepartureDate)
	if err != nil {
		return 0, false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(dep.Sub(today).Hours() / 24), true
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
