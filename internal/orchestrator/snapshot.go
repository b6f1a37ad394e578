package orchestrator

import (
	"github.com/jkaninda/tripgate/internal/events"
)

// Snapshot returns the opening event of a trip event stream. Streams
// subscribe before loading the trip, so the snapshot plus the live events
// that follow cover every transition. When the trip is already terminal
// the snapshot is the whole stream.
func Snapshot(d *TripDetail) events.Event {
	data := map[string]any{
		"status":      string(d.Status),
		"total_spent": d.TotalSpent,
		"bookings":    d.Bookings,
	}
	if d.Summary != "" {
		data["summary"] = d.Summary
	}
	if d.Error != "" {
		data["error"] = d.Error
	}
	return events.New(events.Snapshot, d.ID, data)
}
