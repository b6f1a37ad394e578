package httpapi

import (
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/tripgate/internal/events"
	"github.com/jkaninda/tripgate/internal/orchestrator"
)

// handleTripEvents streams a trip's lifecycle as server-sent events. The
// first event is a snapshot of the current state; the stream ends after a
// terminal event, when the client goes away, or when the subscriber falls
// too far behind and is dropped (clients reconnect and get a new snapshot).
func (g *Gateway) handleTripEvents(c *okapi.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return nil
	}
	if g.svc.Streams == nil {
		return writeError(c, http.StatusServiceUnavailable, "event streaming not configured")
	}
	// 404 before subscribing so unknown ids never allocate a bus.
	if _, err := g.svc.Trips.Status(c.Context(), id); err != nil {
		return g.fail(c, "loading trip", err)
	}

	sub := g.svc.Streams.Subscribe(id, events.DefaultBuffer)
	defer sub.Close()

	detail, err := g.svc.Trips.Status(c.Context(), id)
	if err != nil {
		return g.fail(c, "loading trip", err)
	}
	snap := orchestrator.Snapshot(detail)
	c.SSEvent(string(snap.Type), snap)
	if detail.Status.Terminal() {
		return nil
	}

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			c.SSEvent(string(ev.Type), ev)
			if ev.Type.Terminal() {
				return nil
			}
		case <-c.Context().Done():
			return nil
		}
	}
}
