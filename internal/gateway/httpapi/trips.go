package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/orchestrator"
)

// TripRequest is the JSON body for POST /v1/trips.
type TripRequest struct {
	Goal        string     `json:"goal"`
	OrgID       string     `json:"org_id,omitempty"`
	PolicyID    *uuid.UUID `json:"policy_id,omitempty"`
	TotalBudget *float64   `json:"total_budget,omitempty"`
}

// TripAccepted is returned with 202 when a trip is queued.
type TripAccepted struct {
	ID        uuid.UUID         `json:"id"`
	Status    domain.TripStatus `json:"status"`
	StatusURL string            `json:"status_url"`
	EventsURL string            `json:"events_url"`
}

func (g *Gateway) registerTrips() {
	g.group.Post("/trips", g.handleTripSubmit,
		okapi.DocSummary("Submit a travel goal"),
		okapi.DocTags("Trips"),
		okapi.DocRequestBody(TripRequest{}),
		okapi.DocResponse(http.StatusAccepted, TripAccepted{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/trips", g.handleTripList,
		okapi.DocSummary("List trips, newest first"),
		okapi.DocTags("Trips"),
		okapi.DocResponse([]domain.Trip{}),
	)
	g.group.Get("/trips/{id}", g.handleTripGet,
		okapi.DocSummary("Get a trip with its bookings"),
		okapi.DocTags("Trips"),
		okapi.DocPathParam("id", "string", "Trip ID (UUID)"),
		okapi.DocResponse(orchestrator.TripDetail{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/trips/{id}/policy-report", g.handleTripPolicyReport,
		okapi.DocSummary("Get every policy violation recorded for a trip"),
		okapi.DocTags("Trips"),
		okapi.DocPathParam("id", "string", "Trip ID (UUID)"),
		okapi.DocResponse(orchestrator.PolicyReport{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/trips/{id}/audit", g.handleTripAudit,
		okapi.DocSummary("Get the tool call log for a trip"),
		okapi.DocTags("Trips"),
		okapi.DocPathParam("id", "string", "Trip ID (UUID)"),
		okapi.DocResponse([]domain.ToolCall{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/trips/{id}/events", g.handleTripEvents,
		okapi.DocSummary("Stream trip lifecycle events (SSE)"),
		okapi.DocTags("Trips"),
		okapi.DocPathParam("id", "string", "Trip ID (UUID)"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (g *Gateway) handleTripSubmit(c *okapi.Context) error {
	userID, ok := g.allow(c)
	if !ok {
		return nil
	}
	var req TripRequest
	if !g.bind(c, &req) {
		return nil
	}

	trip, err := g.svc.Trips.Submit(c.Context(), orchestrator.SubmitRequest{
		Goal:        req.Goal,
		OrgID:       req.OrgID,
		UserID:      userID,
		PolicyID:    req.PolicyID,
		TotalBudget: req.TotalBudget,
	})
	if err != nil {
		return g.fail(c, "trip submission", err)
	}

	g.logger.InfoContext(c.Context(), "http trip submitted",
		slog.String("user_id", userID),
		slog.String("trip_id", trip.ID.String()),
	)
	return c.JSON(http.StatusAccepted, TripAccepted{
		ID:        trip.ID,
		Status:    trip.Status,
		StatusURL: "/v1/trips/" + trip.ID.String(),
		EventsURL: "/v1/trips/" + trip.ID.String() + "/events",
	})
}

func (g *Gateway) handleTripList(c *okapi.Context) error {
	f := orchestrator.TripFilter{
		OrgID:  c.Query("org_id"),
		UserID: c.Query("user_id"),
		Status: domain.TripStatus(c.Query("status")),
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return writeError(c, http.StatusBadRequest, "limit must be a non-negative integer")
		}
		f.Limit = n
	}
	switch f.Status {
	case "", domain.TripPending, domain.TripRunning, domain.TripCompleted, domain.TripFailed:
	default:
		return writeError(c, http.StatusBadRequest, "unknown status "+strconv.Quote(string(f.Status)))
	}

	trips, err := g.svc.Trips.List(c.Context(), f)
	if err != nil {
		return g.fail(c, "listing trips", err)
	}
	if trips == nil {
		trips = []domain.Trip{}
	}
	return c.OK(trips)
}

func (g *Gateway) handleTripGet(c *okapi.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return nil
	}
	detail, err := g.svc.Trips.Status(c.Context(), id)
	if err != nil {
		return g.fail(c, "loading trip", err)
	}
	return c.OK(detail)
}

func (g *Gateway) handleTripPolicyReport(c *okapi.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return nil
	}
	report, err := g.svc.Trips.PolicyReport(c.Context(), id)
	if err != nil {
		return g.fail(c, "loading policy report", err)
	}
	return c.OK(report)
}

func (g *Gateway) handleTripAudit(c *okapi.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return nil
	}
	// Resolve the trip first so unknown ids are 404 rather than an empty log.
	if _, err := g.svc.Trips.Status(c.Context(), id); err != nil {
		return g.fail(c, "loading trip", err)
	}
	calls, err := g.svc.Audit.ToolCalls(c.Context(), id)
	if err != nil {
		return g.fail(c, "loading audit log", err)
	}
	if calls == nil {
		calls = []domain.ToolCall{}
	}
	return c.OK(calls)
}
