package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/tripgate/internal/domain"
)

// DecisionRequest is the JSON body for POST /v1/approvals/{id}/decide.
type DecisionRequest struct {
	Approved *bool `json:"approved"`
}

func (g *Gateway) registerApprovals() {
	g.group.Get("/approvals", g.handleApprovalList,
		okapi.DocSummary("List approvals, optionally for one trip"),
		okapi.DocTags("Approvals"),
		okapi.DocQueryParam("trip_id", "string", "Trip ID (UUID)", false),
		okapi.DocResponse([]domain.HumanApproval{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/approvals/{id}", g.handleApprovalGet,
		okapi.DocSummary("Get an approval with its violation context"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID (UUID)"),
		okapi.DocResponse(domain.HumanApproval{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/approvals/{id}/decide", g.handleApprovalDecide,
		okapi.DocSummary("Approve or reject a pending booking action"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID (UUID)"),
		okapi.DocRequestBody(DecisionRequest{}),
		okapi.DocResponse(domain.HumanApproval{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
}

func (g *Gateway) handleApprovalList(c *okapi.Context) error {
	var tripID *uuid.UUID
	if s := c.Query("trip_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return writeError(c, http.StatusBadRequest, "invalid trip_id")
		}
		tripID = &id
	}
	list, err := g.svc.Approvals.List(c.Context(), tripID)
	if err != nil {
		return g.fail(c, "listing approvals", err)
	}
	if list == nil {
		list = []domain.HumanApproval{}
	}
	return c.OK(list)
}

func (g *Gateway) handleApprovalGet(c *okapi.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return nil
	}
	a, err := g.svc.Approvals.Get(c.Context(), id)
	if err != nil {
		return g.fail(c, "loading approval", err)
	}
	return c.OK(a)
}

func (g *Gateway) handleApprovalDecide(c *okapi.Context) error {
	userID, ok := g.allow(c)
	if !ok {
		return nil
	}
	id, ok := pathID(c, "id")
	if !ok {
		return nil
	}
	var req DecisionRequest
	if !g.bind(c, &req) {
		return nil
	}
	if req.Approved == nil {
		return writeError(c, http.StatusBadRequest, "approved is required")
	}

	a, err := g.svc.Approvals.Decide(c.Context(), id, *req.Approved, userID)
	if err != nil {
		return g.fail(c, "deciding approval", err)
	}
	g.logger.InfoContext(c.Context(), "http approval decided",
		slog.String("user_id", userID),
		slog.String("approval_id", id.String()),
		slog.String("status", string(a.Status)),
	)
	return c.OK(a)
}
