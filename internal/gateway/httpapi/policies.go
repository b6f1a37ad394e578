package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/policy"
)

func (g *Gateway) registerPolicies() {
	g.group.Post("/policies", g.handlePolicyCreate,
		okapi.DocSummary("Create a corporate travel policy"),
		okapi.DocTags("Policies"),
		okapi.DocRequestBody(policy.CreateRequest{}),
		okapi.DocResponse(http.StatusCreated, domain.CorporatePolicy{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/policies", g.handlePolicyList,
		okapi.DocSummary("List policies, optionally for one org"),
		okapi.DocTags("Policies"),
		okapi.DocQueryParam("org_id", "string", "Organisation ID", false),
		okapi.DocResponse([]domain.CorporatePolicy{}),
	)
	g.group.Get("/policies/{id}", g.handlePolicyGet,
		okapi.DocSummary("Get a policy with its rules"),
		okapi.DocTags("Policies"),
		okapi.DocPathParam("id", "string", "Policy ID (UUID)"),
		okapi.DocResponse(domain.CorporatePolicy{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Patch("/policies/{id}", g.handlePolicyUpdate,
		okapi.DocSummary("Rename or (de)activate a policy"),
		okapi.DocTags("Policies"),
		okapi.DocPathParam("id", "string", "Policy ID (UUID)"),
		okapi.DocRequestBody(policy.PolicyPatch{}),
		okapi.DocResponse(domain.CorporatePolicy{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Delete("/policies/{id}", g.handlePolicyDelete,
		okapi.DocSummary("Deactivate a policy (soft delete)"),
		okapi.DocTags("Policies"),
		okapi.DocPathParam("id", "string", "Policy ID (UUID)"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Patch("/policies/{id}/rules/{rule_id}", g.handleRuleUpdate,
		okapi.DocSummary("Patch a single policy rule"),
		okapi.DocTags("Policies"),
		okapi.DocPathParam("id", "string", "Policy ID (UUID)"),
		okapi.DocPathParam("rule_id", "string", "Rule ID (UUID)"),
		okapi.DocRequestBody(policy.RulePatch{}),
		okapi.DocResponse(domain.PolicyRule{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (g *Gateway) handlePolicyCreate(c *okapi.Context) error {
	userID, ok := g.allow(c)
	if !ok {
		return nil
	}
	var req policy.CreateRequest
	if !g.bind(c, &req) {
		return nil
	}
	if req.CreatedBy == "" {
		req.CreatedBy = userID
	}
	p, err := g.svc.Policies.Create(c.Context(), req)
	if err != nil {
		return g.fail(c, "creating policy", err)
	}
	g.logger.InfoContext(c.Context(), "http policy created",
		slog.String("user_id", userID),
		slog.String("policy_id", p.ID.String()),
	)
	return c.JSON(http.StatusCreated, p)
}

func (g *Gateway) handlePolicyList(c *okapi.Context) error {
	list, err := g.svc.Policies.List(c.Context(), c.Query("org_id"))
	if err != nil {
		return g.fail(c, "listing policies", err)
	}
	if list == nil {
		list = []domain.CorporatePolicy{}
	}
	return c.OK(list)
}

func (g *Gateway) handlePolicyGet(c *okapi.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return nil
	}
	p, err := g.svc.Policies.Get(c.Context(), id)
	if err != nil {
		return g.fail(c, "loading policy", err)
	}
	return c.OK(p)
}

func (g *Gateway) handlePolicyUpdate(c *okapi.Context) error {
	if _, ok := g.allow(c); !ok {
		return nil
	}
	id, ok := pathID(c, "id")
	if !ok {
		return nil
	}
	var patch policy.PolicyPatch
	if !g.bind(c, &patch) {
		return nil
	}
	p, err := g.svc.Policies.Update(c.Context(), id, patch)
	if err != nil {
		return g.fail(c, "updating policy", err)
	}
	return c.OK(p)
}

func (g *Gateway) handlePolicyDelete(c *okapi.Context) error {
	if _, ok := g.allow(c); !ok {
		return nil
	}
	id, ok := pathID(c, "id")
	if !ok {
		return nil
	}
	if err := g.svc.Policies.Deactivate(c.Context(), id); err != nil {
		return g.fail(c, "deactivating policy", err)
	}
	c.Response().WriteHeader(http.StatusNoContent)
	return nil
}

func (g *Gateway) handleRuleUpdate(c *okapi.Context) error {
	if _, ok := g.allow(c); !ok {
		return nil
	}
	policyID, ok := pathID(c, "id")
	if !ok {
		return nil
	}
	ruleID, ok := pathID(c, "rule_id")
	if !ok {
		return nil
	}
	var patch policy.RulePatch
	if !g.bind(c, &patch) {
		return nil
	}
	r, err := g.svc.Policies.UpdateRule(c.Context(), policyID, ruleID, patch)
	if err != nil {
		return g.fail(c, "updating rule", err)
	}
	return c.OK(r)
}
