package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tripgate/internal/approval"
	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/events"
	"github.com/jkaninda/tripgate/internal/gateway"
	"github.com/jkaninda/tripgate/internal/observability"
	"github.com/jkaninda/tripgate/internal/orchestrator"
	"github.com/jkaninda/tripgate/internal/policy"
	"github.com/jkaninda/tripgate/internal/ratelimit"
)

// --- Fakes ---

type fakeTrips struct {
	mu        sync.Mutex
	trips     map[uuid.UUID]*orchestrator.TripDetail
	submitted []orchestrator.SubmitRequest
}

func newFakeTrips() *fakeTrips {
	return &fakeTrips{trips: make(map[uuid.UUID]*orchestrator.TripDetail)}
}

func (f *fakeTrips) add(status domain.TripStatus) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.trips[id] = &orchestrator.TripDetail{
		Trip:     domain.Trip{ID: id, Goal: "fly to Paris", Status: status},
		Bookings: []domain.Booking{},
	}
	return id
}

func (f *fakeTrips) Submit(_ context.Context, req orchestrator.SubmitRequest) (*domain.Trip, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, fmt.Errorf("%w: goal is required", orchestrator.ErrInvalidRequest)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	t := domain.Trip{ID: uuid.New(), Goal: req.Goal, UserID: req.UserID, Status: domain.TripPending}
	f.trips[t.ID] = &orchestrator.TripDetail{Trip: t}
	return &t, nil
}

func (f *fakeTrips) Status(_ context.Context, id uuid.UUID) (*orchestrator.TripDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.trips[id]
	if !ok {
		return nil, orchestrator.ErrTripNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeTrips) List(_ context.Context, tf orchestrator.TripFilter) ([]domain.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Trip
	for _, d := range f.trips {
		if tf.Status == "" || d.Status == tf.Status {
			out = append(out, d.Trip)
		}
	}
	return out, nil
}

func (f *fakeTrips) PolicyReport(_ context.Context, id uuid.UUID) (*orchestrator.PolicyReport, error) {
	d, err := f.Status(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return &orchestrator.PolicyReport{TripID: id, Status: d.Status, Violations: []domain.PolicyViolation{}}, nil
}

type fakeApprovals struct {
	mu        sync.Mutex
	approvals map[uuid.UUID]*domain.HumanApproval
}

func (f *fakeApprovals) Get(_ context.Context, id uuid.UUID) (*domain.HumanApproval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.approvals[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	return a, nil
}

func (f *fakeApprovals) List(_ context.Context, tripID *uuid.UUID) ([]domain.HumanApproval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.HumanApproval
	for _, a := range f.approvals {
		if tripID == nil || a.TripID == *tripID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeApprovals) Decide(_ context.Context, id uuid.UUID, approved bool, by string) (*domain.HumanApproval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.approvals[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	if a.Status != domain.ApprovalPending {
		return nil, fmt.Errorf("approval %s: %w", id, approval.ErrAlreadyDecided)
	}
	a.Status = domain.ApprovalRejected
	if approved {
		a.Status = domain.ApprovalApproved
	}
	a.DecidedBy = by
	return a, nil
}

type fakePolicies struct {
	mu       sync.Mutex
	policies map[uuid.UUID]*domain.CorporatePolicy
}

func (f *fakePolicies) Create(_ context.Context, req policy.CreateRequest) (*domain.CorporatePolicy, error) {
	if req.OrgID == "" {
		return nil, fmt.Errorf("%w: org_id is required", policy.ErrInvalidRule)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.policies {
		if p.OrgID == req.OrgID && p.IsActive {
			return nil, policy.ErrActivePolicyExists
		}
	}
	p := &domain.CorporatePolicy{ID: uuid.New(), OrgID: req.OrgID, Name: req.Name, IsActive: true, CreatedBy: req.CreatedBy}
	f.policies[p.ID] = p
	return p, nil
}

func (f *fakePolicies) Get(_ context.Context, id uuid.UUID) (*domain.CorporatePolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[id]
	if !ok {
		return nil, policy.ErrPolicyNotFound
	}
	return p, nil
}

func (f *fakePolicies) List(context.Context, string) ([]domain.CorporatePolicy, error) {
	return nil, nil
}

func (f *fakePolicies) Update(ctx context.Context, id uuid.UUID, patch policy.PolicyPatch) (*domain.CorporatePolicy, error) {
	p, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if patch.IsActive != nil {
		p.IsActive = *patch.IsActive
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	return p, nil
}

func (f *fakePolicies) Deactivate(ctx context.Context, id uuid.UUID) error {
	off := false
	_, err := f.Update(ctx, id, policy.PolicyPatch{IsActive: &off})
	return err
}

func (f *fakePolicies) UpdateRule(context.Context, uuid.UUID, uuid.UUID, policy.RulePatch) (*domain.PolicyRule, error) {
	return nil, policy.ErrRuleNotFound
}

type fakeAudit struct{}

func (fakeAudit) ToolCalls(context.Context, uuid.UUID) ([]domain.ToolCall, error) {
	return nil, nil
}

// --- Harness ---

const testKey = "test-key"

type apiHarness struct {
	srv       *httptest.Server
	trips     *fakeTrips
	approvals *fakeApprovals
	policies  *fakePolicies
	hub       *events.Hub
	health    *observability.HealthChecker
}

func newAPI(t *testing.T, rl ratelimit.Config) *apiHarness {
	t.Helper()
	h := &apiHarness{
		trips:     newFakeTrips(),
		approvals: &fakeApprovals{approvals: make(map[uuid.UUID]*domain.HumanApproval)},
		policies:  &fakePolicies{policies: make(map[uuid.UUID]*domain.CorporatePolicy)},
		hub:       events.NewHub(0, nil, nil),
		health:    observability.NewHealthChecker(nil),
	}
	metrics := observability.NewMetricsCollector()
	g := NewGateway(Config{
		APIKeys:         gateway.APIKeys{testKey: "alice"},
		MetricsRegistry: metrics.Registry,
		Metrics:         metrics,
		HealthChecker:   h.health,
	}, Services{
		Trips:     h.trips,
		Approvals: h.approvals,
		Policies:  h.policies,
		Audit:     fakeAudit{},
		Streams:   h.hub,
	}, ratelimit.NewLimiter(rl), nil)

	h.srv = httptest.NewServer(g.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status = %d, want %d (body %s)",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, b)
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

// --- Authentication & health ---

func TestAuth(t *testing.T) {
	h := newAPI(t, ratelimit.Config{})

	resp, err := http.Get(h.srv.URL + "/v1/trips")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no header: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/v1/trips", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad key: status = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz should not need auth: %d", resp.StatusCode)
	}
}

func TestReadiness(t *testing.T) {
	h := newAPI(t, ratelimit.Config{})
	h.health.AddCheck("database", func(context.Context) error { return errors.New("connection refused") })

	resp, err := http.Get(h.srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusServiceUnavailable)
	st := decode[observability.HealthStatus](t, resp)
	if st.Checks["database"].Status != observability.StatusFail {
		t.Errorf("checks = %+v", st.Checks)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newAPI(t, ratelimit.Config{})
	h.do(t, http.MethodGet, "/v1/trips", "")

	resp, err := http.Get(h.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "tripgate_http_requests_total") {
		t.Error("metrics output missing tripgate_http_requests_total")
	}
}

// --- Trips ---

func TestTripSubmit(t *testing.T) {
	h := newAPI(t, ratelimit.Config{})

	resp := h.do(t, http.MethodPost, "/v1/trips", `{"goal":"Fly NYC to London on 2027-03-10 and book a hotel"}`)
	expectStatus(t, resp, http.StatusAccepted)
	acc := decode[TripAccepted](t, resp)
	if acc.Status != domain.TripPending || acc.ID == uuid.Nil {
		t.Errorf("accepted = %+v", acc)
	}
	if acc.EventsURL != "/v1/trips/"+acc.ID.String()+"/events" {
		t.Errorf("events url = %q", acc.EventsURL)
	}
	if got := h.trips.submitted[0].UserID; got != "alice" {
		t.Errorf("user id = %q, want the authenticated user", got)
	}

	resp = h.do(t, http.MethodPost, "/v1/trips", `{"goal":"  "}`)
	expectStatus(t, resp, http.StatusBadRequest)

	resp = h.do(t, http.MethodPost, "/v1/trips", `{not json`)
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestTripGet(t *testing.T) {
	h := newAPI(t, ratelimit.Config{})
	id := h.trips.add(domain.TripCompleted)

	resp := h.do(t, http.MethodGet, "/v1/trips/"+id.String(), "")
	expectStatus(t, resp, http.StatusOK)
	if d := decode[orchestrator.TripDetail](t, resp); d.ID != id || d.Status != domain.TripCompleted {
		t.Errorf("detail = %+v", d)
	}

	expectStatus(t, h.do(t, http.MethodGet, "/v1/trips/"+uuid.NewString(), ""), http.StatusNotFound)
	expectStatus(t, h.do(t, http.MethodGet, "/v1/trips/not-a-uuid", ""), http.StatusBadRequest)
	expectStatus(t, h.do(t, http.MethodGet, "/v1/trips/"+id.String()+"/policy-report", ""), http.StatusOK)
	expectStatus(t, h.do(t, http.MethodGet, "/v1/trips/"+uuid.NewString()+"/audit", ""), http.StatusNotFound)

	resp = h.do(t, http.MethodGet, "/v1/trips/"+id.String()+"/audit", "")
	expectStatus(t, resp, http.StatusOK)
	if calls := decode[[]domain.ToolCall](t, resp); calls == nil || len(calls) != 0 {
		t.Errorf("audit = %v, want empty array", calls)
	}
}

func TestTripList_Validation(t *testing.T) {
	h := newAPI(t, ratelimit.Config{})
	h.trips.add(domain.TripRunning)
	h.trips.add(domain.TripFailed)

	resp := h.do(t, http.MethodGet, "/v1/trips?status=failed", "")
	expectStatus(t, resp, http.StatusOK)
	if trips := decode[[]domain.Trip](t, resp); len(trips) != 1 {
		t.Errorf("got %d trips, want 1", len(trips))
	}
	expectStatus(t, h.do(t, http.MethodGet, "/v1/trips?status=lost", ""), http.StatusBadRequest)
	expectStatus(t, h.do(t, http.MethodGet, "/v1/trips?limit=-1", ""), http.StatusBadRequest)
}

func TestRateLimit(t *testing.T) {
	h := newAPI(t, ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})

	expectStatus(t, h.do(t, http.MethodPost, "/v1/trips", `{"goal":"fly to Rome"}`), http.StatusAccepted)
	resp := h.do(t, http.MethodPost, "/v1/trips", `{"goal":"fly to Rome"}`)
	expectStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
	// Reads are not limited.
	expectStatus(t, h.do(t, http.MethodGet, "/v1/trips", ""), http.StatusOK)
}

// --- Approvals ---

func TestApprovalDecide(t *testing.T) {
	h := newAPI(t, ratelimit.Config{})
	id := uuid.New()
	h.approvals.approvals[id] = &domain.HumanApproval{ID: id, TripID: uuid.New(), Status: domain.ApprovalPending}
	path := "/v1/approvals/" + id.String() + "/decide"

	expectStatus(t, h.do(t, http.MethodPost, path, `{}`), http.StatusBadRequest)

	resp := h.do(t, http.MethodPost, path, `{"approved":true}`)
	expectStatus(t, resp, http.StatusOK)
	if a := decode[domain.HumanApproval](t, resp); a.Status != domain.ApprovalApproved || a.DecidedBy != "alice" {
		t.Errorf("decided = %s by %q", a.Status, a.DecidedBy)
	}

	expectStatus(t, h.do(t, http.MethodPost, path, `{"approved":false}`), http.StatusConflict)
	expectStatus(t, h.do(t, http.MethodPost, "/v1/approvals/"+uuid.NewString()+"/decide", `{"approved":true}`), http.StatusNotFound)
}

func TestApprovalList(t *testing.T) {
	h := newAPI(t, ratelimit.Config{})
	trip := uuid.New()
	for _, tid := range []uuid.UUID{trip, trip, uuid.New()} {
		id := uuid.New()
		h.approvals.approvals[id] = &domain.HumanApproval{ID: id, TripID: tid, Status: domain.ApprovalPending}
	}

	resp := h.do(t, http.MethodGet, "/v1/approvals?trip_id="+trip.String(), "")
	expectStatus(t, resp, http.StatusOK)
	if list := decode[[]domain.HumanApproval](t, resp); len(list) != 2 {
		t.Errorf("got %d approvals, want 2", len(list))
	}
	expectStatus(t, h.do(t, http.MethodGet, "/v1/approvals?trip_id=nope", ""), http.StatusBadRequest)
}

// --- Policies ---

func TestPolicyLifecycle(t *testing.T) {
	h := newAPI(t, ratelimit.Config{})

	resp := h.do(t, http.MethodPost, "/v1/policies", `{"org_id":"acme","name":"Standard","rules":[]}`)
	expectStatus(t, resp, http.StatusCreated)
	p := decode[domain.CorporatePolicy](t, resp)
	if p.CreatedBy != "alice" {
		t.Errorf("created_by = %q, want alice", p.CreatedBy)
	}

	expectStatus(t, h.do(t, http.MethodPost, "/v1/policies", `{"org_id":"acme","name":"Second"}`), http.StatusConflict)
	expectStatus(t, h.do(t, http.MethodPost, "/v1/policies", `{"name":"No org"}`), http.StatusBadRequest)

	resp = h.do(t, http.MethodDelete, "/v1/policies/"+p.ID.String(), "")
	expectStatus(t, resp, http.StatusNoContent)

	resp = h.do(t, http.MethodGet, "/v1/policies/"+p.ID.String(), "")
	expectStatus(t, resp, http.StatusOK)
	if got := decode[domain.CorporatePolicy](t, resp); got.IsActive {
		t.Error("deleted policy should remain readable but inactive")
	}

	// With the first policy inactive, the org can activate a new one.
	expectStatus(t, h.do(t, http.MethodPost, "/v1/policies", `{"org_id":"acme","name":"Second"}`), http.StatusCreated)

	rulePath := fmt.Sprintf("/v1/policies/%s/rules/%s", p.ID, uuid.New())
	expectStatus(t, h.do(t, http.MethodPatch, rulePath, `{"is_enabled":false}`), http.StatusNotFound)
	expectStatus(t, h.do(t, http.MethodDelete, "/v1/policies/"+uuid.NewString(), ""), http.StatusNotFound)
}

// --- Event stream ---

func readSSE(t *testing.T, sc *bufio.Scanner) string {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			return strings.TrimSpace(name)
		}
	}
	return ""
}

func TestTripEvents_TerminalTripSendsSnapshotOnly(t *testing.T) {
	h := newAPI(t, ratelimit.Config{})
	id := h.trips.add(domain.TripCompleted)

	resp := h.do(t, http.MethodGet, "/v1/trips/"+id.String()+"/events", "")
	expectStatus(t, resp, http.StatusOK)
	sc := bufio.NewScanner(resp.Body)
	if got := readSSE(t, sc); got != string(events.Snapshot) {
		t.Fatalf("first event = %q, want snapshot", got)
	}
	if got := readSSE(t, sc); got != "" {
		t.Errorf("stream should end after snapshot, got %q", got)
	}
	if h.hub.Streams() != 0 {
		t.Error("stream should release its bus")
	}
}

func TestTripEvents_StreamsUntilTerminal(t *testing.T) {
	h := newAPI(t, ratelimit.Config{})
	id := h.trips.add(domain.TripRunning)

	resp := h.do(t, http.MethodGet, "/v1/trips/"+id.String()+"/events", "")
	expectStatus(t, resp, http.StatusOK)
	sc := bufio.NewScanner(resp.Body)
	if got := readSSE(t, sc); got != string(events.Snapshot) {
		t.Fatalf("first event = %q, want snapshot", got)
	}

	h.hub.Publish(events.New(events.Progress, id, map[string]any{"message": "booking flight"}))
	h.hub.Publish(events.New(events.TripCompleted, id, map[string]any{"total_spent": 299.99}))

	done := make(chan []string)
	go func() {
		var got []string
		for name := readSSE(t, sc); name != ""; name = readSSE(t, sc) {
			got = append(got, name)
		}
		done <- got
	}()
	select {
	case got := <-done:
		want := []string{string(events.Progress), string(events.TripCompleted)}
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("events = %v, want %v", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after the terminal event")
	}

	expectStatus(t, h.do(t, http.MethodGet, "/v1/trips/"+uuid.NewString()+"/events", ""), http.StatusNotFound)
}

// --- Error mapping ---

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("loading: %w", orchestrator.ErrTripNotFound), http.StatusNotFound},
		{approval.ErrNotFound, http.StatusNotFound},
		{policy.ErrRuleNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", approval.ErrAlreadyDecided), http.StatusConflict},
		{policy.ErrActivePolicyExists, http.StatusConflict},
		{policy.ErrInvalidRule, http.StatusBadRequest},
		{orchestrator.ErrShuttingDown, http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

