package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tripgate/internal/approval"
	"github.com/jkaninda/tripgate/internal/audit"
	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/orchestrator"
	"github.com/jkaninda/tripgate/internal/policy"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "tripgate.db")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func testTrip(t *testing.T, s *Store) *domain.Trip {
	t.Helper()
	trip := &domain.Trip{ID: uuid.New(), Goal: "Fly to Paris", OrgID: "acme", Status: domain.TripPending}
	if err := s.Trips().CreateTrip(context.Background(), trip); err != nil {
		t.Fatalf("CreateTrip: %v", err)
	}
	return trip
}

// --- Open ---

func TestOpen_CreatesDirectoryAndReportsDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "tripgate.db")
	s, err := Open(Config{Path: path, JournalMode: "delete"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if s.Driver() != "sqlite" || s.Path() != path {
		t.Errorf("Driver() = %q, Path() = %q", s.Driver(), s.Path())
	}
	if _, err := Open(Config{}, nil); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestConfig_DSN(t *testing.T) {
	q, err := url.ParseQuery(strings.SplitN(Config{Path: "x.db"}.dsn(), "?", 2)[1])
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"journal_mode(wal)", "busy_timeout(5000)", "foreign_keys(ON)"}
	got := q["_pragma"]
	if len(got) != len(want) {
		t.Fatalf("pragmas = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pragma[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// --- Trips ---

func TestTrips_CreateGetUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	trip := testTrip(t, s)

	running := domain.TripRunning
	summary := "all booked"
	if err := s.Trips().UpdateTrip(ctx, trip.ID, orchestrator.TripUpdate{Status: &running, Summary: &summary}); err != nil {
		t.Fatalf("UpdateTrip: %v", err)
	}

	got, err := s.Trips().GetTrip(ctx, trip.ID)
	if err != nil {
		t.Fatalf("GetTrip: %v", err)
	}
	if got.Status != domain.TripRunning || got.Summary != summary || got.Goal != trip.Goal {
		t.Errorf("unexpected trip: %+v", got)
	}

	if _, err := s.Trips().GetTrip(ctx, uuid.New()); !errors.Is(err, audit.ErrTripNotFound) {
		t.Errorf("expected ErrTripNotFound, got %v", err)
	}
	if err := s.Trips().UpdateTrip(ctx, uuid.New(), orchestrator.TripUpdate{Status: &running}); !errors.Is(err, audit.ErrTripNotFound) {
		t.Errorf("expected ErrTripNotFound on update, got %v", err)
	}
}

func TestTrips_ListFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		testTrip(t, s)
	}
	other := &domain.Trip{ID: uuid.New(), Goal: "Hotel in Rome", OrgID: "globex", Status: domain.TripCompleted}
	if err := s.Trips().CreateTrip(ctx, other); err != nil {
		t.Fatal(err)
	}

	acme, err := s.Trips().ListTrips(ctx, orchestrator.TripFilter{OrgID: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if len(acme) != 3 {
		t.Errorf("acme trips = %d, want 3", len(acme))
	}
	done, _ := s.Trips().ListTrips(ctx, orchestrator.TripFilter{Status: domain.TripCompleted})
	if len(done) != 1 || done[0].ID != other.ID {
		t.Errorf("completed trips = %+v", done)
	}
	limited, _ := s.Trips().ListTrips(ctx, orchestrator.TripFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limited = %d, want 2", len(limited))
	}
}

func TestTrips_TerminalStatusIsFinal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	trip := testTrip(t, s)

	completed := domain.TripCompleted
	summary := "all booked"
	if err := s.Trips().UpdateTrip(ctx, trip.ID, orchestrator.TripUpdate{Status: &completed, Summary: &summary}); err != nil {
		t.Fatalf("UpdateTrip: %v", err)
	}

	failed := domain.TripFailed
	msg := "interrupted by restart"
	err := s.Trips().UpdateTrip(ctx, trip.ID, orchestrator.TripUpdate{Status: &failed, Error: &msg})
	if !errors.Is(err, orchestrator.ErrTripFinished) {
		t.Fatalf("expected ErrTripFinished, got %v", err)
	}
	got, _ := s.Trips().GetTrip(ctx, trip.ID)
	if got.Status != domain.TripCompleted || got.Error != "" || got.Summary != summary {
		t.Errorf("terminal trip was rewritten: %+v", got)
	}

	running := domain.TripRunning
	if err := s.Trips().UpdateTrip(ctx, trip.ID, orchestrator.TripUpdate{Status: &running}); !errors.Is(err, orchestrator.ErrTripFinished) {
		t.Errorf("completed -> running: expected ErrTripFinished, got %v", err)
	}
}

// --- Audit ---

func TestAudit_ConcurrentBookingsKeepTotalConsistent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	trip := testTrip(t, s)
	log := audit.NewLogger(s.Audit(), nil)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := log.LogBooking(ctx, domain.Booking{
				TripID:           trip.ID,
				ApprovalID:       uuid.New(),
				Domain:           domain.DomainHotel,
				Provider:         "sandbox-hotel",
				BookingReference: "SANDBOX-" + uuid.NewString()[:8],
				Amount:           12.5,
				Sandbox:          true,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("LogBooking: %v", err)
		}
	}

	bookings, err := log.Bookings(ctx, trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(bookings) != n {
		t.Fatalf("bookings = %d, want %d", len(bookings), n)
	}
	var sum float64
	for _, b := range bookings {
		sum += b.Amount
	}
	got, _ := s.Trips().GetTrip(ctx, trip.ID)
	if got.TotalSpent != sum || sum != 250 {
		t.Errorf("total_spent = %v, sum(bookings) = %v, want 250", got.TotalSpent, sum)
	}
}

func TestAudit_BookingUnknownTripRollsBack(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	log := audit.NewLogger(s.Audit(), nil)

	tripID := uuid.New()
	_, err := log.LogBooking(ctx, domain.Booking{TripID: tripID, ApprovalID: uuid.New(), Domain: domain.DomainFlight, Provider: "p", BookingReference: "R", Amount: 10})
	if !errors.Is(err, audit.ErrTripNotFound) {
		t.Fatalf("expected ErrTripNotFound, got %v", err)
	}
	bookings, _ := log.Bookings(ctx, tripID)
	if len(bookings) != 0 {
		t.Errorf("booking row should not exist, got %d", len(bookings))
	}
}

func TestAudit_ToolCallsAndViolationsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	trip := testTrip(t, s)
	log := audit.NewLogger(s.Audit(), nil)

	if _, err := log.LogToolCall(ctx, domain.ToolCall{
		TripID:    trip.ID,
		AgentName: "FlightAgent",
		ToolName:  "search_flights",
		Input:     map[string]any{"destination": "CDG"},
		Output:    "POLICY_BLOCKED: too expensive",
		Status:    domain.ToolCallPolicyBlocked,
	}); err != nil {
		t.Fatal(err)
	}
	calls, err := log.ToolCalls(ctx, trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].Input["destination"] != "CDG" || calls[0].Output != "POLICY_BLOCKED: too expensive" {
		t.Errorf("unexpected tool calls: %+v", calls)
	}

	approvalID := uuid.New()
	err = s.Audit().InsertViolations(ctx, []domain.PolicyViolation{{
		ID:          uuid.New(),
		PolicyID:    uuid.New(),
		RuleID:      uuid.New(),
		RuleKey:     "max_flight_cost",
		TripID:      trip.ID,
		ApprovalID:  &approvalID,
		BookingType: domain.DomainFlight,
		Severity:    domain.SeveritySoft,
		ActualValue: json.RawMessage(`900`),
		RuleValue:   json.RawMessage(`{"amount":500}`),
		Outcome:     domain.OutcomeFlaggedApproved,
		RecordedAt:  time.Now().UTC(),
	}})
	if err != nil {
		t.Fatal(err)
	}
	vs, _ := log.Violations(ctx, trip.ID)
	if len(vs) != 1 || vs[0].ApprovalID == nil || *vs[0].ApprovalID != approvalID || string(vs[0].ActualValue) != "900" {
		t.Errorf("unexpected violations: %+v", vs)
	}
}

// --- Policies ---

func testPolicy(orgID string, active bool) *domain.CorporatePolicy {
	id := uuid.New()
	return &domain.CorporatePolicy{
		ID:        id,
		OrgID:     orgID,
		Name:      "travel",
		IsActive:  active,
		CreatedBy: "admin",
		Rules: []domain.PolicyRule{
			{ID: uuid.New(), PolicyID: id, BookingType: domain.DomainFlight, RuleKey: "max_flight_cost", Operator: "lte", Value: json.RawMessage(`{"amount":500}`), Severity: domain.SeverityHard, Message: "too expensive", IsEnabled: true},
			{ID: uuid.New(), PolicyID: id, BookingType: domain.DomainAny, RuleKey: "preferred_vendors_only", Operator: "in", Value: json.RawMessage(`{"vendors":["FL"]}`), Severity: domain.SeveritySoft, Message: "vendor", IsEnabled: true},
		},
	}
}

func TestPolicies_OneActivePerOrg(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	first := testPolicy("acme", true)
	if err := s.Policies().CreatePolicy(ctx, first); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	if err := s.Policies().CreatePolicy(ctx, testPolicy("acme", true)); !errors.Is(err, policy.ErrActivePolicyExists) {
		t.Fatalf("expected ErrActivePolicyExists, got %v", err)
	}

	second := testPolicy("acme", false)
	if err := s.Policies().CreatePolicy(ctx, second); err != nil {
		t.Fatalf("inactive policy should be accepted: %v", err)
	}
	active := true
	if _, err := s.Policies().UpdatePolicy(ctx, second.ID, policy.PolicyPatch{IsActive: &active}); !errors.Is(err, policy.ErrActivePolicyExists) {
		t.Fatalf("activating second policy: expected ErrActivePolicyExists, got %v", err)
	}

	inactive := false
	if _, err := s.Policies().UpdatePolicy(ctx, first.ID, policy.PolicyPatch{IsActive: &inactive}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Policies().UpdatePolicy(ctx, second.ID, policy.PolicyPatch{IsActive: &active})
	if err != nil {
		t.Fatalf("activating after deactivation: %v", err)
	}
	if !got.IsActive {
		t.Error("second policy should be active")
	}

	current, err := s.Policies().ActivePolicyForOrg(ctx, "acme")
	if err != nil || current.ID != second.ID {
		t.Fatalf("ActivePolicyForOrg = %v, %v", current, err)
	}
	if _, err := s.Policies().ActivePolicyForOrg(ctx, "nobody"); !errors.Is(err, policy.ErrPolicyNotFound) {
		t.Errorf("expected ErrPolicyNotFound, got %v", err)
	}
}

func TestPolicies_RulesKeepOrderAndPatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := testPolicy("acme", true)
	if err := s.Policies().CreatePolicy(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.Policies().GetPolicy(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Rules) != 2 || got.Rules[0].RuleKey != "max_flight_cost" || got.Rules[1].RuleKey != "preferred_vendors_only" {
		t.Fatalf("rules out of order: %+v", got.Rules)
	}

	disabled := false
	soft := domain.SeveritySoft
	rule, err := s.Policies().UpdateRule(ctx, p.ID, p.Rules[0].ID, policy.RulePatch{
		IsEnabled: &disabled,
		Severity:  &soft,
		Value:     json.RawMessage(`{"amount":800}`),
	})
	if err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	if rule.IsEnabled || rule.Severity != domain.SeveritySoft || string(rule.Value) != `{"amount":800}` {
		t.Errorf("unexpected rule: %+v", rule)
	}

	if _, err := s.Policies().UpdateRule(ctx, uuid.New(), p.Rules[0].ID, policy.RulePatch{IsEnabled: &disabled}); !errors.Is(err, policy.ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
	if _, err := s.Policies().GetPolicy(ctx, uuid.New()); !errors.Is(err, policy.ErrPolicyNotFound) {
		t.Errorf("expected ErrPolicyNotFound, got %v", err)
	}
}

// --- Approvals ---

func testApproval(tripID uuid.UUID, created time.Time) *domain.HumanApproval {
	return &domain.HumanApproval{
		ID:        uuid.New(),
		TripID:    tripID,
		Domain:    domain.DomainFlight,
		Action:    "book_flight:FL001",
		ToolName:  "book_flight",
		Arguments: map[string]any{"offer_id": "FL001"},
		PolicyViolations: []domain.ViolationSummary{
			{ViolationID: uuid.New(), RuleKey: "max_flight_cost", Message: "over budget"},
		},
		Status:    domain.ApprovalPending,
		CreatedAt: created,
	}
}

func TestApprovals_DecideExactlyOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a := testApproval(uuid.New(), time.Now().UTC())
	if err := s.Approvals().CreateApproval(ctx, a); err != nil {
		t.Fatal(err)
	}

	got, err := s.Approvals().DecideApproval(ctx, a.ID, domain.ApprovalApproved, "alice", time.Now())
	if err != nil {
		t.Fatalf("first decide: %v", err)
	}
	if got.Status != domain.ApprovalApproved || got.DecidedBy != "alice" || got.DecidedAt == nil {
		t.Errorf("unexpected decided approval: %+v", got)
	}

	replay, err := s.Approvals().DecideApproval(ctx, a.ID, domain.ApprovalRejected, "bob", time.Now())
	if !errors.Is(err, approval.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
	if replay == nil || replay.Status != domain.ApprovalApproved || replay.DecidedBy != "alice" {
		t.Errorf("replay must return the original decision, got %+v", replay)
	}

	if _, err := s.Approvals().DecideApproval(ctx, uuid.New(), domain.ApprovalApproved, "alice", time.Now()); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	stored, _ := s.Approvals().GetApproval(ctx, a.ID)
	if len(stored.PolicyViolations) != 1 || stored.Arguments["offer_id"] != "FL001" {
		t.Errorf("snapshot lost: %+v", stored)
	}
}

func TestApprovals_ConcurrentDecidersOneWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a := testApproval(uuid.New(), time.Now().UTC())
	if err := s.Approvals().CreateApproval(ctx, a); err != nil {
		t.Fatal(err)
	}

	var wins, replays atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := domain.ApprovalApproved
			if i%2 == 1 {
				status = domain.ApprovalRejected
			}
			_, err := s.Approvals().DecideApproval(ctx, a.ID, status, "user", time.Now())
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, approval.ErrAlreadyDecided):
				replays.Add(1)
			default:
				t.Errorf("decide: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 || replays.Load() != 7 {
		t.Errorf("wins = %d, replays = %d", wins.Load(), replays.Load())
	}
}

func TestApprovals_ListPendingBefore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tripID := uuid.New()
	now := time.Now().UTC()

	old := testApproval(tripID, now.Add(-time.Hour))
	fresh := testApproval(tripID, now)
	decided := testApproval(tripID, now.Add(-2*time.Hour))
	for _, a := range []*domain.HumanApproval{old, fresh, decided} {
		if err := s.Approvals().CreateApproval(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Approvals().DecideApproval(ctx, decided.ID, domain.ApprovalApproved, "x", now); err != nil {
		t.Fatal(err)
	}

	pending, err := s.Approvals().ListPendingBefore(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != old.ID {
		t.Errorf("pending = %+v", pending)
	}

	all, _ := s.Approvals().ListApprovals(ctx, &tripID)
	if len(all) != 3 || all[0].ID != decided.ID {
		t.Errorf("ListApprovals should be oldest first, got %d rows", len(all))
	}
}

func TestApprovals_FindRejected(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tripID := uuid.New()
	now := time.Now().UTC()

	if _, err := s.Approvals().FindRejected(ctx, tripID, domain.DomainFlight, "book_flight:FL001"); !errors.Is(err, approval.ErrNotFound) {
		t.Fatalf("empty store: expected ErrNotFound, got %v", err)
	}

	approved := testApproval(tripID, now.Add(-time.Hour))
	rejected := testApproval(tripID, now)
	otherAction := testApproval(tripID, now)
	otherAction.Action = "book_flight:FL002"
	for _, a := range []*domain.HumanApproval{approved, rejected, otherAction} {
		if err := s.Approvals().CreateApproval(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Approvals().DecideApproval(ctx, approved.ID, domain.ApprovalApproved, "alice", now); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Approvals().DecideApproval(ctx, rejected.ID, domain.ApprovalRejected, "bob", now); err != nil {
		t.Fatal(err)
	}

	got, err := s.Approvals().FindRejected(ctx, tripID, domain.DomainFlight, "book_flight:FL001")
	if err != nil {
		t.Fatalf("FindRejected: %v", err)
	}
	if got.ID != rejected.ID || got.DecidedBy != "bob" {
		t.Errorf("found %+v, want the rejection by bob", got)
	}
	if _, err := s.Approvals().FindRejected(ctx, tripID, domain.DomainFlight, "book_flight:FL002"); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("pending action: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Approvals().FindRejected(ctx, uuid.New(), domain.DomainFlight, "book_flight:FL001"); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("other trip: expected ErrNotFound, got %v", err)
	}
}
