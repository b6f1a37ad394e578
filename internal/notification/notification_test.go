package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/events"
)

type fakeTrips map[uuid.UUID]*domain.Trip

func (f fakeTrips) GetTrip(_ context.Context, id uuid.UUID) (*domain.Trip, error) {
	t, ok := f[id]
	if !ok {
		return nil, errors.New("trip not found")
	}
	return t, nil
}

type sent struct {
	channel string
	msg     *Message
}

type recordingSender struct {
	mu   sync.Mutex
	kind string
	err  error
	got  []sent
}

func (r *recordingSender) Type() string { return r.kind }

func (r *recordingSender) Send(_ context.Context, ch *Channel, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, sent{channel: ch.Name, msg: msg})
	return r.err
}

func (r *recordingSender) sent() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.got...)
}

func newTrip(org string) *domain.Trip {
	return &domain.Trip{ID: uuid.New(), OrgID: org, Goal: "Fly to Lisbon for the summit", Status: domain.TripRunning}
}

func approvalEvent(tripID uuid.UUID) events.Event {
	return events.New(events.ApprovalRequired, tripID, map[string]any{
		"approval_id": "a-123",
		"tool_name":   "book_hotel",
		"policy_violations": []domain.ViolationSummary{
			{RuleKey: "max_hotel_cost_per_night", Message: "Hotel exceeds 200/night"},
		},
	})
}

// --- Notifier ---

func TestNotifier_RoutesByEventAndOrg(t *testing.T) {
	acme, globex := newTrip("acme"), newTrip("globex")
	trips := fakeTrips{acme.ID: acme, globex.ID: globex}

	rec := &recordingSender{kind: "webhook"}
	m := NewMetrics(prometheus.NewRegistry())
	n := New([]Channel{
		{Name: "acme-approvers", Type: "webhook", OrgID: "acme"},
		{Name: "all-completions", Type: "webhook", Events: []events.Type{events.TripCompleted}},
	}, trips, nil, WithSender(rec), WithMetrics(m), WithPublicURL("https://tripgate.example.com"))
	stop := n.Start(context.Background())

	n.Publish(approvalEvent(acme.ID))
	n.Publish(approvalEvent(globex.ID)) // wrong org
	n.Publish(events.New(events.Progress, acme.ID, nil))
	n.Publish(events.New(events.TripCompleted, globex.ID, map[string]any{"total_spent": 420.5}))
	stop()

	got := rec.sent()
	if len(got) != 2 {
		t.Fatalf("sent %d notifications, want 2: %+v", len(got), got)
	}
	if got[0].channel != "acme-approvers" || got[0].msg.Metadata["approval_id"] != "a-123" {
		t.Errorf("first = %s %+v", got[0].channel, got[0].msg.Metadata)
	}
	if !strings.Contains(got[0].msg.Body, "Hotel exceeds 200/night") ||
		!strings.Contains(got[0].msg.Body, "https://tripgate.example.com/v1/approvals/a-123/decide") {
		t.Errorf("approval body = %q", got[0].msg.Body)
	}
	if got[1].channel != "all-completions" || !strings.Contains(got[1].msg.Body, "420.5") {
		t.Errorf("second = %s %q", got[1].channel, got[1].msg.Body)
	}
	if v := testutil.ToFloat64(m.SentTotal.WithLabelValues("webhook", "success")); v != 2 {
		t.Errorf("sent_total = %v", v)
	}
}

func TestNotifier_SendFailureCounted(t *testing.T) {
	trip := newTrip("acme")
	rec := &recordingSender{kind: "slack", err: errors.New("channel_not_found")}
	m := NewMetrics(prometheus.NewRegistry())
	n := New([]Channel{{Name: "ops", Type: "slack"}}, fakeTrips{trip.ID: trip}, nil, WithSender(rec), WithMetrics(m))
	stop := n.Start(context.Background())

	n.Publish(events.New(events.TripFailed, trip.ID, map[string]any{"error": "flight booking rejected"}))
	stop()

	if v := testutil.ToFloat64(m.SentTotal.WithLabelValues("slack", "failure")); v != 1 {
		t.Errorf("failure count = %v", v)
	}
}

func TestNotifier_FullQueueDrops(t *testing.T) {
	trip := newTrip("acme")
	rec := &recordingSender{kind: "webhook"}
	m := NewMetrics(prometheus.NewRegistry())
	n := New([]Channel{{Name: "ops", Type: "webhook"}}, fakeTrips{trip.ID: trip}, nil,
		WithSender(rec), WithMetrics(m), WithQueueSize(1))

	// Not started: the first event fills the queue.
	n.Publish(approvalEvent(trip.ID))
	n.Publish(approvalEvent(trip.ID))
	if v := testutil.ToFloat64(m.DroppedTotal); v != 1 {
		t.Errorf("dropped = %v, want 1", v)
	}

	stop := n.Start(context.Background())
	stop()
	if len(rec.sent()) != 1 {
		t.Errorf("queued event should be delivered on stop, got %d", len(rec.sent()))
	}
	n.Publish(approvalEvent(trip.ID)) // after stop: ignored, must not panic
}

// --- Senders ---

func TestWebhookSender_SignsPayload(t *testing.T) {
	var gotSig, gotEvent string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotEvent = r.Header.Get(EventHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender()
	s.allowPrivate = true
	ch := &Channel{Name: "hook", Type: "webhook", URL: srv.URL, Credential: "shh"}
	msg := &Message{Subject: "hi", Body: "there", Metadata: map[string]string{"event": "trip_failed"}}
	if err := s.Send(context.Background(), ch, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotSig != "sha256="+Sign("shh", gotBody) || !Verify("shh", gotSig, gotBody) {
		t.Errorf("signature = %q", gotSig)
	}
	if Verify("other", gotSig, gotBody) || Verify("shh", "deadbeef", gotBody) {
		t.Error("Verify accepted a wrong secret or malformed header")
	}
	if gotEvent != "trip_failed" {
		t.Errorf("event header = %q", gotEvent)
	}
	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil || payload["channel"] != "hook" {
		t.Errorf("payload = %s", gotBody)
	}
}

func TestWebhookSender_RejectsPrivateHosts(t *testing.T) {
	s := NewWebhookSender()
	for _, u := range []string{"http://localhost/hook", "http://10.0.0.8/hook", "http://127.0.0.1:9000/", "ftp://example.com/x"} {
		if err := s.Send(context.Background(), &Channel{Name: "x", URL: u}, &Message{}); err == nil {
			t.Errorf("%s should be rejected", u)
		}
	}
}

func TestSlackSender(t *testing.T) {
	var auth string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["channel"] == "C-missing" {
			_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewSlackSender()
	s.apiURL = srv.URL
	ch := &Channel{Name: "ops", ChannelID: "C1", Credential: "xoxb-1"}
	msg := &Message{
		Subject:  "Trip failed",
		Body:     "details",
		Link:     "https://trips.acme.test/v1/trips/t1",
		Metadata: map[string]string{"trip_id": "t1"},
	}
	if err := s.Send(context.Background(), ch, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer xoxb-1" || body["text"] != "Trip failed\ndetails" {
		t.Errorf("auth=%q body=%v", auth, body)
	}
	blocks, _ := body["blocks"].([]any)
	if len(blocks) != 4 {
		t.Fatalf("blocks = %v", body["blocks"])
	}
	actions := blocks[3].(map[string]any)["elements"].([]any)
	if btn := actions[0].(map[string]any); btn["url"] != msg.Link {
		t.Errorf("button = %v", btn)
	}

	ch.ChannelID = "C-missing"
	if err := s.Send(context.Background(), ch, &Message{Body: "x"}); err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("expected slack error, got %v", err)
	}
}

func TestEmailSender_Headers(t *testing.T) {
	s := NewEmailSender(SMTPConfig{Host: "smtp.acme.test", From: "tripgate@acme.test"})
	s.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	h := s.headers(&Message{Metadata: map[string]string{"trip_id": "t1", "approval_id": "a1"}})
	joined := strings.Join(h, "\n")
	for _, want := range []string{"Date: Sun, 01 Mar 2026 09:00:00 +0000", "@acme.test>", "X-Tripgate-Trip: t1", "X-Tripgate-Approval: a1"} {
		if !strings.Contains(joined, want) {
			t.Errorf("headers missing %q:\n%s", want, joined)
		}
	}
	if _, err := s.dial(context.Background(), "127.0.0.1:0"); err == nil {
		t.Error("expected dial error")
	}
}

func TestBuildEmailBody_EncodesNonASCIISubject(t *testing.T) {
	b := string(buildEmailBody("f@x.test", []string{"t@x.test"}, "Trip to Zürich", "x", nil))
	if !strings.Contains(b, "Subject: =?utf-8?q?") {
		t.Errorf("subject not encoded:\n%s", b)
	}
}

func TestBuildEmailBody(t *testing.T) {
	b := string(buildEmailBody("tripgate@acme.test", []string{"a@acme.test", "b@acme.test"}, "Subj", "line1\nline2",
		[]string{"X-Tripgate-Trip: t1"}))
	for _, want := range []string{"To: a@acme.test, b@acme.test\r\n", "Subject: Subj\r\n", "X-Tripgate-Trip: t1\r\n", "\r\n\r\nline1\r\nline2"} {
		if !strings.Contains(b, want) {
			t.Errorf("body missing %q:\n%s", want, b)
		}
	}
}
