// Package notification delivers trip events to people outside the API:
// approvers learn that a booking is waiting for them, travel managers learn
// that a trip failed. Delivery is best effort. Publish never blocks the
// trip; events are queued and sent by a single background worker, and a
// full queue drops the event.
package notification

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/events"
)

const (
	defaultQueueSize = 256
	sendTimeout      = 15 * time.Second
)

// DefaultEvents are delivered when a channel does not list its own.
var DefaultEvents = []events.Type{events.ApprovalRequired, events.TripFailed}

// Message is the rendered notification.
type Message struct {
	Subject  string            // Used by email and as the Slack heading.
	Body     string            // Plain text.
	Link     string            // Trip URL when a public URL is configured.
	Metadata map[string]string // trip_id, event, approval_id, ...
}

// Channel is one delivery target with its credential already resolved.
type Channel struct {
	Name       string
	Type       string // "webhook", "slack" or "email".
	Events     []events.Type
	OrgID      string // Empty = every org.
	URL        string
	ChannelID  string
	To         []string
	Credential string // Slack bot token or webhook signing secret.
}

func (c *Channel) wants(t events.Type, orgID string) bool {
	if c.OrgID != "" && c.OrgID != orgID {
		return false
	}
	return c.subscribed(t)
}

func (c *Channel) subscribed(t events.Type) bool {
	list := c.Events
	if len(list) == 0 {
		list = DefaultEvents
	}
	for _, e := range list {
		if e == t {
			return true
		}
	}
	return false
}

// Sender delivers messages for one channel type.
type Sender interface {
	Type() string
	Send(ctx context.Context, ch *Channel, msg *Message) error
}

// TripReader loads the trip an event belongs to.
type TripReader interface {
	GetTrip(ctx context.Context, id uuid.UUID) (*domain.Trip, error)
}

// Notifier is an events.Publisher that forwards matching events to the
// configured channels.
type Notifier struct {
	channels  []Channel
	senders   map[string]Sender
	trips     TripReader
	publicURL string
	metrics   *Metrics
	logger    *slog.Logger

	queue  chan events.Event
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithSender registers a backend for its channel type.
func WithSender(s Sender) Option {
	return func(n *Notifier) { n.senders[s.Type()] = s }
}

// WithPublicURL sets the base URL used for links in messages.
func WithPublicURL(u string) Option {
	return func(n *Notifier) { n.publicURL = u }
}

// WithQueueSize bounds the number of undelivered events.
func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.queue = make(chan events.Event, size)
		}
	}
}

// WithMetrics enables delivery metrics.
func WithMetrics(m *Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// New creates a Notifier. Call Start before publishing.
func New(channels []Channel, trips TripReader, logger *slog.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	n := &Notifier{
		channels: channels,
		senders:  make(map[string]Sender),
		trips:    trips,
		logger:   logger,
		queue:    make(chan events.Event, defaultQueueSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Publish queues ev when any channel may want it. It never blocks.
func (n *Notifier) Publish(ev events.Event) {
	if !n.interested(ev.Type) {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- ev:
	default:
		if n.metrics != nil {
			n.metrics.DroppedTotal.Inc()
		}
		n.logger.Warn("notification queue full, event dropped",
			slog.String("event", string(ev.Type)),
			slog.String("trip_id", ev.TripID.String()),
		)
	}
}

// Start runs the delivery worker. The returned function stops accepting
// events, delivers what is already queued and waits for the worker.
func (n *Notifier) Start(ctx context.Context) func() {
	go n.run(ctx)
	return func() {
		n.mu.Lock()
		if !n.closed {
			n.closed = true
			close(n.queue)
		}
		n.mu.Unlock()
		<-n.done
	}
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)
	// Deliveries outlive ctx so queued notices still go out on shutdown.
	base := context.WithoutCancel(ctx)
	for ev := range n.queue {
		n.deliver(base, ev)
	}
}

func (n *Notifier) interested(t events.Type) bool {
	for i := range n.channels {
		if n.channels[i].subscribed(t) {
			return true
		}
	}
	return false
}

func (n *Notifier) deliver(ctx context.Context, ev events.Event) {
	trip, err := n.trips.GetTrip(ctx, ev.TripID)
	if err != nil {
		n.logger.Warn("notification skipped, trip not loaded",
			slog.String("trip_id", ev.TripID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	msg := Render(ev, trip, n.publicURL)

	for i := range n.channels {
		ch := &n.channels[i]
		if !ch.wants(ev.Type, trip.OrgID) {
			continue
		}
		sender, ok := n.senders[ch.Type]
		if !ok {
			n.logger.Error("no sender for notification channel",
				slog.String("channel", ch.Name),
				slog.String("type", ch.Type),
			)
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sender.Send(sctx, ch, msg)
		cancel()

		status := "success"
		if err != nil {
			status = "failure"
			n.logger.Warn("notification send failed",
				slog.String("channel", ch.Name),
				slog.String("type", ch.Type),
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		} else {
			n.logger.Info("notification sent",
				slog.String("channel", ch.Name),
				slog.String("event", string(ev.Type)),
				slog.String("trip_id", trip.ID.String()),
			)
		}
		if n.metrics != nil {
			n.metrics.SentTotal.WithLabelValues(ch.Type, status).Inc()
		}
	}
}

// Render builds the message for ev.
func Render(ev events.Event, trip *domain.Trip, publicURL string) *Message {
	meta := map[string]string{
		"event":   string(ev.Type),
		"trip_id": trip.ID.String(),
		"org_id":  trip.OrgID,
	}
	link := ""
	if publicURL != "" {
		link = fmt.Sprintf("%s/v1/trips/%s", publicURL, trip.ID)
	}

	msg := &Message{Metadata: meta}
	switch ev.Type {
	case events.ApprovalRequired:
		approvalID, _ := ev.Data["approval_id"].(string)
		tool, _ := ev.Data["tool_name"].(string)
		meta["approval_id"] = approvalID
		msg.Subject = fmt.Sprintf("[tripgate] Approval required: %s", tool)
		msg.Body = fmt.Sprintf("Trip %q needs a decision before %s can proceed.\nApproval: %s\n%s",
			trip.Goal, tool, approvalID, violationLines(ev.Data["policy_violations"]))
		if publicURL != "" {
			msg.Body += fmt.Sprintf("\nDecide: POST %s/v1/approvals/%s/decide", publicURL, approvalID)
		}
	case events.TripFailed:
		reason, _ := ev.Data["error"].(string)
		msg.Subject = "[tripgate] Trip failed"
		msg.Body = fmt.Sprintf("Trip %q failed: %s", trip.Goal, reason)
	case events.TripCompleted:
		msg.Subject = "[tripgate] Trip booked"
		msg.Body = fmt.Sprintf("Trip %q completed. Total spent: %v", trip.Goal, ev.Data["total_spent"])
	default:
		msg.Subject = fmt.Sprintf("[tripgate] %s", ev.Type)
		msg.Body = fmt.Sprintf("Trip %q: %s", trip.Goal, ev.Type)
	}
	if link != "" {
		msg.Link = link
		msg.Body += "\nTrip: " + link
	}
	return msg
}

// violationLines lists soft violation messages, one per line.
func violationLines(v any) string {
	var out string
	switch vs := v.(type) {
	case []domain.ViolationSummary:
		for _, pv := range vs {
			out += "- " + pv.Message + "\n"
		}
	case []any:
		for _, item := range vs {
			if m, ok := item.(map[string]any); ok {
				if s, ok := m["message"].(string); ok {
					out += "- " + s + "\n"
				}
			}
		}
	}
	return out
}
