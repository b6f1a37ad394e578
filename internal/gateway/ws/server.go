// Package ws serves live trip events over WebSocket. A client connects to
// /ws/trips/{id}, receives a snapshot of the trip, then every lifecycle
// event until the trip finishes.
package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/jkaninda/tripgate/internal/events"
	"github.com/jkaninda/tripgate/internal/gateway"
	"github.com/jkaninda/tripgate/internal/orchestrator"
)

// Subprotocol is negotiated on every connection.
const Subprotocol = "tripgate.events.v1"

// PathPrefix is where the handler is mounted; the trip id follows it.
const PathPrefix = "/ws/trips/"

const (
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 10 * time.Second
)

// TripReader loads a trip's current state.
type TripReader interface {
	Status(ctx context.Context, id uuid.UUID) (*orchestrator.TripDetail, error)
}

// Streams hands out per-trip event subscriptions.
type Streams interface {
	Subscribe(tripID uuid.UUID, buffer int) *events.Subscription
}

// Option configures a Server.
type Option func(*Server)

// WithPingInterval sets how often idle connections are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// Server upgrades trip event stream requests.
type Server struct {
	trips        TripReader
	streams      Streams
	keys         gateway.APIKeys
	pingInterval time.Duration
	logger       *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a Server. Clients authenticate with the same API keys
// as the REST API, as a bearer header or a token query parameter.
func NewServer(trips TripReader, streams Streams, keys gateway.APIKeys, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		trips:        trips,
		streams:      streams,
		keys:         keys,
		pingInterval: defaultPingInterval,
		logger:       logger,
		conns:        make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the upgrade handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// Connections returns the number of open streams.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every open stream with StatusGoingAway and waits for
// their handlers to return or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = gateway.BearerToken(r.Header.Get("Authorization"))
	}
	userID, ok := s.keys.Lookup(token)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, PathPrefix))
	if err != nil {
		http.Error(w, "invalid trip id", http.StatusBadRequest)
		return
	}
	if _, err := s.trips.Status(r.Context(), id); err != nil {
		if errors.Is(err, orchestrator.ErrTripNotFound) {
			http.Error(w, "trip not found", http.StatusNotFound)
			return
		}
		s.logger.Error("loading trip for stream", slog.String("trip_id", id.String()), slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.logger.Debug("trip stream opened",
		slog.String("trip_id", id.String()),
		slog.String("user_id", userID),
	)
	s.stream(r.Context(), conn, id)
}

// stream relays events until the trip ends, the client leaves, or the
// subscriber is dropped for falling behind.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, tripID uuid.UUID) {
	defer conn.CloseNow()

	sub := s.streams.Subscribe(tripID, events.DefaultBuffer)
	defer sub.Close()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx = conn.CloseRead(ctx)

	detail, err := s.trips.Status(ctx, tripID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "loading trip failed")
		return
	}
	if err := s.write(ctx, conn, orchestrator.Snapshot(detail)); err != nil {
		return
	}
	if detail.Status.Terminal() {
		conn.Close(websocket.StatusNormalClosure, "trip finished")
		return
	}

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusTryAgainLater, "stream closed, reconnect for a new snapshot")
				return
			}
			if err := s.write(ctx, conn, ev); err != nil {
				return
			}
			if ev.Type.Terminal() {
				conn.Close(websocket.StatusNormalClosure, "trip finished")
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				s.logger.Debug("trip stream ping failed",
					slog.String("trip_id", tripID.String()),
					slog.String("error", err.Error()),
				)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, ev); err != nil {
		s.logger.Debug("trip stream write failed",
			slog.String("trip_id", ev.TripID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
