package socket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"formdesk/internal/access"
	"formdesk/internal/document/model"
	"formdesk/pkg/apperr"
	"formdesk/pkg/logger"
	"formdesk/pkg/metrics"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Authorizer is the access gate as seen by the realtime layer.
type Authorizer interface {
	Authorize(ctx context.Context, userID, documentID string, required access.Capability) error
}

// SessionRegistry receives the focus, cursor and liveness messages clients
// send over the socket.
type SessionRegistry interface {
	StartSession(ctx context.Context, docID, userID string, upd model.CursorUpdate) (model.EditSession, error)
	FocusField(ctx context.Context, docID, userID string, upd model.CursorUpdate) (model.EditSession, error)
	MoveCursor(ctx context.Context, docID, userID string, upd model.CursorUpdate) (model.EditSession, error)
	BlurField(ctx context.Context, docID, userID string) error
	EndSession(ctx context.Context, docID, userID string) error
	Heartbeat(ctx context.Context, docID, userID string) error
	ListActive(ctx context.Context, docID, userID string) ([]model.EditSession, error)
}

type HubOptions struct {
	// AllowedOrigin is matched against the Origin header; "*" or "" allows any.
	AllowedOrigin string
	// RatePerSecond and Burst bound inbound messages per connection.
	RatePerSecond float64
	Burst         int
	// PingPeriod is how often the server pings; a client silent for twice
	// that long is dropped.
	PingPeriod time.Duration
}

// Hub tracks the websocket clients connected to each document. Events
// reach clients through the Broker subscription each one holds.
type Hub struct {
	Rooms map[string]map[*Client]bool

	broker    *Broker
	publisher Publisher
	gate      Authorizer
	sessions  SessionRegistry
	opts      HubOptions
	upgrader  websocket.Upgrader
	mu        sync.Mutex
}

// NewHub builds a hub. publisher is where client-originated events go; it is
// the broker itself on a single instance or the Redis relay otherwise.
func NewHub(broker *Broker, publisher Publisher, gate Authorizer, sessions SessionRegistry, opts HubOptions) *Hub {
	if publisher == nil {
		publisher = broker
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 30
	}
	if opts.Burst <= 0 {
		opts.Burst = 60
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	h := &Hub{
		Rooms:     make(map[string]map[*Client]bool),
		broker:    broker,
		publisher: publisher,
		gate:      gate,
		sessions:  sessions,
		opts:      opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == h.opts.AllowedOrigin
}

func (h *Hub) pongWait() time.Duration {
	return 2 * h.opts.PingPeriod
}

func (h *Hub) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(h.opts.RatePerSecond), h.opts.Burst)
}

// register adds c to its room and subscribes it to the document's events.
func (h *Hub) register(c *Client) {
	c.sub = h.broker.Subscribe(c.DocID, c.UserID)

	h.mu.Lock()
	if h.Rooms[c.DocID] == nil {
		h.Rooms[c.DocID] = make(map[*Client]bool)
	}
	h.Rooms[c.DocID][c] = true
	h.mu.Unlock()

	metrics.RealtimeConnections.Inc()
	logger.Sugar.Infof("User %s connected to doc %s", c.UserID, c.DocID)
}

// unregister removes c. When it was the user's last connection to the
// document the edit session is ended before the subscription is released.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.Rooms[c.DocID][c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.Rooms[c.DocID], c)
	last := true
	for other := range h.Rooms[c.DocID] {
		if other.UserID == c.UserID {
			last = false
			break
		}
	}
	if len(h.Rooms[c.DocID]) == 0 {
		delete(h.Rooms, c.DocID)
		logger.Sugar.Infof("Closed empty room: %s", c.DocID)
	}
	h.mu.Unlock()

	if last {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.sessions.EndSession(ctx, c.DocID, c.UserID); err != nil {
			logger.Sugar.Errorf("Failed to end session for %s on doc %s: %v", c.UserID, c.DocID, err)
		}
		cancel()
	}
	h.broker.Unsubscribe(c.sub)
	metrics.RealtimeConnections.Dec()
	logger.Sugar.Infof("User %s disconnected from doc %s", c.UserID, c.DocID)
}

// Connections returns the number of clients connected to docID.
func (h *Hub) Connections(docID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Rooms[docID])
}

// sendSnapshot sends the active sessions to c alone.
func (h *Hub) sendSnapshot(ctx context.Context, c *Client) error {
	active, err := h.sessions.ListActive(ctx, c.DocID, c.UserID)
	if err != nil {
		return err
	}
	ev, err := NewEvent(PresenceSnapshotType, c.DocID, "", active)
	if err != nil {
		return err
	}
	c.deliver(ev)
	return nil
}

func writeHTTPError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	http.Error(w, apperr.MessageOf(err), apperr.HTTPStatus(kind))
}
