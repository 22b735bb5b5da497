package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/bid-dispatch/internal/observability"
	"github.com/example/bid-dispatch/internal/presence"
)

// WSSession wraps a websocket connection with a write mutex so concurrent
// fan-out goroutines never interleave frames.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSSession(conn *websocket.Conn) *WSSession { return &WSSession{conn: conn} }

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *WSSession) Close() error { return s.conn.Close() }

// Hub holds customer websocket sessions keyed by customer id.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewHub() *Hub { return &Hub{sessions: make(map[string]*WSSession)} }

func (h *Hub) Add(customerID string, s *WSSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[customerID] = s
}

// Remove drops the session only if it is still the current one for the
// customer, so a reconnect is not clobbered by the old socket's teardown.
func (h *Hub) Remove(customerID string, s *WSSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sessions[customerID]; ok && cur == s {
		delete(h.sessions, customerID)
	}
}

func (h *Hub) Session(customerID string) (*WSSession, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[customerID]
	return s, ok
}

// DriverSessions resolves a driver's live transport handle. Implemented by
// the presence registry.
type DriverSessions interface {
	Handle(driverID string) (presence.Sender, bool)
}

// Pusher is the offline push fallback (FCM). Optional.
type Pusher interface {
	Push(recipientID string, ev Event) error
}

// WSNotifier sends events over live websocket sessions, falling back to push
// for drivers without one. Best-effort at-most-once: failures are counted and
// logged, never escalated.
type WSNotifier struct {
	Drivers   DriverSessions
	Customers *Hub
	Push      Pusher
	Logger    *slog.Logger
}

func (n *WSNotifier) ToDriver(driverID string, ev Event) {
	if s, ok := n.Drivers.Handle(driverID); ok {
		if err := s.Send(ev); err == nil {
			return
		} else {
			n.dropped("driver", driverID, ev, err)
		}
	}
	if n.Push != nil {
		if err := n.Push.Push(driverID, ev); err != nil {
			n.dropped("driver_push", driverID, ev, err)
		}
	}
}

func (n *WSNotifier) ToCustomer(customerID string, ev Event) {
	s, ok := n.Customers.Session(customerID)
	if !ok {
		n.dropped("customer", customerID, ev, errNoSession)
		return
	}
	if err := s.Send(ev); err != nil {
		n.dropped("customer", customerID, ev, err)
	}
}

func (n *WSNotifier) Broadcast(driverIDs []string, ev Event) {
	for _, id := range driverIDs {
		n.ToDriver(id, ev)
	}
}

func (n *WSNotifier) dropped(kind, recipient string, ev Event, err error) {
	observability.NotifyDropped.WithLabelValues(kind).Inc()
	if n.Logger != nil {
		n.Logger.Warn("notification dropped", "kind", kind, "recipient", recipient, "event", ev.Type, "error", err)
	}
}

var errNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
