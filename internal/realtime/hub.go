// Package realtime pushes job updates to connected websocket clients.
// Delivery is at-most-once: a client that is not connected misses the event.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/notify"
	"github.com/example/field-dispatch/internal/observability"
)

const (
	EventJobState    = "job:state"
	EventJobLocation = "job:location"
	EventNotify      = "notification"

	writeWait = 5 * time.Second
)

// ErrNoSession is returned by Send when the user has no open connection.
var ErrNoSession = errors.New("no realtime session")

type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// clientAction is what clients send to manage job subscriptions.
type clientAction struct {
	Action string `json:"action"`
	JobID  string `json:"job_id"`
}

type session struct {
	userID string
	conn   *websocket.Conn
	mu     sync.Mutex
	jobs   map[string]struct{}
}

func (s *session) write(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(env)
}

type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.RWMutex
	users map[string]map[*session]struct{}
	jobs  map[string]map[*session]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logging.OrDiscard(logger).With("component", "realtime"),
		users:    make(map[string]map[*session]struct{}),
		jobs:     make(map[string]map[*session]struct{}),
	}
}

// ServeWS upgrades the request and joins the connection to the user's room.
// It blocks until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	// the server's read timeout must not close long-lived sockets
	_ = conn.SetReadDeadline(time.Time{})
	s := &session{userID: userID, conn: conn, jobs: make(map[string]struct{})}
	h.register(s)
	defer h.unregister(s)

	for {
		var action clientAction
		if err := conn.ReadJSON(&action); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", "user_id", userID, "error", err)
			}
			return
		}
		switch action.Action {
		case "subscribe":
			if action.JobID != "" {
				h.subscribe(s, action.JobID)
			}
		case "unsubscribe":
			h.unsubscribe(s, action.JobID)
		}
	}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.users[s.userID]
	if room == nil {
		room = make(map[*session]struct{})
		h.users[s.userID] = room
	}
	room[s] = struct{}{}
	observability.RealtimeSessions.Inc()
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if room, ok := h.users[s.userID]; ok {
		if _, ok := room[s]; ok {
			delete(room, s)
			observability.RealtimeSessions.Dec()
		}
		if len(room) == 0 {
			delete(h.users, s.userID)
		}
	}
	for jobID := range s.jobs {
		h.leaveLocked(s, jobID)
	}
	h.mu.Unlock()
	_ = s.conn.Close()
}

func (h *Hub) subscribe(s *session, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.jobs[jobID]
	if room == nil {
		room = make(map[*session]struct{})
		h.jobs[jobID] = room
	}
	room[s] = struct{}{}
	s.jobs[jobID] = struct{}{}
}

func (h *Hub) unsubscribe(s *session, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s, jobID)
}

func (h *Hub) leaveLocked(s *session, jobID string) {
	delete(s.jobs, jobID)
	if room, ok := h.jobs[jobID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.jobs, jobID)
		}
	}
}

// Sessions returns the number of open connections for userID.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Subscribers returns the number of connections watching jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.jobs[jobID])
}

func (h *Hub) BroadcastJobState(_ context.Context, jobID string, state models.JobState, payload map[string]any) error {
	data := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		data[k] = v
	}
	data["job_id"] = jobID
	data["state"] = string(state)
	h.fanout(h.snapshot(h.jobs, jobID), Envelope{Event: EventJobState, Data: data})
	return nil
}

func (h *Hub) BroadcastLocation(_ context.Context, jobID string, lat, lon float64, heading *float64) error {
	data := map[string]any{"job_id": jobID, "lat": lat, "lon": lon}
	if heading != nil {
		data["heading"] = *heading
	}
	h.fanout(h.snapshot(h.jobs, jobID), Envelope{Event: EventJobLocation, Data: data})
	return nil
}

// SendToUser delivers to every open connection of userID. A user with no
// connection is not an error.
func (h *Hub) SendToUser(_ context.Context, userID, event string, payload any) error {
	h.fanout(h.snapshot(h.users, userID), Envelope{Event: event, Data: payload})
	return nil
}

// Send implements notify.Sender so the hub can front the push sender.
func (h *Hub) Send(_ context.Context, msg notify.Message) error {
	sessions := h.snapshot(h.users, msg.UserID)
	if len(sessions) == 0 {
		return ErrNoSession
	}
	if h.fanout(sessions, Envelope{Event: EventNotify, Data: msg}) == 0 {
		return ErrNoSession
	}
	return nil
}

func (h *Hub) snapshot(rooms map[string]map[*session]struct{}, key string) []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := rooms[key]
	out := make([]*session, 0, len(room))
	for s := range room {
		out = append(out, s)
	}
	return out
}

// fanout writes to each session and drops the ones that fail. It returns the
// number of successful writes.
func (h *Hub) fanout(sessions []*session, env Envelope) int {
	delivered := 0
	for _, s := range sessions {
		if err := s.write(env); err != nil {
			h.logger.Debug("websocket write failed", "user_id", s.userID, "event", env.Event, "error", err)
			h.unregister(s)
			continue
		}
		delivered++
	}
	return delivered
}
