// Package fakeserver is an in-process calculation server speaking the same
// protocol as the real one: GET /health, POST /calc and the /ws/sync push
// channel. It backs the integration tests and the devserver command.
package fakeserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/hyperengineering/calcsync/internal/types"
)

// wireLayout is the naive timestamp form the real server emits.
const wireLayout = "2006-01-02T15:04:05.999999"

type wireRecord struct {
	ID         int64  `json:"id"`
	Expression string `json:"expression"`
	Result     string `json:"result"`
	Timestamp  string `json:"timestamp"`
}

func toWire(r types.Record) wireRecord {
	return wireRecord{
		ID:         r.ID,
		Expression: r.Expression,
		Result:     r.Result,
		Timestamp:  r.Timestamp.UTC().Format(wireLayout),
	}
}

// client is one push subscriber. gorilla/websocket allows a single
// concurrent writer per connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server holds the authoritative history.
type Server struct {
	now      func() time.Time
	upgrader websocket.Upgrader

	mu            sync.Mutex
	history       []types.Record
	nextID        int64
	healthy       bool
	failHealth    int
	healthChecks  int
	rejectSubmits int
	clients       map[*client]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the timestamp source for new records.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a healthy server with an empty history.
func New(opts ...Option) *Server {
	s := &Server{
		now:     time.Now,
		nextID:  1,
		healthy: true,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router serving all endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Post("/calc", s.calc)
	r.Get("/ws/sync", s.sync)

	return r
}

// SetHealthy toggles whether /health answers 200 or 503.
func (s *Server) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// FailHealthChecks makes the next n health checks answer 503.
func (s *Server) FailHealthChecks(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failHealth = n
}

// RejectSubmits makes the next n submits answer 500.
func (s *Server) RejectSubmits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSubmits = n
}

// HealthChecks returns the number of /health requests served.
func (s *Server) HealthChecks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthChecks
}

// History returns a copy of the server's records.
func (s *Server) History() []types.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Record(nil), s.history...)
}

// SetHistory replaces the server's records.
func (s *Server) SetHistory(records []types.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]types.Record(nil), records...)
	for _, r := range records {
		if r.ID >= s.nextID {
			s.nextID = r.ID + 1
		}
	}
}

// Delete removes a record, as an administrator would server-side.
func (s *Server) Delete(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.history {
		if r.ID == id {
			s.history = append(s.history[:i], s.history[i+1:]...)
			return
		}
	}
}

// Subscribers returns the number of connected push clients.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast pushes the full history to every subscriber.
func (s *Server) Broadcast() {
	s.BroadcastRaw(s.snapshotJSON())
}

// BroadcastRaw pushes an arbitrary text frame to every subscriber.
func (s *Server) BroadcastRaw(data []byte) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(data); err != nil {
			slog.Warn("push failed",
				"component", "fakeserver",
				"action", "push_failed",
				"error", err,
			)
		}
	}
}

// DisconnectAll drops every push connection.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for c := range clients {
		_ = c.conn.Close()
	}
}

// Run broadcasts the history every period until ctx is done.
func (s *Server) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Broadcast()
		}
	}
}

func (s *Server) snapshotJSON() []byte {
	s.mu.Lock()
	wire := make([]wireRecord, 0, len(s.history))
	for _, r := range s.history {
		wire = append(wire, toWire(r))
	}
	s.mu.Unlock()

	data, err := json.Marshal(wire)
	if err != nil {
		slog.Error("failed to encode history", "component", "fakeserver", "error", err)
		return []byte("[]")
	}
	return data
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.healthChecks++
	ok := s.healthy && s.failHealth == 0
	if s.failHealth > 0 {
		s.failHealth--
	}
	s.mu.Unlock()

	if !ok {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Server unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) calc(w http.ResponseWriter, r *http.Request) {
	var expr string
	if err := json.NewDecoder(r.Body).Decode(&expr); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Body must be a JSON string")
		return
	}
	float := r.URL.Query().Get("float") == "true"

	s.mu.Lock()
	if s.rejectSubmits > 0 {
		s.rejectSubmits--
		s.mu.Unlock()
		WriteProblem(w, r, http.StatusInternalServerError, "Runtime error occurred")
		return
	}
	s.mu.Unlock()

	result, err := Evaluate(expr, float)
	if err != nil {
		slog.Info("evaluation failed",
			"component", "fakeserver",
			"action", "calc_failed",
			"expression", expr,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Runtime error occurred")
		return
	}

	s.mu.Lock()
	rec := types.Record{
		ID:         s.nextID,
		Expression: expr,
		Result:     result,
		Timestamp:  s.now().UTC().Truncate(time.Microsecond),
	}
	s.nextID++
	s.history = append(s.history, rec)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toWire(rec)); err != nil {
		slog.Error("failed to encode record", "component", "fakeserver", "error", err)
	}
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade", "component", "fakeserver", "error", err)
		return
	}
	c := &client{conn: conn}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	if err := c.send(s.snapshotJSON()); err != nil {
		return
	}

	// Drain client frames so close and ping control frames are processed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
