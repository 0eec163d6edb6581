// Package listener keeps the push subscription to the server's /ws/sync
// channel alive and forwards every snapshot to the operation queue.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/calcsync/internal/metrics"
	"github.com/hyperengineering/calcsync/internal/queue"
	"github.com/hyperengineering/calcsync/internal/types"
)

// State is the subscription lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Enqueuer accepts operations for the store worker.
type Enqueuer interface {
	Enqueue(op queue.Operation) bool
}

// Events are the listener's outbound hooks. Each may be nil. They are called
// on the listener's Run goroutine. OnDisconnected fires only when an
// established connection is lost; dial failures go to OnError.
type Events struct {
	OnConnected    func()
	OnDisconnected func()
	OnError        func(err error)
}

// Config tunes reconnection.
type Config struct {
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
}

// Listener maintains one websocket subscription, redialing at a fixed
// interval after every failure.
type Listener struct {
	url     string
	queue   Enqueuer
	cfg     Config
	events  Events
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	mu     sync.Mutex
	state  State
	active bool
	conn   *websocket.Conn
	stop   chan struct{}
}

// New creates a listener for url. m may be nil.
func New(url string, q Enqueuer, cfg Config, ev Events, m *metrics.Metrics) *Listener {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Listener{
		url:     url,
		queue:   q,
		cfg:     cfg,
		events:  ev,
		metrics: m,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		active: true,
		stop:   make(chan struct{}),
	}
}

// State returns the current subscription state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) isActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

// Run dials and reads until Close is called or ctx is done.
func (l *Listener) Run(ctx context.Context) {
	slog.Info("listener started",
		"component", "listener",
		"action", "listener_started",
		"url", l.url,
	)
	defer slog.Info("listener stopped",
		"component", "listener",
		"action", "listener_stopped",
	)

	for l.isActive() && ctx.Err() == nil {
		l.session(ctx)

		if !l.isActive() || ctx.Err() != nil {
			return
		}

		slog.Debug("reconnect scheduled",
			"component", "listener",
			"action", "reconnect_scheduled",
			"interval", l.cfg.ReconnectInterval.String(),
		)
		t := time.NewTimer(l.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-l.stop:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session runs one connection from dial to disconnect.
func (l *Listener) session(ctx context.Context) {
	l.setState(Connecting)

	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		l.setState(Disconnected)
		if l.isActive() && ctx.Err() == nil {
			slog.Warn("dial failed",
				"component", "listener",
				"action", "dial_failed",
				"error", err,
			)
			l.reportError(fmt.Errorf("dial %s: %w", l.url, err))
		}
		return
	}

	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		_ = conn.Close()
		l.setState(Disconnected)
		return
	}
	l.conn = conn
	l.mu.Unlock()

	slog.Info("push channel connected",
		"component", "listener",
		"action", "connected",
	)
	// Connected is reported only once the hook has run.
	if l.events.OnConnected != nil {
		l.events.OnConnected()
	}
	l.setState(Connected)

	stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err = l.readLoop(conn)
	stopWatch()

	l.mu.Lock()
	l.conn = nil
	l.state = Disconnected
	active := l.active
	l.mu.Unlock()
	_ = conn.Close()

	if !active || ctx.Err() != nil {
		slog.Debug("push channel closed during shutdown",
			"component", "listener",
			"action", "closed",
		)
		return
	}

	slog.Warn("push channel disconnected",
		"component", "listener",
		"action", "disconnected",
		"error", err,
	)
	if l.events.OnDisconnected != nil {
		l.events.OnDisconnected()
	}
}

// readLoop decodes frames until the connection fails.
func (l *Listener) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		snap, err := types.DecodeSnapshot(data)
		if err != nil {
			l.metrics.PushMessage("malformed")
			slog.Warn("dropping malformed snapshot",
				"component", "listener",
				"action", "decode_failed",
				"error", err,
			)
			l.reportError(err)
			continue
		}

		l.metrics.PushMessage("accepted")
		if !l.queue.Enqueue(queue.Sync(snap)) {
			slog.Debug("snapshot ignored, queue closed",
				"component", "listener",
				"action", "enqueue_refused",
			)
		}
	}
}

func (l *Listener) reportError(err error) {
	if l.events.OnError != nil {
		l.events.OnError(err)
	}
}

// Close stops reconnecting and closes the open connection, sending a close
// frame first when possible. Safe to call more than once.
func (l *Listener) Close() {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return
	}
	l.active = false
	close(l.stop)
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		slog.Debug("close frame not sent",
			"component", "listener",
			"action", "close_frame_failed",
			"error", err,
		)
	}
	_ = conn.Close()
}
