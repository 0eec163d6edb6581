// Package connection gates user-initiated requests on server reachability.
//
// A Machine is in AwaitingInput when the user may submit and in
// AwaitingResponse while a request is outstanding or connectivity is being
// re-established. Failed health checks drive a bounded retry loop with
// exponential backoff and jitter; once the attempts are used up the loop
// cools down and starts over.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/calcsync/internal/metrics"
)

// State is the request-gating state.
type State int

const (
	// AwaitingResponse is the initial state.
	AwaitingResponse State = iota
	AwaitingInput
)

func (s State) String() string {
	switch s {
	case AwaitingInput:
		return "awaiting_input"
	case AwaitingResponse:
		return "awaiting_response"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StatusKind classifies a Status for display.
type StatusKind int

const (
	StatusSuccess StatusKind = iota + 1
	StatusRetrying
	StatusFailure
)

func (k StatusKind) String() string {
	switch k {
	case StatusSuccess:
		return "success"
	case StatusRetrying:
		return "retrying"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", int(k))
	}
}

// Status is a human-readable connectivity event.
type Status struct {
	Kind    StatusKind
	Message string
	At      time.Time
}

// Progress reports a failed attempt within the current retry round.
type Progress struct {
	Attempt int
	Max     int
}

// Observer receives machine events. Calls are made without the machine lock
// held, on the goroutine that caused the event: the caller of OnConnected,
// OnDisconnected, SubmitDone's timer, or the retry loop goroutine.
type Observer interface {
	StateChanged(s State)
	Status(s Status)
	Progress(p Progress)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) StateChanged(State) {}
func (NopObserver) Status(Status)      {}
func (NopObserver) Progress(Progress)  {}

// HealthChecker probes the server.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Config tunes the retry loop.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterMin      time.Duration
	JitterMax      time.Duration
	Cooldown       time.Duration
	SubmitCooldown time.Duration
	CheckTimeout   time.Duration
}

// DefaultConfig returns the stock retry parameters.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    10,
		BaseDelay:      256 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		JitterMin:      100 * time.Millisecond,
		JitterMax:      time.Second,
		Cooldown:       5 * time.Second,
		SubmitCooldown: 2 * time.Second,
		CheckTimeout:   10 * time.Second,
	}
}

const (
	msgConnected    = "Connected"
	msgDisconnected = "Connection failed."
)

// loop is one active retry loop.
type loop struct {
	cancel context.CancelFunc
	resume func(ctx context.Context)
}

// Machine is the connection state machine. It is safe for concurrent use.
type Machine struct {
	checker HealthChecker
	cfg     Config
	obs     Observer
	metrics *metrics.Metrics
	jitter  func() time.Duration
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	reachable   bool
	active      *loop
	submitTimer *time.Timer
	closed      bool
}

// New creates a machine in AwaitingResponse. obs and m may be nil.
func New(checker HealthChecker, cfg Config, obs Observer, m *metrics.Metrics) *Machine {
	if obs == nil {
		obs = NopObserver{}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		checker:   checker,
		cfg:       cfg,
		obs:       obs,
		metrics:   m,
		jitter:    func() time.Duration { return Jitter(cfg.JitterMin, cfg.JitterMax) },
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		state:     AwaitingResponse,
		reachable: true,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Retrying reports whether a retry loop is active.
func (m *Machine) Retrying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// setState must be called with mu held. It reports whether the state changed.
func (m *Machine) setState(s State) bool {
	if m.state == s {
		return false
	}
	slog.Info("state transition",
		"component", "connection",
		"action", "transition",
		"from", m.state.String(),
		"to", s.String(),
	)
	m.state = s
	return true
}

func (m *Machine) status(kind StatusKind, msg string) Status {
	return Status{Kind: kind, Message: msg, At: m.now()}
}

// OnConnected is the push listener's connect hook. It marks the server
// reachable and opens the gate. A retry loop carrying a pending submit is
// left to finish so the submit is re-issued; any other loop is stopped.
func (m *Machine) OnConnected() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.reachable = true
	changed := false
	if m.active != nil && m.active.resume != nil {
		slog.Debug("connected during retry with pending resume",
			"component", "connection",
			"action", "connect_deferred",
		)
	} else {
		m.stopLoopLocked()
		changed = m.setState(AwaitingInput)
	}
	m.mu.Unlock()

	m.obs.Status(m.status(StatusSuccess, msgConnected))
	if changed {
		m.obs.StateChanged(AwaitingInput)
	}
}

// OnDisconnected is the push listener's disconnect hook.
func (m *Machine) OnDisconnected() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.stopSubmitTimerLocked()
	changed := m.setState(AwaitingResponse)
	wasReachable := m.reachable
	m.mu.Unlock()

	if changed {
		m.obs.StateChanged(AwaitingResponse)
	}
	if wasReachable {
		m.obs.Status(m.status(StatusFailure, msgDisconnected))
	}
}

// CheckHealth starts the health-check loop in the background. resume, if
// non-nil, runs on the loop goroutine once the server answers, instead of
// returning to AwaitingInput. It is a no-op, returning false, unless the
// machine is in AwaitingResponse with no loop already running.
func (m *Machine) CheckHealth(resume func(ctx context.Context)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLoopLocked(resume)
}

// BeginSubmit moves AwaitingInput to AwaitingResponse. It returns false,
// changing nothing, in any other state.
func (m *Machine) BeginSubmit() bool {
	m.mu.Lock()
	if m.closed || m.state != AwaitingInput {
		m.mu.Unlock()
		return false
	}
	m.stopSubmitTimerLocked()
	m.setState(AwaitingResponse)
	m.mu.Unlock()

	m.obs.StateChanged(AwaitingResponse)
	return true
}

// SubmitFailed re-enters the retry loop after a transport failure. resume
// re-issues the submit once the server is reachable again.
func (m *Machine) SubmitFailed(resume func(ctx context.Context)) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	changed := m.setState(AwaitingResponse)
	m.reachable = false
	started := m.startLoopLocked(resume)
	m.mu.Unlock()

	if changed {
		m.obs.StateChanged(AwaitingResponse)
	}
	return started
}

// SubmitDone schedules the return to AwaitingInput after the submit cooldown.
// It applies whether the server accepted or rejected the request.
func (m *Machine) SubmitDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.reachable = true
	m.stopSubmitTimerLocked()

	var t *time.Timer
	t = time.AfterFunc(m.cfg.SubmitCooldown, func() {
		m.mu.Lock()
		if m.closed || m.submitTimer != t || m.state != AwaitingResponse {
			m.mu.Unlock()
			return
		}
		m.submitTimer = nil
		changed := m.setState(AwaitingInput)
		m.mu.Unlock()

		if changed {
			m.obs.StateChanged(AwaitingInput)
		}
	})
	m.submitTimer = t
}

// Close stops the retry loop and pending timers, then waits for an
// in-flight health check or resumed submit to return. Safe to call more
// than once.
func (m *Machine) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.stopLoopLocked()
		m.stopSubmitTimerLocked()
		m.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Machine) stopSubmitTimerLocked() {
	if m.submitTimer != nil {
		m.submitTimer.Stop()
		m.submitTimer = nil
	}
}

func (m *Machine) stopLoopLocked() {
	if m.active != nil {
		m.active.cancel()
		m.active = nil
	}
}

func (m *Machine) startLoopLocked(resume func(ctx context.Context)) bool {
	if m.closed {
		return false
	}
	if m.state != AwaitingResponse {
		slog.Debug("health check skipped",
			"component", "connection",
			"action", "check_skipped",
			"reason", "awaiting_input",
		)
		return false
	}
	if m.active != nil {
		slog.Debug("health check skipped",
			"component", "connection",
			"action", "check_skipped",
			"reason", "loop_active",
		)
		return false
	}

	ctx, cancel := context.WithCancel(m.ctx)
	l := &loop{cancel: cancel, resume: resume}
	m.active = l
	m.wg.Add(1)
	go m.run(ctx, l)
	return true
}

// current reports whether l is still the active loop.
func (m *Machine) current(l *loop) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active == l
}

// run drives rounds of health checks until one succeeds, the loop is
// superseded, or the machine closes.
func (m *Machine) run(ctx context.Context, l *loop) {
	defer m.wg.Done()
	defer l.cancel()

	slog.Info("retry loop started",
		"component", "connection",
		"action", "loop_started",
		"resume", l.resume != nil,
	)

	for {
		err := m.round(ctx, l)
		if err == nil {
			m.succeed(l)
			return
		}
		if ctx.Err() != nil || !m.current(l) {
			slog.Info("retry loop stopped",
				"component", "connection",
				"action", "loop_stopped",
			)
			return
		}

		slog.Warn("server unreachable",
			"component", "connection",
			"action", "retries_exhausted",
			"attempts", m.cfg.MaxAttempts,
			"cooldown", m.cfg.Cooldown.String(),
			"error", err,
		)
		m.obs.Status(m.status(StatusFailure, fmt.Sprintf("Unable to reach server. Retry in %s.", m.cfg.Cooldown)))

		t := time.NewTimer(m.cfg.Cooldown)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

var errSuperseded = errors.New("retry loop superseded")

// round makes up to MaxAttempts health checks with backoff between them.
// Every failed check reports progress.
func (m *Machine) round(ctx context.Context, l *loop) error {
	attempt := 0
	return retry.Do(ctx, newBackoff(m.cfg, m.jitter), func(ctx context.Context) error {
		if !m.current(l) {
			return errSuperseded
		}

		// In-flight checks are allowed to finish on shutdown.
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CheckTimeout)
		err := m.checker.CheckHealth(checkCtx)
		cancel()
		m.metrics.HealthCheck(err == nil)
		if err == nil {
			return nil
		}

		m.mu.Lock()
		m.reachable = false
		m.mu.Unlock()

		attempt++
		slog.Info("health check failed",
			"component", "connection",
			"action", "check_failed",
			"attempt", attempt,
			"max_attempts", m.cfg.MaxAttempts,
			"error", err,
		)
		m.obs.Progress(Progress{Attempt: attempt, Max: m.cfg.MaxAttempts})
		m.obs.Status(m.status(StatusRetrying, fmt.Sprintf("Connection attempt #%d", attempt)))
		return retry.RetryableError(err)
	})
}

func (m *Machine) succeed(l *loop) {
	m.mu.Lock()
	if m.active != l || m.closed {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.reachable = true
	changed := false
	if l.resume == nil {
		changed = m.setState(AwaitingInput)
	}
	m.mu.Unlock()

	slog.Info("server reachable",
		"component", "connection",
		"action", "check_succeeded",
	)
	m.obs.Status(m.status(StatusSuccess, msgConnected))
	if changed {
		m.obs.StateChanged(AwaitingInput)
	}
	if l.resume != nil {
		l.resume(context.WithoutCancel(m.ctx))
	}
}
