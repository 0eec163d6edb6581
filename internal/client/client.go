// Package client assembles the synchronization core: the operation queue and
// its store worker, the request sender, the connection state machine and the
// push listener.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hyperengineering/calcsync/internal/config"
	"github.com/hyperengineering/calcsync/internal/connection"
	"github.com/hyperengineering/calcsync/internal/listener"
	"github.com/hyperengineering/calcsync/internal/metrics"
	"github.com/hyperengineering/calcsync/internal/queue"
	"github.com/hyperengineering/calcsync/internal/sender"
	"github.com/hyperengineering/calcsync/internal/store"
	"github.com/hyperengineering/calcsync/internal/types"
	"github.com/hyperengineering/calcsync/internal/validation"
	"github.com/hyperengineering/calcsync/internal/worker"
)

var (
	// ErrNotReady is returned by Submit while a request is outstanding or
	// connectivity is being re-established.
	ErrNotReady = errors.New("client not ready for input")

	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("client closed")
)

// Outcome classifies a submit.
type Outcome int

const (
	// Accepted means the server evaluated the expression and the record was
	// queued for the local replica.
	Accepted Outcome = iota + 1
	// Rejected means the server answered with a non-200 status.
	Rejected
	// Deferred means the server was unreachable. The submit is re-issued
	// once a health check succeeds and its outcome is reported through
	// Observer.Submitted.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// SubmitResult is the result of one submit.
type SubmitResult struct {
	Expression string
	Outcome    Outcome
	StatusCode int
	Record     *types.Record
}

// Observer receives every event the client produces.
//
//   - StateChanged, Status and Progress come from the connection machine,
//     on the goroutine that caused the event.
//   - ListingUpdated is called on the store worker goroutine.
//   - Error is called on the listener goroutine for malformed pushes and
//     dial failures, and on the retry loop goroutine for a malformed
//     response to a resumed submit.
//   - Submitted is called once per completed submit: on the caller's
//     goroutine for a direct submit, on the retry loop goroutine for a
//     resumed one.
type Observer interface {
	connection.Observer
	worker.ListingObserver
	Error(err error)
	Submitted(res SubmitResult)
}

// NopObserver ignores all events.
type NopObserver struct {
	connection.NopObserver
}

func (NopObserver) ListingUpdated([]types.Record) {}
func (NopObserver) Error(error)                   {}
func (NopObserver) Submitted(SubmitResult)        {}

// Config carries the resolved settings of every component.
type Config struct {
	ServerURL  string
	SyncURL    string
	Sender     sender.Config
	Connection connection.Config
	Listener   listener.Config
}

// ConfigFrom resolves a Config from the loaded application configuration.
func ConfigFrom(cfg *config.Config) (Config, error) {
	syncURL, err := cfg.SyncURL()
	if err != nil {
		return Config{}, err
	}
	r := cfg.Retry
	return Config{
		ServerURL: cfg.Server.BaseURL,
		SyncURL:   syncURL,
		Sender:    sender.Config{Timeout: cfg.Server.RequestTimeout.Std()},
		Connection: connection.Config{
			MaxAttempts:    r.MaxAttempts,
			BaseDelay:      r.BaseDelay.Std(),
			MaxDelay:       r.MaxDelay.Std(),
			JitterMin:      r.JitterMin.Std(),
			JitterMax:      r.JitterMax.Std(),
			Cooldown:       r.Cooldown.Std(),
			SubmitCooldown: r.SubmitCooldown.Std(),
			CheckTimeout:   r.CheckTimeout.Std(),
		},
		Listener: listener.Config{
			ReconnectInterval: cfg.Listener.ReconnectInterval.Std(),
			HandshakeTimeout:  cfg.Listener.HandshakeTimeout.Std(),
		},
	}, nil
}

// Client owns every component and the store. Construct with New, call Start
// once, and finish with Shutdown.
type Client struct {
	store    store.Store
	obs      Observer
	metrics  *metrics.Metrics
	queue    *queue.Queue
	worker   *worker.StoreWorker
	sender   *sender.Sender
	machine  *connection.Machine
	listener *listener.Listener

	wg sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// New wires the components around st. The client takes ownership of st and
// closes it on Shutdown. obs and m may be nil.
func New(cfg Config, st store.Store, obs Observer, m *metrics.Metrics) *Client {
	if obs == nil {
		obs = NopObserver{}
	}
	c := &Client{
		store:   st,
		obs:     obs,
		metrics: m,
		queue:   queue.New(),
		sender:  sender.New(cfg.ServerURL, cfg.Sender),
	}
	c.worker = worker.NewStoreWorker(c.queue, st, obs, m)
	c.machine = connection.New(c.sender, cfg.Connection, obs, m)
	c.listener = listener.New(cfg.SyncURL, c.queue, cfg.Listener, listener.Events{
		OnConnected:    c.machine.OnConnected,
		OnDisconnected: c.machine.OnDisconnected,
		OnError:        obs.Error,
	}, m)
	return c
}

// Start launches the store worker and the push listener and runs the
// initial health check. Cancelling ctx does not stop the client; Shutdown
// does.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return errors.New("client already started")
	}
	c.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	startWorker(runCtx, &c.wg, "store", c.worker.Run)
	startWorker(runCtx, &c.wg, "listener", c.listener.Run)
	c.machine.CheckHealth(nil)
	return nil
}

// State returns the connection machine's state.
func (c *Client) State() connection.State {
	return c.machine.State()
}

// ListenerState returns the push channel's state.
func (c *Client) ListenerState() listener.State {
	return c.listener.State()
}

// Submit validates expr and sends it when the client is ready for input.
// A transport failure is not an error: the result is Deferred and the submit
// is re-issued after connectivity returns. A malformed 200 response returns
// an error wrapping types.ErrDecode.
func (c *Client) Submit(ctx context.Context, expr string, float bool) (SubmitResult, error) {
	if err := validation.ValidateExpression(expr); err != nil {
		return SubmitResult{}, err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return SubmitResult{}, ErrClosed
	}

	if !c.machine.BeginSubmit() {
		return SubmitResult{}, ErrNotReady
	}
	return c.send(ctx, expr, float)
}

func (c *Client) send(ctx context.Context, expr string, float bool) (SubmitResult, error) {
	res := SubmitResult{Expression: expr}

	status, rec, err := c.sender.Submit(ctx, expr, float)
	res.StatusCode = status

	var te *sender.TransportError
	switch {
	case errors.As(err, &te):
		slog.Warn("submit deferred",
			"component", "client",
			"action", "submit_deferred",
			"error", err,
		)
		c.metrics.Submit("deferred")
		res.Outcome = Deferred
		c.machine.SubmitFailed(func(ctx context.Context) {
			c.resume(ctx, expr, float)
		})
		return res, nil

	case err != nil:
		slog.Error("malformed submit response",
			"component", "client",
			"action", "submit_malformed",
			"error", err,
		)
		c.metrics.Submit("malformed")
		c.machine.SubmitDone()
		return res, fmt.Errorf("submit %q: %w", expr, err)

	case status == 200 && rec != nil:
		res.Outcome = Accepted
		res.Record = rec
		if !c.queue.Enqueue(queue.Insert(*rec)) {
			slog.Warn("accepted record not stored, client shutting down",
				"component", "client",
				"action", "enqueue_refused",
				"id", rec.ID,
			)
		}
		c.metrics.Submit("accepted")

	default:
		res.Outcome = Rejected
		slog.Info("submit rejected",
			"component", "client",
			"action", "submit_rejected",
			"status", status,
		)
		c.metrics.Submit("rejected")
	}

	c.machine.SubmitDone()
	c.obs.Submitted(res)
	return res, nil
}

// resume re-issues a deferred submit on the retry loop goroutine.
func (c *Client) resume(ctx context.Context, expr string, float bool) {
	slog.Info("resuming submit",
		"component", "client",
		"action", "submit_resumed",
	)
	if _, err := c.send(ctx, expr, float); err != nil {
		c.obs.Error(err)
	}
}

// Shutdown stops accepting work, lets in-flight requests finish, waits for
// the store worker to drain the queue, then closes the store. If ctx ends
// first the worker is abandoned mid-queue and ctx's error is returned after
// the store is closed. Safe to call more than once.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	slog.Info("shutdown initiated", "component", "client")

	c.listener.Close()
	c.queue.Close()
	c.machine.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for store worker: %w", ctx.Err())
		slog.Error("shutdown timed out, abandoning queued operations",
			"component", "client",
			"pending", c.queue.Len(),
		)
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}

	if cerr := c.store.Close(); cerr != nil {
		slog.Error("store close error", "component", "client", "error", cerr)
		err = errors.Join(err, cerr)
	}

	slog.Info("shutdown complete", "component", "client")
	return err
}

// startWorker launches a background goroutine tracked by wg.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
