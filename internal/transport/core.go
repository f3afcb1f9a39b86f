package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Timeouts applied when the caller's context carries no tighter deadline.
const (
	DefaultConnectTimeout     = 10 * time.Second
	DefaultUnsubscribeTimeout = 5 * time.Second
)

// Session is the backend half of an adapter: it owns the wire connection.
type Session interface {
	// Open dials and logs on. The session must call lost, from any goroutine,
	// when the connection drops without Close having been called. Calls to
	// lost after Close, or for a superseded connection, are ignored.
	Open(ctx context.Context, lost func(error)) error

	// Close tears the connection down. It must tolerate a connection that
	// has already failed.
	Close(ctx context.Context) error
}

// CoreConfig configures a Core.
type CoreConfig struct {
	Kind               Kind
	Reconnect          ReconnectPolicy
	Logger             Logger
	Recorder           Recorder
	ConnectTimeout     time.Duration
	UnsubscribeTimeout time.Duration
}

// Core implements the backend-independent half of a Transport: the state
// machine, reconnect scheduling, the subscription registry, resubscription,
// handler invocation and error fan-out. Adapters embed it.
//
// Lock order: lifeMu before mutateMu. Registry mutations hold mutateMu;
// connect, disconnect, retries and loss handling hold lifeMu.
type Core struct {
	kind               Kind
	policy             ReconnectPolicy
	session            Session
	logger             Logger
	recorder           Recorder
	connectTimeout     time.Duration
	unsubscribeTimeout time.Duration

	dispatch *dispatcher
	state    *stateMachine
	registry *Registry
	errObs   observerList[*Error]

	lifeMu   sync.Mutex
	mutateMu sync.Mutex
	retry    retryTimer

	// Guarded by lifeMu.
	failures int
	seq      uint64
	liveSeq  uint64
}

// NewCore creates a Core driving session.
//
// Zero values in cfg fall back to defaults: a discarding logger, a no-op
// recorder, DefaultConnectTimeout and DefaultUnsubscribeTimeout. The Core
// starts disconnected with an empty registry.
//
// Parameters:
//   - cfg: Backend kind, reconnect policy, timeouts and observability hooks
//   - session: Backend hooks that open and close the physical connection
//
// Returns:
//   - *Core: Ready to embed in an adapter; call Connect to open it
func NewCore(cfg CoreConfig, session Session) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	unsubscribeTimeout := cfg.UnsubscribeTimeout
	if unsubscribeTimeout <= 0 {
		unsubscribeTimeout = DefaultUnsubscribeTimeout
	}

	d := &dispatcher{logger: logger}
	return &Core{
		kind:               cfg.Kind,
		policy:             cfg.Reconnect,
		session:            session,
		logger:             logger,
		recorder:           recorder,
		connectTimeout:     connectTimeout,
		unsubscribeTimeout: unsubscribeTimeout,
		dispatch:           d,
		state:              newStateMachine(d),
		registry:           NewRegistry(),
	}
}

// Kind returns the backend kind.
func (c *Core) Kind() Kind { return c.kind }

// Status returns the current connection status.
func (c *Core) Status() Status { return c.state.Status() }

// IsConnected reports whether the status is Connected.
func (c *Core) IsConnected() bool { return c.state.Status() == StatusConnected }

// Logger returns the logger adapters should use.
func (c *Core) Logger() Logger { return c.logger }

// OnStatus registers fn for every status change, including Connecting.
func (c *Core) OnStatus(fn func(Status)) func() { return c.state.statusObs.add(fn) }

// OnEvent registers fn for every connection event.
func (c *Core) OnEvent(fn func(Event)) func() { return c.state.eventObs.add(fn) }

// OnError registers fn for every error raised by an operation.
func (c *Core) OnError(fn func(*Error)) func() { return c.errObs.add(fn) }

// SubscriptionCount returns the number of registered subscriptions.
func (c *Core) SubscriptionCount() int { return c.registry.Len() }

// Topics returns registered topics in registration order.
func (c *Core) Topics() []string { return c.registry.Topics() }

// Connect opens the session. While connected it only logs a warning. While
// a retry is pending the retry is cancelled and an attempt is made at once.
//
// One attempt runs as follows:
//  1. Status moves to Connecting and Session.Open runs under the connect timeout
//  2. On failure the error is broadcast, the session is closed and a retry is
//     scheduled if the policy allows one; otherwise every subscription is dropped
//  3. On success the failure count resets, status moves to Connected and
//     registered subscriptions are reopened in registration order
//
// Parameters:
//   - ctx: Bounds the attempt together with the connect timeout
//
// Returns:
//   - error: nil once connected; otherwise a *Error whose Recoverable field
//     is true when a retry has been scheduled
func (c *Core) Connect(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	switch c.state.Status() {
	case StatusConnected:
		c.logger.Warn("connect called while already connected", "transport", c.kind)
		return nil
	case StatusReconnecting:
		c.retry.cancel()
	}
	return c.attemptLocked(ctx)
}

// attemptLocked runs one handshake. Caller holds lifeMu.
func (c *Core) attemptLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	c.seq++
	seq := c.seq
	lost := func(err error) {
		go c.connectionLost(seq, err)
	}

	c.state.transition(StatusConnecting, "", nil)
	if err := c.session.Open(ctx, lost); err != nil {
		c.failures++
		retrying := c.policy.Enabled && !c.policy.Exhausted(c.failures)
		terr := NewError(c.kind, OpConnection, fmt.Sprintf("connection attempt %d failed", c.failures), err, retrying)
		c.logger.Warn("connection attempt failed",
			"transport", c.kind,
			"attempt", c.failures,
			"retrying", retrying,
			"error", err,
		)
		c.state.transition(StatusError, terr.Message, terr)
		c.broadcast(terr)

		// Tear down whatever the failed attempt left behind.
		closeCtx, closeCancel := context.WithTimeout(context.Background(), c.unsubscribeTimeout)
		_ = c.session.Close(closeCtx) //nolint:errcheck // best effort after a failed open
		closeCancel()

		if retrying {
			c.scheduleLocked()
			return terr
		}
		if c.policy.Enabled {
			c.logger.Error("reconnect attempts exhausted", "transport", c.kind, "attempts", c.failures)
		}
		c.failures = 0
		c.dropAllLocked()
		return terr
	}

	resumed := c.failures > 0 || c.registry.Len() > 0
	c.failures = 0
	c.liveSeq = seq
	if resumed {
		c.state.transition(StatusConnected, "reconnected", nil)
	} else {
		c.state.transition(StatusConnected, "connected", nil)
	}
	c.logger.Info("transport connected", "transport", c.kind)
	c.resubscribe()
	return nil
}

// scheduleLocked arms the single retry timer. Caller holds lifeMu.
func (c *Core) scheduleLocked() {
	delay := c.policy.Delay(c.failures)
	attempt := c.failures + 1
	c.state.transition(StatusReconnecting, fmt.Sprintf("retry %d in %s", attempt, delay), nil)
	c.recorder.ReconnectScheduled(c.kind, attempt)
	c.logger.Info("reconnect scheduled", "transport", c.kind, "attempt", attempt, "delay", delay)
	c.retry.schedule(delay, c.retryNow)
}

// retryNow runs the retry scheduled as gen. A Connect, Disconnect or newer
// schedule that took lifeMu first makes it a no-op.
func (c *Core) retryNow(gen uint64) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if !c.retry.current(gen) || c.state.Status() != StatusReconnecting {
		return
	}
	_ = c.attemptLocked(context.Background()) //nolint:errcheck // failure already broadcast
}

// connectionLost handles an unsolicited drop of the session opened as seq.
func (c *Core) connectionLost(seq uint64, cause error) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if seq != c.liveSeq || c.state.Status() != StatusConnected {
		return
	}
	c.liveSeq = 0
	if cause == nil {
		cause = ErrClosed
	}
	c.logger.Warn("connection lost", "transport", c.kind, "error", cause)

	closeCtx, cancel := context.WithTimeout(context.Background(), c.unsubscribeTimeout)
	_ = c.session.Close(closeCtx) //nolint:errcheck // connection is already gone
	cancel()

	terr := NewError(c.kind, OpConnection, "connection lost", cause, c.policy.Enabled)
	if !c.policy.Enabled {
		c.dropAllLocked()
		c.state.transition(StatusDisconnected, "connection lost", terr)
		c.broadcast(terr)
		return
	}
	c.broadcast(terr)
	c.failures = 0
	c.scheduleLocked()
}

// Disconnect cancels any pending retry, drops every subscription and closes
// the session. Calling it while disconnected does nothing.
func (c *Core) Disconnect(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.retry.cancel()
	if c.state.Status() == StatusDisconnected {
		return nil
	}
	c.liveSeq = 0
	c.failures = 0
	c.dropAllLocked()

	if err := c.session.Close(ctx); err != nil {
		terr := NewError(c.kind, OpDisconnect, "disconnect failed", err, false)
		c.logger.Warn("disconnect failed", "transport", c.kind, "error", err)
		c.state.transition(StatusDisconnected, "disconnected with error", terr)
		c.broadcast(terr)
		return terr
	}
	c.state.transition(StatusDisconnected, "disconnected", nil)
	c.logger.Info("transport disconnected", "transport", c.kind)
	return nil
}

// Register adds a subscription and issues it through open. The entry is in
// the registry before open runs and is removed again if open fails.
func (c *Core) Register(ctx context.Context, topic string, mode Mode, handler Handler, opts SubscribeOptions, open OpenFunc) (*Subscription, error) {
	op := mode.Op()
	if topic == "" {
		return nil, c.Fail(op, "topic cannot be empty", ErrInvalidTopic, false)
	}
	if handler == nil {
		return nil, c.Fail(op, "handler cannot be nil", ErrNilHandler, false)
	}
	if err := c.RequireConnected(op); err != nil {
		return nil, err
	}

	e := &Entry{
		ID:      uuid.NewString(),
		Topic:   topic,
		Mode:    mode,
		Options: opts,
		Handler: handler,
		open:    open,
	}

	c.mutateMu.Lock()
	defer c.mutateMu.Unlock()

	c.registry.Insert(e)
	h, err := open(ctx, e)
	if err != nil {
		c.registry.Remove(e.ID)
		return nil, c.Fail(op, fmt.Sprintf("%s %q failed", mode, topic), err, true)
	}
	c.registry.setHandle(e.ID, h)

	c.logger.Debug("subscribed", "transport", c.kind, "topic", topic, "mode", mode.String(), "subscription", e.ID)
	return &Subscription{id: e.ID, topic: topic, unsubscribe: c.unsubscribe}, nil
}

func (c *Core) unsubscribe(ctx context.Context, id string) error {
	c.mutateMu.Lock()
	e := c.registry.Remove(id)
	var h Handle
	if e != nil {
		h = c.registry.takeHandle(e)
	}
	c.mutateMu.Unlock()

	// The entry is already out of the registry, so releasing it needs no
	// lock and a handler may unsubscribe itself.
	if h == nil {
		return nil
	}
	if !c.IsConnected() {
		c.releaseQuietly(e, h)
		return nil
	}
	if err := c.release(ctx, e, h); err != nil {
		return c.Fail(OpUnsubscribe, fmt.Sprintf("unsubscribe %q failed", e.Topic), err, false)
	}
	c.logger.Debug("unsubscribed", "transport", c.kind, "topic", e.Topic, "subscription", id)
	return nil
}

// release runs h.Release bounded by the unsubscribe timeout. A timeout
// counts as success.
func (c *Core) release(ctx context.Context, e *Entry, h Handle) error {
	ctx, cancel := context.WithTimeout(ctx, c.unsubscribeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.Release(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout)) {
		c.logger.Warn("unsubscribe not acknowledged in time", "transport", c.kind, "topic", e.Topic, "subscription", e.ID)
		return nil
	}
	return err
}

func (c *Core) releaseQuietly(e *Entry, h Handle) {
	if h == nil {
		return
	}
	if err := c.release(context.Background(), e, h); err != nil {
		c.logger.Debug("releasing stale subscription", "transport", c.kind, "topic", e.Topic, "error", err)
	}
}

// dropAllLocked clears the registry and releases every handle.
func (c *Core) dropAllLocked() {
	c.mutateMu.Lock()
	defer c.mutateMu.Unlock()
	for _, e := range c.registry.Drain() {
		c.releaseQuietly(e, c.registry.takeHandle(e))
	}
}

// resubscribe reissues every registered entry against the new session.
// Individual failures are reported and the entry is dropped; the rest
// continue.
func (c *Core) resubscribe() {
	c.mutateMu.Lock()
	defer c.mutateMu.Unlock()

	entries := c.registry.Drain()
	if len(entries) == 0 {
		return
	}
	c.logger.Info("restoring subscriptions", "transport", c.kind, "count", len(entries))

	for _, e := range entries {
		c.releaseQuietly(e, c.registry.takeHandle(e))

		c.registry.Insert(e)
		ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
		h, err := e.open(ctx, e)
		cancel()
		if err != nil {
			c.registry.Remove(e.ID)
			c.Fail(e.Mode.Op(), fmt.Sprintf("resubscribe %q failed", e.Topic), err, false)
			continue
		}
		c.registry.setHandle(e.ID, h)
	}
}

// Deliver invokes e's handler with env. Errors and panics are logged and
// swallowed.
func (c *Core) Deliver(e *Entry, env Envelope) {
	c.recorder.MessageReceived(c.kind, env.Topic)
	defer func() {
		if r := recover(); r != nil {
			c.recorder.HandlerFailed(c.kind, env.Topic)
			c.logger.Error("subscription handler panic recovered",
				"transport", c.kind,
				"topic", env.Topic,
				"subscription", e.ID,
				"panic", r,
			)
		}
	}()

	if err := e.Handler(env); err != nil {
		c.recorder.HandlerFailed(c.kind, env.Topic)
		c.logger.Warn("subscription handler error",
			"transport", c.kind,
			"topic", env.Topic,
			"subscription", e.ID,
			"error", err,
		)
	}
}

// Route delivers env to the first registered entry whose topic matches.
func (c *Core) Route(env Envelope) bool {
	e, ok := c.registry.Match(env.Topic)
	if !ok {
		return false
	}
	c.Deliver(e, env)
	return true
}

// Match returns the first registered entry for topic.
func (c *Core) Match(topic string) (*Entry, bool) {
	return c.registry.Match(topic)
}

// Lookup returns the entry with id.
func (c *Core) Lookup(id string) (*Entry, bool) {
	return c.registry.Get(id)
}

// Published records a successful publish.
func (c *Core) Published(topic string) {
	c.recorder.MessagePublished(c.kind, topic)
}

// RequireConnected fails op with ErrNotConnected unless connected.
func (c *Core) RequireConnected(op Op) error {
	if c.IsConnected() {
		return nil
	}
	return c.Fail(op, "not connected", ErrNotConnected, c.policy.Enabled)
}

// Fail builds a *Error, logs it and broadcasts it to error observers.
func (c *Core) Fail(op Op, message string, cause error, recoverable bool) *Error {
	terr := NewError(c.kind, op, message, cause, recoverable)
	c.logger.Warn("transport operation failed",
		"transport", c.kind,
		"code", terr.Code,
		"message", message,
		"error", cause,
	)
	c.broadcast(terr)
	return terr
}

func (c *Core) broadcast(terr *Error) {
	fns := c.errObs.snapshot()
	if len(fns) == 0 {
		return
	}
	c.dispatch.post(func() {
		for _, fn := range fns {
			fn(terr)
		}
	})
}
