package protocol

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ConnState is one of the five Session lifecycle states (spec.md §4.4).
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisposed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

type subscriptionEntry struct {
	qos      int
	handlers []RawPublishHandler
}

type queuedPublish struct {
	topic     string
	payload   []byte
	qos       int
	props     RawProperties
	expiresAt time.Time
	done      chan error
}

// SessionOption configures NewSession.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	factory                   RawClientFactory
	logger                    *slog.Logger
	clientIDHint              string
	maxAttempts               int
	initialBackoff            time.Duration
	maxBackoff                time.Duration
	expectSessionContinuation bool
}

// WithRawClientFactory supplies the factory used to obtain a fresh RawClient
// for each connection attempt. Required.
func WithRawClientFactory(f RawClientFactory) SessionOption {
	return func(o *sessionOptions) { o.factory = f }
}

// WithSessionLogger sets the *slog.Logger used for session lifecycle events.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = l }
}

// WithClientIDHint records the client id to report from ClientID before the
// first successful connection (the real id may later be broker-assigned).
func WithClientIDHint(id string) SessionOption {
	return func(o *sessionOptions) { o.clientIDHint = id }
}

// WithReconnectPolicy configures the exponential backoff used between
// reconnection attempts (spec.md §4.4: base 1s, cap 60s, max 10 attempts by
// default). maxAttempts <= 0 means unlimited attempts.
func WithReconnectPolicy(initial, max time.Duration, maxAttempts int) SessionOption {
	return func(o *sessionOptions) {
		o.initialBackoff = initial
		o.maxBackoff = max
		o.maxAttempts = maxAttempts
	}
}

// WithSessionContinuation controls whether Session treats a CONNACK
// session-present=false after a reconnect as a session-loss event requiring
// resubscription (default true; set false for clients that always use a
// clean session).
func WithSessionContinuation(expect bool) SessionOption {
	return func(o *sessionOptions) { o.expectSessionContinuation = expect }
}

// Session is the long-lived MQTT5 session client (C4): connection lifecycle,
// reconnection with state continuity, publish/subscribe queueing, and ack
// discipline, built entirely against the RawClient interface boundary.
type Session struct {
	opts sessionOptions

	mu               sync.Mutex
	state            ConnState
	raw              RawClient
	connUp           chan struct{}
	connCount        uint64
	started          bool
	subs             map[string]*subscriptionEntry
	outbox           []*queuedPublish
	dispatched       map[uint16]bool
	userDisconnected bool

	connectHandlers     []func()
	disconnectHandlers  []func(error)
	sessionLossHandlers []func()

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewSession constructs a Session. Connect must be called before any other
// operation will make progress.
func NewSession(opts ...SessionOption) (*Session, error) {
	o := sessionOptions{
		logger:                    slog.Default(),
		maxAttempts:               10,
		initialBackoff:            time.Second,
		maxBackoff:                60 * time.Second,
		expectSessionContinuation: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.factory == nil {
		return nil, ShallowError(KindInvalidConfiguration,
			"session requires a RawClientFactory (see WithRawClientFactory / NewMqttwireFactory)")
	}

	s := &Session{
		opts:       o,
		subs:       make(map[string]*subscriptionEntry),
		dispatched: make(map[uint16]bool),
		connUp:     make(chan struct{}),
		shutdown:   make(chan struct{}),
		state:      StateDisconnected,
	}
	return s, nil
}

func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientID returns the MQTT client id, preferring the broker-confirmed id
// from the active connection and falling back to the configured hint.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw != nil {
		return s.raw.ClientID()
	}
	return s.opts.clientIDHint
}

// OnConnect registers a callback invoked (in its own goroutine) every time a
// connection is established or re-established. Multiple subscribers fan out
// from this single list (spec.md §9: "event-delegate multicast -> single
// observer handle per event").
func (s *Session) OnConnect(h func()) {
	s.mu.Lock()
	s.connectHandlers = append(s.connectHandlers, h)
	s.mu.Unlock()
}

// OnDisconnect registers a callback invoked when the connection is lost. err
// is non-nil only for a terminal (retry-exhausted) disconnect.
func (s *Session) OnDisconnect(h func(error)) {
	s.mu.Lock()
	s.disconnectHandlers = append(s.disconnectHandlers, h)
	s.mu.Unlock()
}

// OnSessionLoss registers a callback invoked when a reconnect reports
// session-not-present and Session had to resubscribe everything from
// scratch.
func (s *Session) OnSessionLoss(h func()) {
	s.mu.Lock()
	s.sessionLossHandlers = append(s.sessionLossHandlers, h)
	s.mu.Unlock()
}

// Connect starts the connection lifecycle and blocks until the first
// connection succeeds, ctx is cancelled, or Dispose is called. Calling
// Connect again on an already-started Session just waits on the existing
// lifecycle instead of spawning a second reconnect loop.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ShallowError(KindObjectDisposed, "session disposed")
	}
	up := s.connUp
	alreadyStarted := s.started
	if !alreadyStarted {
		s.started = true
		s.state = StateConnecting
	}
	s.mu.Unlock()

	if !alreadyStarted {
		s.wg.Add(1)
		go s.manageConnection()
	}

	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return LocalError(KindTimeout, "connect wait cancelled", ctx.Err())
	case <-s.shutdown:
		return ShallowError(KindObjectDisposed, "session disposed")
	}
}

// manageConnection is the reconnect loop. It holds no connection-independent
// state beyond the backoff policy; every attempt obtains a brand new
// RawClient from the factory, mirroring the grounding reference's pattern of
// constructing a fresh Paho client instance per connection attempt instead of
// relying on the wire client's own reconnect logic.
func (s *Session) manageConnection() {
	defer s.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.initialBackoff
	bo.MaxInterval = s.opts.maxBackoff
	bo.MaxElapsedTime = 0
	attempts := 0

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		raw, err := s.opts.factory(dialCtx)
		cancel()
		if err != nil {
			attempts++
			if s.opts.maxAttempts > 0 && attempts >= s.opts.maxAttempts {
				s.terminalFailure(err)
				return
			}
			s.mu.Lock()
			s.state = StateReconnecting
			s.mu.Unlock()
			delay := bo.NextBackOff()
			s.opts.logger.Warn("mqtt connect attempt failed, backing off",
				"attempt", attempts, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-s.shutdown:
				return
			}
		}

		attempts = 0
		bo.Reset()

		s.mu.Lock()
		firstConnection := s.connCount == 0
		s.connCount++
		s.raw = raw
		sessionPresent := raw.SessionPresent()
		s.mu.Unlock()

		if !firstConnection && s.opts.expectSessionContinuation && !sessionPresent {
			s.handleSessionLoss(raw)
		}
		// Publishes that queue while the outbox is being flushed are flushed
		// as well before the session is marked connected.
		for {
			s.flushOutbox(raw)
			s.mu.Lock()
			if len(s.outbox) == 0 {
				break
			}
			s.mu.Unlock()
		}
		s.state = StateConnected
		up := s.connUp
		s.mu.Unlock()
		close(up)

		for _, h := range s.connectHandlersSnapshot() {
			go h()
		}

		select {
		case <-raw.Done():
			s.mu.Lock()
			s.connUp = make(chan struct{})
			s.raw = nil
			userDone := s.userDisconnected
			s.mu.Unlock()

			for _, h := range s.disconnectHandlersSnapshot() {
				go h(nil)
			}
			if userDone {
				s.mu.Lock()
				s.state = StateDisconnected
				s.mu.Unlock()
				return
			}
			s.mu.Lock()
			s.state = StateReconnecting
			s.mu.Unlock()
			continue
		case <-s.shutdown:
			_ = raw.Disconnect(context.Background())
			return
		}
	}
}

func (s *Session) connectHandlersSnapshot() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]func(), len(s.connectHandlers))
	copy(out, s.connectHandlers)
	return out
}

func (s *Session) disconnectHandlersSnapshot() []func(error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]func(error), len(s.disconnectHandlers))
	copy(out, s.disconnectHandlers)
	return out
}

func (s *Session) sessionLossHandlersSnapshot() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]func(), len(s.sessionLossHandlers))
	copy(out, s.sessionLossHandlers)
	return out
}

// handleSessionLoss resubscribes every previously registered filter after a
// reconnect reports session-not-present (spec.md §4.4).
func (s *Session) handleSessionLoss(raw RawClient) {
	s.mu.Lock()
	subsCopy := make(map[string]*subscriptionEntry, len(s.subs))
	for k, v := range s.subs {
		subsCopy[k] = v
	}
	s.mu.Unlock()

	s.opts.logger.Warn("broker reported session not present, resubscribing", "filterCount", len(subsCopy))
	for filter, entry := range subsCopy {
		if err := raw.Subscribe(context.Background(), filter, entry.qos, s.dispatchFor(filter)); err != nil {
			s.opts.logger.Error("resubscribe failed after session loss", "filter", filter, "error", err)
		}
	}
	for _, h := range s.sessionLossHandlersSnapshot() {
		go h()
	}
}

// flushOutbox drains queued publishes FIFO, dropping any that expired while
// queued, before any new publish is allowed to reach the wire (spec.md §4.4:
// "on reconnection they are flushed before any newer publish").
func (s *Session) flushOutbox(raw RawClient) {
	s.mu.Lock()
	pending := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	now := time.Now()
	for _, qp := range pending {
		if !qp.expiresAt.IsZero() && now.After(qp.expiresAt) {
			qp.done <- LocalError(KindTimeout, "message expired while queued for reconnection", nil)
			continue
		}
		qp.done <- raw.Publish(context.Background(), qp.topic, qp.payload, qp.qos, qp.props)
	}
}

func (s *Session) terminalFailure(err error) {
	s.mu.Lock()
	s.state = StateDisconnected
	pending := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	s.opts.logger.Error("session reconnection attempts exhausted, disconnecting terminally", "error", err)
	terminal := LocalError(KindStateInvalid, "reconnect attempts exhausted", err)
	for _, qp := range pending {
		qp.done <- terminal
	}
	for _, h := range s.disconnectHandlersSnapshot() {
		go h(terminal)
	}
}

// Publish submits a message. If connected, it is sent immediately and the
// call returns once acknowledged (PUBACK for QoS>=1, immediately for QoS0).
// If not connected, it is queued FIFO and flushed on reconnection; expiry<=0
// means the queued publish never expires.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte, qos int, props RawProperties, expiry time.Duration) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ShallowError(KindObjectDisposed, "session disposed")
	}
	if s.state == StateConnected && s.raw != nil {
		raw := s.raw
		s.mu.Unlock()
		return raw.Publish(ctx, topic, payload, qos, props)
	}

	qp := &queuedPublish{topic: topic, payload: payload, qos: qos, props: props, done: make(chan error, 1)}
	if expiry > 0 {
		qp.expiresAt = time.Now().Add(expiry)
	}
	s.outbox = append(s.outbox, qp)
	s.mu.Unlock()

	select {
	case err := <-qp.done:
		return err
	case <-ctx.Done():
		return LocalError(KindCancelled, "publish cancelled while queued", ctx.Err())
	case <-s.shutdown:
		return ShallowError(KindObjectDisposed, "session disposed")
	}
}

// Subscribe registers handler for filter. Subscribing the same filter+qos
// more than once is idempotent at the broker (only the first caller triggers
// a wire SUBSCRIBE); every registered handler still receives every message
// independently via the local fan-out table (spec.md §4.4).
func (s *Session) Subscribe(ctx context.Context, filter string, qos int, handler RawPublishHandler) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ShallowError(KindObjectDisposed, "session disposed")
	}
	entry, exists := s.subs[filter]
	if !exists {
		entry = &subscriptionEntry{qos: qos}
		s.subs[filter] = entry
	}
	entry.handlers = append(entry.handlers, handler)
	raw := s.raw
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !exists && connected && raw != nil {
		return raw.Subscribe(ctx, filter, qos, s.dispatchFor(filter))
	}
	return nil
}

// Unsubscribe removes every local handler for filter and, if connected,
// sends the wire UNSUBSCRIBE.
func (s *Session) Unsubscribe(ctx context.Context, filter string) error {
	s.mu.Lock()
	delete(s.subs, filter)
	raw := s.raw
	connected := s.state == StateConnected
	s.mu.Unlock()

	if connected && raw != nil {
		return raw.Unsubscribe(ctx, filter)
	}
	return nil
}

// dispatchFor builds the RawClient-facing handler for filter: it suppresses
// a redelivered QoS1 message whose handle has already been invoked (but not
// yet acked), then fans the message out to every locally registered handler
// (spec.md §4.4 ack discipline, §8 scenario 6). A RawClient that cannot
// supply a packet id (PacketID 0) opts out of this suppression entirely;
// its handlers must tolerate QoS1 redelivery on their own, same as any
// standard MQTT subscriber.
func (s *Session) dispatchFor(filter string) RawPublishHandler {
	return func(msg RawMessage) {
		if msg.QoS == 1 && msg.PacketID != 0 {
			s.mu.Lock()
			if msg.Duplicate && s.dispatched[msg.PacketID] {
				s.mu.Unlock()
				return
			}
			s.dispatched[msg.PacketID] = true
			s.mu.Unlock()
		}

		s.mu.Lock()
		entry := s.subs[filter]
		var handlers []RawPublishHandler
		if entry != nil {
			handlers = append(handlers, entry.handlers...)
		}
		s.mu.Unlock()

		for _, h := range handlers {
			h(msg)
		}
	}
}

// Ack completes a manually-acknowledged QoS1 message. It is a no-op for
// QoS0 messages.
func (s *Session) Ack(msg RawMessage) error {
	if msg.QoS != 1 {
		return nil
	}
	s.mu.Lock()
	raw := s.raw
	delete(s.dispatched, msg.PacketID)
	s.mu.Unlock()

	if raw == nil {
		return LocalError(KindStateInvalid, "ack attempted while disconnected", nil)
	}
	return raw.Ack(msg.PacketID)
}

// Disconnect performs a graceful, user-initiated disconnect. The session
// will not reconnect afterwards; State() becomes StateDisconnected once the
// underlying connection closes.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.userDisconnected = true
	raw := s.raw
	s.mu.Unlock()

	if raw != nil {
		return raw.Disconnect(ctx)
	}
	return nil
}

// Dispose permanently tears down the session. Afterwards Connect, Publish and
// Subscribe fail with KindObjectDisposed; Unsubscribe, Ack and Disconnect do
// not check for disposal.
func (s *Session) Dispose() error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDisposed
		raw := s.raw
		pending := s.outbox
		s.outbox = nil
		s.mu.Unlock()

		close(s.shutdown)
		if raw != nil {
			_ = raw.Disconnect(context.Background())
		}
		for _, qp := range pending {
			qp.done <- ShallowError(KindObjectDisposed, "session disposed")
		}
	})
	s.wg.Wait()
	return nil
}
