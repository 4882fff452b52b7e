package protocol

import (
	"context"
	"time"
)

// TelemetrySenderOption configures NewTelemetrySender.
type TelemetrySenderOption func(*telemetrySenderOptions)

type telemetrySenderOptions struct {
	baseTokens TokenMap
	qos        int
	expiry     time.Duration
}

// WithSenderTokens sets the token overlay merged into every Send call's topic
// resolution (overridden per-call by WithExtraTokens; spec.md §9 Open
// Question, resolved in DESIGN.md: the per-call overlay always wins).
func WithSenderTokens(tokens TokenMap) TelemetrySenderOption {
	return func(o *telemetrySenderOptions) { o.baseTokens = tokens }
}

// WithSenderQoS sets the default QoS for every Send call (default 1).
func WithSenderQoS(qos int) TelemetrySenderOption {
	return func(o *telemetrySenderOptions) { o.qos = qos }
}

// WithSenderExpiry sets the default message-expiry-interval stamped on every
// publish (0 disables it; a Session whose connection is down queues the
// publish and honors this same expiry while queued).
func WithSenderExpiry(d time.Duration) TelemetrySenderOption {
	return func(o *telemetrySenderOptions) { o.expiry = d }
}

// SendOption overrides TelemetrySender defaults for a single Send call.
type SendOption func(*sendOptions)

type sendOptions struct {
	extraTokens TokenMap
	qos         *int
	expiry      *time.Duration
	cloudEvent  *CloudEvent
	userProps   map[string]string
}

// WithExtraTokens supplies additional topic tokens for one Send call, merged
// over (and winning against) the sender's base tokens.
func WithExtraTokens(tokens TokenMap) SendOption {
	return func(o *sendOptions) { o.extraTokens = tokens }
}

// WithSendQoS overrides the QoS for one Send call.
func WithSendQoS(qos int) SendOption {
	return func(o *sendOptions) { o.qos = &qos }
}

// WithSendExpiry overrides the message-expiry-interval for one Send call.
func WithSendExpiry(d time.Duration) SendOption {
	return func(o *sendOptions) { o.expiry = &d }
}

// WithCloudEvent attaches a CloudEvents envelope to one Send call (spec.md
// §6). ID and Time are defaulted if left empty.
func WithCloudEvent(ce CloudEvent) SendOption {
	return func(o *sendOptions) { o.cloudEvent = &ce }
}

// WithSendUserProperty attaches an application-defined user property to one
// Send call, distinct from the reserved headers stamped automatically.
func WithSendUserProperty(key, value string) SendOption {
	return func(o *sendOptions) {
		if o.userProps == nil {
			o.userProps = make(map[string]string)
		}
		o.userProps[key] = value
	}
}

// TelemetrySender publishes values of type T to a token-resolved topic
// pattern (C5). Send has no queue of its own: it calls Session.Publish
// directly. Sequential Send calls reach the wire in call order, and while the
// session is disconnected they wait in Session's FIFO outbox; concurrent Send
// calls on a connected session are not serialized against each other.
type TelemetrySender[T any] struct {
	session *Session
	codec   Codec[T]
	pattern string
	appCtx  *AppContext
	opts    telemetrySenderOptions
}

// NewTelemetrySender constructs a sender. topicPattern may contain `{token}`
// placeholders resolved against the sender's base tokens merged with each
// call's extra tokens.
func NewTelemetrySender[T any](session *Session, codec Codec[T], topicPattern string, appCtx *AppContext, opts ...TelemetrySenderOption) (*TelemetrySender[T], error) {
	if session == nil || codec == nil || appCtx == nil {
		return nil, ShallowError(KindInvalidConfiguration, "telemetry sender requires a session, codec and app context")
	}
	o := telemetrySenderOptions{qos: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.qos != 0 && o.qos != 1 {
		return nil, ShallowError(KindInvalidConfiguration, "telemetry qos must be 0 or 1")
	}
	return &TelemetrySender[T]{session: session, codec: codec, pattern: topicPattern, appCtx: appCtx, opts: o}, nil
}

// Send encodes value, stamps the standard headers and optional CloudEvents
// envelope, resolves the topic, and publishes through the underlying
// Session. It returns once the publish is acknowledged (or queued-and-then-
// acknowledged, if the session was briefly disconnected).
func (s *TelemetrySender[T]) Send(ctx context.Context, value T, opts ...SendOption) error {
	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}

	payload, contentType, format, err := s.codec.Encode(value)
	if err != nil {
		return err
	}

	topic, err := Resolve(s.pattern, mergeTokens(s.opts.baseTokens, so.extraTokens))
	if err != nil {
		return err
	}

	stamp, err := s.appCtx.HLC.Update()
	if err != nil {
		return err
	}

	userProps := make(map[string]string, len(so.userProps)+5)
	for k, v := range so.userProps {
		userProps[k] = v
	}
	userProps[HeaderProtocolVersion] = s.appCtx.ProtocolVersion
	userProps[HeaderTimestamp] = stamp.String()
	if so.cloudEvent != nil {
		so.cloudEvent.applyDefaults(time.Now).stampUserProperties(userProps)
	}

	qos := s.opts.qos
	if so.qos != nil {
		qos = *so.qos
	}
	expiry := s.opts.expiry
	if so.expiry != nil {
		expiry = *so.expiry
	}

	format8 := uint8(format)
	props := RawProperties{
		ContentType:    contentType,
		PayloadFormat:  &format8,
		UserProperties: userProps,
	}
	if expiry > 0 {
		secs := uint32(expiry / time.Second)
		props.MessageExpiry = &secs
	}

	return s.session.Publish(ctx, topic, payload, qos, props, expiry)
}
