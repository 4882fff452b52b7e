package protocol

import "context"

// TelemetryMessage is the decoded value handed to a TelemetryHandler,
// together with the metadata the receiver recovered from the PUBLISH
// properties (spec.md §4.6).
type TelemetryMessage[T any] struct {
	Value         T
	CloudEvent    CloudEvent
	HasCloudEvent bool
	Topic         string
	Tokens        TokenMap
	Timestamp     Timestamp
}

// TelemetryHandler processes one decoded telemetry message. It runs on the
// Session's dispatch goroutine; a handler that blocks delays delivery of
// subsequent messages on the same subscription.
type TelemetryHandler[T any] func(ctx context.Context, msg TelemetryMessage[T])

// TelemetryReceiverOption configures NewTelemetryReceiver.
type TelemetryReceiverOption func(*telemetryReceiverOptions)

type telemetryReceiverOptions struct {
	qos int
}

// WithReceiverQoS sets the subscription QoS (default 1).
func WithReceiverQoS(qos int) TelemetryReceiverOption {
	return func(o *telemetryReceiverOptions) { o.qos = qos }
}

// TelemetryReceiver subscribes to a token-patterned topic filter, decodes
// each inbound message and dispatches it to a handler (C6). The default nack
// policy is ack-and-drop: a message this receiver cannot route or decode is
// logged and acknowledged rather than left to be redelivered forever
// (spec.md §4.6).
type TelemetryReceiver[T any] struct {
	session *Session
	codec   Codec[T]
	pattern string
	filter  string
	appCtx  *AppContext
	handler TelemetryHandler[T]
	opts    telemetryReceiverOptions
}

// NewTelemetryReceiver constructs a receiver. Call Start to begin delivery.
func NewTelemetryReceiver[T any](session *Session, codec Codec[T], topicPattern string, appCtx *AppContext, handler TelemetryHandler[T], opts ...TelemetryReceiverOption) (*TelemetryReceiver[T], error) {
	if session == nil || codec == nil || appCtx == nil || handler == nil {
		return nil, ShallowError(KindInvalidConfiguration, "telemetry receiver requires a session, codec, app context and handler")
	}
	o := telemetryReceiverOptions{qos: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return &TelemetryReceiver[T]{
		session: session,
		codec:   codec,
		pattern: topicPattern,
		filter:  SubscriptionFilter(topicPattern),
		appCtx:  appCtx,
		handler: handler,
		opts:    o,
	}, nil
}

// Start subscribes to the receiver's topic filter. One call is enough across
// reconnections, since Session itself handles resubscription after session
// loss; each further call registers the handler again, so every message is
// then dispatched once per call.
func (r *TelemetryReceiver[T]) Start(ctx context.Context) error {
	return r.session.Subscribe(ctx, r.filter, r.opts.qos, r.dispatch)
}

// Stop unsubscribes the receiver's topic filter.
func (r *TelemetryReceiver[T]) Stop(ctx context.Context) error {
	return r.session.Unsubscribe(ctx, r.filter)
}

func (r *TelemetryReceiver[T]) dispatch(msg RawMessage) {
	tokens, ok := Match(r.pattern, msg.Topic)
	if !ok {
		r.appCtx.Logger.Warn("telemetry message topic does not match pattern, dropping",
			"topic", msg.Topic, "pattern", r.pattern)
		_ = r.session.Ack(msg)
		return
	}

	var format PayloadFormat
	if msg.Properties.PayloadFormat != nil {
		format = PayloadFormat(*msg.Properties.PayloadFormat)
	}
	value, err := r.codec.Decode(msg.Payload, msg.Properties.ContentType, format)
	if err != nil {
		r.appCtx.Logger.Warn("telemetry payload decode failed, dropping message",
			"topic", msg.Topic, "error", err)
		_ = r.session.Ack(msg)
		return
	}

	var stamp Timestamp
	if ts, ok := msg.Properties.UserProperties[HeaderTimestamp]; ok {
		if parsed, err := ParseTimestamp(ts); err == nil {
			if merged, err := r.appCtx.HLC.UpdateWith(parsed); err == nil {
				stamp = merged
			} else {
				r.appCtx.Logger.Warn("hlc merge failed for inbound telemetry timestamp",
					"topic", msg.Topic, "error", err)
			}
		}
	}

	ce, hasCE := parseCloudEvent(msg.Properties.UserProperties)

	r.handler(context.Background(), TelemetryMessage[T]{
		Value:         value,
		CloudEvent:    ce,
		HasCloudEvent: hasCE,
		Topic:         msg.Topic,
		Tokens:        tokens,
		Timestamp:     stamp,
	})
	_ = r.session.Ack(msg)
}
