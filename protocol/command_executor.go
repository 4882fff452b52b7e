package protocol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// CommandRequest is the decoded request and metadata handed to a
// CommandHandler (spec.md §4.8).
type CommandRequest[Req any] struct {
	Payload    Req
	Metadata   map[string]string
	CloudEvent CloudEvent
	ClientID   string
	Tokens     TokenMap
}

// CommandHandler executes one decoded command request. It is run with a
// context derived from the request's message-expiry-interval and must be
// safe to call concurrently: the executor dispatches requests up to its
// configured concurrency limit.
type CommandHandler[Req, Res any] func(ctx context.Context, req *CommandRequest[Req]) (*CommandResponse[Res], error)

// CommandExecutorOption configures NewCommandExecutor.
type CommandExecutorOption func(*commandExecutorOptions)

type commandExecutorOptions struct {
	idempotent  bool
	cacheTTL    time.Duration
	concurrency int64
	qos         int
}

// WithExecutorIdempotent marks the command idempotent, enabling the TTL
// response cache (spec.md §4.8).
func WithExecutorIdempotent(idempotent bool) CommandExecutorOption {
	return func(o *commandExecutorOptions) { o.idempotent = idempotent }
}

// WithExecutorCacheTTL sets how long an idempotent command's response is
// cached for replay to a duplicate request. Only valid alongside
// WithExecutorIdempotent(true).
func WithExecutorCacheTTL(d time.Duration) CommandExecutorOption {
	return func(o *commandExecutorOptions) { o.cacheTTL = d }
}

// WithExecutorConcurrency bounds the number of requests dispatched to the
// handler at once (default 10).
func WithExecutorConcurrency(n int64) CommandExecutorOption {
	return func(o *commandExecutorOptions) { o.concurrency = n }
}

// WithExecutorQoS sets the subscription QoS for incoming requests
// (default 1).
func WithExecutorQoS(qos int) CommandExecutorOption {
	return func(o *commandExecutorOptions) { o.qos = qos }
}

// CommandExecutor subscribes to a request topic, dedups and dispatches each
// request to a handler, then publishes a status-coded response (C8).
// Grounded on the reference executor's cache.Exec / concurrency-gated
// dispatch / panic-recovering handler invocation, adapted onto this
// runtime's Session and dedupCache.
type CommandExecutor[Req, Res any] struct {
	session  *Session
	reqCodec Codec[Req]
	resCodec Codec[Res]
	pattern  string
	filter   string
	appCtx   *AppContext
	handler  CommandHandler[Req, Res]
	opts     commandExecutorOptions
	sem      *semaphore.Weighted
	cache    *dedupCache
}

// NewCommandExecutor constructs an executor bound to requestTopicPattern.
func NewCommandExecutor[Req, Res any](session *Session, reqCodec Codec[Req], resCodec Codec[Res], requestTopicPattern string, appCtx *AppContext, handler CommandHandler[Req, Res], opts ...CommandExecutorOption) (*CommandExecutor[Req, Res], error) {
	if session == nil || reqCodec == nil || resCodec == nil || appCtx == nil || handler == nil {
		return nil, ShallowError(KindInvalidConfiguration, "command executor requires a session, codecs, app context and handler")
	}
	o := commandExecutorOptions{concurrency: 10, qos: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.idempotent && o.cacheTTL != 0 {
		return nil, ShallowError(KindInvalidConfiguration, "cache ttl must be zero for a non-idempotent command")
	}
	if o.cacheTTL < 0 {
		return nil, ShallowError(KindInvalidConfiguration, "cache ttl must not be negative")
	}
	if o.concurrency <= 0 {
		o.concurrency = 10
	}

	return &CommandExecutor[Req, Res]{
		session:  session,
		reqCodec: reqCodec,
		resCodec: resCodec,
		pattern:  requestTopicPattern,
		filter:   SubscriptionFilter(requestTopicPattern),
		appCtx:   appCtx,
		handler:  handler,
		opts:     o,
		sem:      semaphore.NewWeighted(o.concurrency),
		cache:    newDedupCache(nil),
	}, nil
}

// Start subscribes to the executor's request topic filter.
func (ce *CommandExecutor[Req, Res]) Start(ctx context.Context) error {
	return ce.session.Subscribe(ctx, ce.filter, ce.opts.qos, ce.onRequest)
}

// Close unsubscribes the request topic filter.
func (ce *CommandExecutor[Req, Res]) Close(ctx context.Context) error {
	return ce.session.Unsubscribe(ctx, ce.filter)
}

func (ce *CommandExecutor[Req, Res]) onRequest(msg RawMessage) {
	if err := ce.validate(msg); err != nil {
		ce.respondCached(msg, ce.errorResponse(err))
		_ = ce.session.Ack(msg)
		return
	}

	dedupKey := string(msg.Properties.CorrelationData)
	if cached, ok := ce.cache.lookup(dedupKey); ok {
		ce.respondCached(msg, cached)
		_ = ce.session.Ack(msg)
		return
	}

	wait, isLeader := ce.cache.beginOrWait(dedupKey)
	if !isLeader {
		if ce.opts.idempotent {
			// Another in-flight execution for this exact correlation id (a
			// redelivery arriving before the original finished) piggybacks on
			// its result instead of re-invoking the handler.
			go func() {
				resp := <-wait
				ce.respondCached(msg, resp)
				_ = ce.session.Ack(msg)
			}()
			return
		}
		// Non-idempotent commands cannot safely share the leader's result: a
		// concurrent duplicate is rejected outright rather than risking a
		// second execution or a misattributed response (spec.md §4.8 step 5).
		ce.respondCached(msg, ce.errorResponse(&Error{Kind: KindStateInvalid, Message: "duplicate in-flight request for non-idempotent command"}))
		_ = ce.session.Ack(msg)
		return
	}

	if err := ce.sem.Acquire(context.Background(), 1); err != nil {
		ce.cache.finish(dedupKey, nil, 0)
		_ = ce.session.Ack(msg)
		return
	}

	go func() {
		defer ce.sem.Release(1)
		resp := ce.execute(msg)
		ttl := time.Duration(0)
		if ce.opts.idempotent {
			ttl = ce.opts.cacheTTL
		}
		ce.cache.finish(dedupKey, resp, ttl)
		ce.respondCached(msg, resp)
		_ = ce.session.Ack(msg)
	}()
}

// validate checks the headers every request must carry before execution is
// even attempted (spec.md §4.8): a response topic to reply to, a message
// expiry to bound execution by, a source client id, and a compatible
// protocol version.
func (ce *CommandExecutor[Req, Res]) validate(msg RawMessage) error {
	if msg.Properties.ResponseTopic == "" {
		return &Error{Kind: KindMissingHeader, Message: "missing response topic", HeaderName: "response-topic"}
	}
	if msg.Properties.MessageExpiry == nil || *msg.Properties.MessageExpiry == 0 {
		return &Error{Kind: KindMissingHeader, Message: "missing message expiry interval", HeaderName: "message-expiry-interval"}
	}
	if msg.Properties.UserProperties[HeaderSourceID] == "" {
		return &Error{Kind: KindMissingHeader, Message: "missing source client id", HeaderName: HeaderSourceID}
	}
	if v, ok := msg.Properties.UserProperties[HeaderProtocolVersion]; ok && v != "" && v != ce.appCtx.ProtocolVersion {
		return &Error{
			Kind: KindUnsupportedVersion, Message: "unsupported protocol version " + v,
			ProtocolVersion: v, SupportedProtocols: []string{ce.appCtx.ProtocolVersion},
		}
	}
	return nil
}

func (ce *CommandExecutor[Req, Res]) execute(msg RawMessage) *cachedResponse {
	var format PayloadFormat
	if msg.Properties.PayloadFormat != nil {
		format = PayloadFormat(*msg.Properties.PayloadFormat)
	}
	value, err := ce.reqCodec.Decode(msg.Payload, msg.Properties.ContentType, format)
	if err != nil {
		return ce.errorResponse(err)
	}

	if ts, ok := msg.Properties.UserProperties[HeaderTimestamp]; ok {
		if parsed, perr := ParseTimestamp(ts); perr == nil {
			if _, uerr := ce.appCtx.HLC.UpdateWith(parsed); uerr != nil {
				ce.appCtx.Logger.Warn("hlc merge failed for inbound command request", "error", uerr)
			}
		}
	}

	tokens, _ := Match(ce.pattern, msg.Topic)
	envelope, hasCE := parseCloudEvent(msg.Properties.UserProperties)
	req := &CommandRequest[Req]{
		Payload:  value,
		Metadata: msg.Properties.UserProperties,
		ClientID: msg.Properties.UserProperties[HeaderSourceID],
		Tokens:   tokens,
	}
	if hasCE {
		req.CloudEvent = envelope
	}

	expiry := time.Duration(*msg.Properties.MessageExpiry) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), expiry)
	defer cancel()

	res, err := ce.invokeHandler(ctx, req)
	if err != nil {
		return ce.errorResponse(err)
	}
	return ce.successResponse(res)
}

// invokeHandler calls ce.handler on its own goroutine so a panic or a
// context-deadline handler abandonment cannot take the dispatch goroutine
// down with it.
func (ce *CommandExecutor[Req, Res]) invokeHandler(ctx context.Context, req *CommandRequest[Req]) (*CommandResponse[Res], error) {
	type result struct {
		res *CommandResponse[Res]
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				r = result{err: LocalError(KindExecutionError, fmt.Sprintf("command handler panicked: %v", p), nil)}
			}
			ch <- r
		}()
		r.res, r.err = ce.handler(ctx, req)
	}()

	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return nil, RemoteError(KindTimeout, "command handler exceeded message expiry interval")
	}
}

func (ce *CommandExecutor[Req, Res]) successResponse(res *CommandResponse[Res]) *cachedResponse {
	var payload Res
	var metadata map[string]string
	var ce2 *CloudEvent
	if res != nil {
		payload = res.Payload
		metadata = res.Metadata
		if res.CloudEvent.ID != "" {
			ce2 = &res.CloudEvent
		}
	}
	data, contentType, format, err := ce.resCodec.Encode(payload)
	if err != nil {
		return ce.errorResponse(err)
	}

	props := make(map[string]string, len(metadata)+3)
	for k, v := range metadata {
		props[k] = v
	}
	props[HeaderStatus] = strconv.Itoa(StatusOK)
	props[HeaderProtocolVersion] = ce.appCtx.ProtocolVersion
	if ce2 != nil {
		ce2.applyDefaults(time.Now).stampUserProperties(props)
	}
	return &cachedResponse{payload: data, contentType: contentType, format: format, userProperties: props}
}

func (ce *CommandExecutor[Req, Res]) errorResponse(err error) *cachedResponse {
	status := StatusInternalError
	msg := err.Error()
	var propName, propValue, supportedMajors, requestProtoVer string
	var perr *Error
	if errors.As(err, &perr) {
		status = statusForKind(perr.Kind)
		if perr.Message != "" {
			msg = perr.Message
		}
		propName = perr.HeaderName
		if propName == "" {
			propName = perr.PropertyName
		}
		propValue = perr.PropertyValue
		if len(perr.SupportedProtocols) > 0 {
			supportedMajors = strings.Join(perr.SupportedProtocols, " ")
		}
		requestProtoVer = perr.ProtocolVersion
	}

	props := map[string]string{
		HeaderStatus:           strconv.Itoa(status),
		HeaderStatusMessage:    msg,
		HeaderProtocolVersion:  ce.appCtx.ProtocolVersion,
		HeaderIsApplicationErr: "false",
	}
	if propName != "" {
		props[HeaderPropertyName] = propName
	}
	if propValue != "" {
		props[HeaderPropertyValue] = propValue
	}
	if supportedMajors != "" {
		props[HeaderSupportedMajors] = supportedMajors
	}
	if requestProtoVer != "" {
		props[HeaderRequestProtoVer] = requestProtoVer
	}
	return &cachedResponse{userProperties: props}
}

func (ce *CommandExecutor[Req, Res]) respondCached(msg RawMessage, resp *cachedResponse) {
	if resp == nil {
		return
	}
	format8 := uint8(resp.format)
	props := RawProperties{
		ContentType:     resp.contentType,
		CorrelationData: msg.Properties.CorrelationData,
		PayloadFormat:   &format8,
		UserProperties:  resp.userProperties,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ce.session.Publish(ctx, msg.Properties.ResponseTopic, resp.payload, ce.opts.qos, props, 10*time.Second); err != nil {
		ce.appCtx.Logger.Error("failed to publish command response", "topic", msg.Properties.ResponseTopic, "error", err)
	}
}
