package protocol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultCommandTimeout is used by Invoke when the caller does not supply one
// (spec.md §4.7).
const DefaultCommandTimeout = 10 * time.Second

// CommandResponse is the decoded result of a successful Invoke call.
type CommandResponse[Res any] struct {
	Payload    Res
	Metadata   map[string]string
	CloudEvent CloudEvent
}

// CommandInvokerOption configures NewCommandInvoker.
type CommandInvokerOption func(*commandInvokerOptions)

type commandInvokerOptions struct {
	responseTopicPattern string
	baseTokens           TokenMap
	qos                  int
}

// WithInvokerResponseTopicPattern overrides the default response topic
// pattern ("clients/{invokerClientId}/" + requestTopicPattern).
func WithInvokerResponseTopicPattern(pattern string) CommandInvokerOption {
	return func(o *commandInvokerOptions) { o.responseTopicPattern = pattern }
}

// WithInvokerTokens sets the token overlay used for both request and
// response topic resolution.
func WithInvokerTokens(tokens TokenMap) CommandInvokerOption {
	return func(o *commandInvokerOptions) { o.baseTokens = tokens }
}

// WithInvokerQoS sets the QoS used for outgoing requests (default 1).
func WithInvokerQoS(qos int) CommandInvokerOption {
	return func(o *commandInvokerOptions) { o.qos = qos }
}

// InvokeOption overrides CommandInvoker defaults for a single Invoke call.
type InvokeOption func(*invokeOptions)

type invokeOptions struct {
	timeout     time.Duration
	extraTokens TokenMap
	metadata    map[string]string
}

// WithInvokeTimeout overrides the command's message-expiry / wait timeout.
func WithInvokeTimeout(d time.Duration) InvokeOption {
	return func(o *invokeOptions) { o.timeout = d }
}

// WithInvokeTokens overrides topic tokens for a single Invoke call.
func WithInvokeTokens(tokens TokenMap) InvokeOption {
	return func(o *invokeOptions) { o.extraTokens = tokens }
}

// WithInvokeMetadata attaches application-defined user properties to the
// request.
func WithInvokeMetadata(md map[string]string) InvokeOption {
	return func(o *invokeOptions) { o.metadata = md }
}

type pendingInvocation[Res any] struct {
	ret  chan commandReturn[Res]
	done chan struct{}
}

type commandReturn[Res any] struct {
	res *CommandResponse[Res]
	err error
}

// CommandInvoker issues typed RPC requests and correlates responses by
// correlation id (C7). Grounded on the reference invoker's pending-map /
// correlation-channel pattern, generalized to this runtime's Session and
// Codec abstractions.
type CommandInvoker[Req, Res any] struct {
	session         *Session
	reqCodec        Codec[Req]
	resCodec        Codec[Res]
	requestPattern  string
	responsePattern string
	responseFilter  string
	appCtx          *AppContext
	opts            commandInvokerOptions

	mu      sync.Mutex
	pending map[string]pendingInvocation[Res]

	started       bool
	lateResponses atomic.Uint64
}

// InvokerStats holds observability counters for a CommandInvoker.
type InvokerStats struct {
	// LateResponses counts responses whose correlation id no longer matched
	// a pending invocation: the invoker's own wait already gave up (timeout
	// or cancellation) before the executor's response arrived. These are
	// silently dropped rather than surfaced as an error, per DESIGN.md.
	LateResponses uint64
}

// Stats returns a snapshot of this invoker's observability counters.
func (ci *CommandInvoker[Req, Res]) Stats() InvokerStats {
	return InvokerStats{LateResponses: ci.lateResponses.Load()}
}

// NewCommandInvoker constructs an invoker bound to requestTopicPattern. Call
// Start before the first Invoke.
func NewCommandInvoker[Req, Res any](session *Session, reqCodec Codec[Req], resCodec Codec[Res], requestTopicPattern string, appCtx *AppContext, opts ...CommandInvokerOption) (*CommandInvoker[Req, Res], error) {
	if session == nil || reqCodec == nil || resCodec == nil || appCtx == nil {
		return nil, ShallowError(KindInvalidConfiguration, "command invoker requires a session, codecs and app context")
	}
	o := commandInvokerOptions{qos: 1}
	for _, opt := range opts {
		opt(&o)
	}

	responsePattern := o.responseTopicPattern
	if responsePattern == "" {
		// A well-known prefix distinct from the request topic, so invoker and
		// executor never share a topic and auth rules can tell them apart
		// (spec.md §4.7).
		responsePattern = fmt.Sprintf("clients/{%s}/%s", TokenInvokerClientID, requestTopicPattern)
	}

	return &CommandInvoker[Req, Res]{
		session:         session,
		reqCodec:        reqCodec,
		resCodec:        resCodec,
		requestPattern:  requestTopicPattern,
		responsePattern: responsePattern,
		responseFilter:  SubscriptionFilter(responsePattern),
		appCtx:          appCtx,
		opts:            o,
		pending:         make(map[string]pendingInvocation[Res]),
	}, nil
}

// Start subscribes to the invoker's response topic. Must be called once
// before Invoke.
func (ci *CommandInvoker[Req, Res]) Start(ctx context.Context) error {
	ci.mu.Lock()
	if ci.started {
		ci.mu.Unlock()
		return nil
	}
	ci.started = true
	ci.mu.Unlock()
	return ci.session.Subscribe(ctx, ci.responseFilter, ci.opts.qos, ci.onResponse)
}

// Close unsubscribes the response topic and fails every still-pending
// invocation with KindCancelled.
func (ci *CommandInvoker[Req, Res]) Close(ctx context.Context) error {
	ci.mu.Lock()
	pending := ci.pending
	ci.pending = make(map[string]pendingInvocation[Res])
	ci.mu.Unlock()
	for _, p := range pending {
		select {
		case p.ret <- commandReturn[Res]{err: ShallowError(KindCancelled, "command invoker closed")}:
		case <-p.done:
		}
	}
	return ci.session.Unsubscribe(ctx, ci.responseFilter)
}

// Invoke sends req and blocks until a response arrives, ctx is cancelled, or
// the request's timeout elapses.
func (ci *CommandInvoker[Req, Res]) Invoke(ctx context.Context, req Req, opts ...InvokeOption) (*CommandResponse[Res], error) {
	io := invokeOptions{timeout: DefaultCommandTimeout}
	for _, opt := range opts {
		opt(&io)
	}

	clientID := ci.session.ClientID()
	tokens := mergeTokens(ci.opts.baseTokens, io.extraTokens)
	tokens = mergeTokens(tokens, TokenMap{TokenInvokerClientID: clientID})

	reqTopic, err := Resolve(ci.requestPattern, tokens)
	if err != nil {
		return nil, err
	}
	resTopic, err := Resolve(ci.responsePattern, tokens)
	if err != nil {
		return nil, err
	}

	payload, contentType, format, err := ci.reqCodec.Encode(req)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.New()
	correlation := string(correlationID[:])

	stamp, err := ci.appCtx.HLC.Update()
	if err != nil {
		return nil, err
	}

	userProps := make(map[string]string, len(io.metadata)+3)
	for k, v := range io.metadata {
		userProps[k] = v
	}
	userProps[HeaderProtocolVersion] = ci.appCtx.ProtocolVersion
	userProps[HeaderSourceID] = clientID
	userProps[HeaderTimestamp] = stamp.String()

	format8 := uint8(format)
	expirySecs := uint32(io.timeout / time.Second)
	if expirySecs == 0 {
		expirySecs = 1
	}
	props := RawProperties{
		ContentType:     contentType,
		ResponseTopic:   resTopic,
		CorrelationData: []byte(correlation),
		MessageExpiry:   &expirySecs,
		PayloadFormat:   &format8,
		UserProperties:  userProps,
	}

	ret := make(chan commandReturn[Res], 1)
	done := make(chan struct{})
	ci.mu.Lock()
	ci.pending[correlation] = pendingInvocation[Res]{ret: ret, done: done}
	ci.mu.Unlock()
	defer func() {
		ci.mu.Lock()
		delete(ci.pending, correlation)
		ci.mu.Unlock()
		close(done)
	}()

	if err := ci.session.Publish(ctx, reqTopic, payload, ci.opts.qos, props, io.timeout); err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, io.timeout)
	defer cancel()

	select {
	case cr := <-ret:
		return cr.res, cr.err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, LocalError(KindCancelled, "invoke cancelled", ctx.Err())
		}
		return nil, LocalError(KindTimeout, "no response within "+io.timeout.String(), nil)
	}
}

// onResponse is the Session dispatch handler for the response subscription.
func (ci *CommandInvoker[Req, Res]) onResponse(msg RawMessage) {
	defer func() { _ = ci.session.Ack(msg) }()

	correlation := string(msg.Properties.CorrelationData)
	ci.mu.Lock()
	pending, ok := ci.pending[correlation]
	ci.mu.Unlock()
	if !ok {
		ci.lateResponses.Add(1)
		ci.appCtx.Logger.Debug("response received for unknown or expired correlation id", "correlation", correlation)
		return
	}

	res, err := ci.decodeResponse(msg)
	select {
	case pending.ret <- commandReturn[Res]{res: res, err: err}:
	case <-pending.done:
	}
}

func (ci *CommandInvoker[Req, Res]) decodeResponse(msg RawMessage) (*CommandResponse[Res], error) {
	if protoVer, ok := msg.Properties.UserProperties[HeaderProtocolVersion]; ok && protoVer != "" && protoVer != ci.appCtx.ProtocolVersion {
		return nil, RemoteError(KindUnsupportedVersion, "executor responded with unsupported protocol version "+protoVer)
	}

	if statusStr, ok := msg.Properties.UserProperties[HeaderStatus]; ok {
		status := parseStatus(statusStr)
		if status != StatusOK && status != StatusNoContent {
			return nil, remoteErrorFromHeaders(status, msg.Properties.UserProperties)
		}
	}

	var format PayloadFormat
	if msg.Properties.PayloadFormat != nil {
		format = PayloadFormat(*msg.Properties.PayloadFormat)
	}
	value, err := ci.resCodec.Decode(msg.Payload, msg.Properties.ContentType, format)
	if err != nil {
		return nil, err
	}

	if ts, ok := msg.Properties.UserProperties[HeaderTimestamp]; ok {
		if parsed, err := ParseTimestamp(ts); err == nil {
			if _, err := ci.appCtx.HLC.UpdateWith(parsed); err != nil {
				ci.appCtx.Logger.Warn("hlc merge failed for command response", "error", err)
			}
		}
	}

	ce, hasCE := parseCloudEvent(msg.Properties.UserProperties)
	resp := &CommandResponse[Res]{Payload: value, Metadata: msg.Properties.UserProperties}
	if hasCE {
		resp.CloudEvent = ce
	}
	return resp, nil
}
