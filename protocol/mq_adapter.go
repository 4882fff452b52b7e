package protocol

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"

	"github.com/gonzalop/mq"
)

// mqRawClient adapts a *mq.Client (github.com/gonzalop/mq, the teacher's
// wire-level MQTT5 client) to the RawClient interface. It is the default
// RawClientFactory's product; a production deployment could swap in an
// adapter backed by a different wire client without changing anything in
// Session.
//
// mq auto-acknowledges QoS 1/2 PUBLISHes itself (it sends PUBACK/PUBREC
// immediately after dispatching to subscription handlers, before the handler
// returns) and exposes no broker-assigned packet identifier on mq.Message.
// Ack is therefore a no-op here, and every RawMessage this adapter produces
// carries PacketID 0; Session's redelivery-dedup only activates for a
// RawClient that actually supplies distinct packet ids.
type mqRawClient struct {
	c    *mq.Client
	once sync.Once
	done chan struct{}
}

// NewMqttwireFactory builds a RawClientFactory that dials server using
// github.com/gonzalop/mq, with auto-reconnect disabled (Session owns
// reconnection, per spec.md §1's scope boundary and DESIGN.md's grounding on
// the Azure SessionClient architecture).
func NewMqttwireFactory(server, clientID string, logger *slog.Logger, tlsConfig *tls.Config, extra ...mq.Option) RawClientFactory {
	return func(ctx context.Context) (RawClient, error) {
		r := &mqRawClient{done: make(chan struct{})}

		opts := []mq.Option{
			mq.WithClientID(clientID),
			mq.WithCleanSession(false),
			mq.WithAutoReconnect(false),
			mq.WithLogger(logger),
			mq.WithOnConnectionLost(func(_ *mq.Client, _ error) {
				r.markDone()
			}),
		}
		if tlsConfig != nil {
			opts = append(opts, mq.WithTLS(tlsConfig))
		}
		opts = append(opts, extra...)

		c, err := mq.DialContext(ctx, server, opts...)
		if err != nil {
			return nil, err
		}
		r.c = c
		return r, nil
	}
}

func (r *mqRawClient) markDone() {
	r.once.Do(func() { close(r.done) })
}

func (r *mqRawClient) ClientID() string { return r.c.AssignedClientID() }

func (r *mqRawClient) SessionPresent() bool {
	// mq folds "session present" into whether the broker honored
	// CleanSession=false; exposed indirectly via session expiry interval
	// being non-zero after a successful reconnect with an existing session.
	return r.c.SessionExpiryInterval() > 0
}

func (r *mqRawClient) Connect(ctx context.Context) error {
	// DialContext already performed the handshake; nothing further to do.
	return nil
}

func (r *mqRawClient) Disconnect(ctx context.Context) error {
	defer r.markDone()
	return r.c.Disconnect(ctx)
}

func (r *mqRawClient) Done() <-chan struct{} { return r.done }

func (r *mqRawClient) Publish(ctx context.Context, topic string, payload []byte, qos int, props RawProperties) error {
	opts := toPublishOptions(props)
	opts = append(opts, mq.WithQoS(mq.QoS(qos)))
	token := r.c.Publish(topic, payload, opts...)
	return token.Wait(ctx)
}

func (r *mqRawClient) Subscribe(ctx context.Context, filter string, qos int, handler RawPublishHandler) error {
	token := r.c.Subscribe(filter, mq.QoS(qos), func(_ *mq.Client, msg mq.Message) {
		handler(fromMessage(msg))
	})
	return token.Wait(ctx)
}

func (r *mqRawClient) Unsubscribe(ctx context.Context, filter string) error {
	return r.c.Unsubscribe(filter).Wait(ctx)
}

// Ack is a no-op: mq sends the PUBACK/PUBREC before the handler that would
// call this is even invoked, so there is nothing left to acknowledge.
func (r *mqRawClient) Ack(packetID uint16) error {
	return nil
}

func toPublishOptions(props RawProperties) []mq.PublishOption {
	var opts []mq.PublishOption
	if props.ContentType != "" {
		opts = append(opts, mq.WithContentType(props.ContentType))
	}
	if props.ResponseTopic != "" {
		opts = append(opts, mq.WithResponseTopic(props.ResponseTopic))
	}
	if len(props.CorrelationData) > 0 {
		opts = append(opts, mq.WithCorrelationData(props.CorrelationData))
	}
	if props.MessageExpiry != nil {
		opts = append(opts, mq.WithMessageExpiry(*props.MessageExpiry))
	}
	if props.PayloadFormat != nil {
		opts = append(opts, mq.WithPayloadFormat(*props.PayloadFormat))
	}
	for k, v := range props.UserProperties {
		opts = append(opts, mq.WithUserProperty(k, v))
	}
	return opts
}

func fromMessage(msg mq.Message) RawMessage {
	out := RawMessage{
		Topic:     msg.Topic,
		Payload:   msg.Payload,
		QoS:       int(msg.QoS),
		Retained:  msg.Retained,
		Duplicate: msg.Duplicate,
	}
	if msg.Properties != nil {
		out.Properties = RawProperties{
			ContentType:     msg.Properties.ContentType,
			ResponseTopic:   msg.Properties.ResponseTopic,
			CorrelationData: msg.Properties.CorrelationData,
			MessageExpiry:   msg.Properties.MessageExpiry,
			PayloadFormat:   msg.Properties.PayloadFormat,
			UserProperties:  msg.Properties.UserProperties,
		}
	}
	return out
}
