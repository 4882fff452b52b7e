package protocol

import "context"

// RawProperties mirrors the subset of MQTT5 PUBLISH properties the protocol
// layer needs, independent of any concrete wire client implementation.
type RawProperties struct {
	ContentType     string
	ResponseTopic   string
	CorrelationData []byte
	MessageExpiry   *uint32
	PayloadFormat   *uint8
	UserProperties  map[string]string
}

// RawMessage is an inbound PUBLISH delivered by a RawClient.
type RawMessage struct {
	Topic      string
	Payload    []byte
	QoS        int
	Retained   bool
	Duplicate  bool
	PacketID   uint16
	Properties RawProperties
}

// RawPublishHandler receives inbound messages for a single subscription.
type RawPublishHandler func(RawMessage)

// RawClient is the external collaborator boundary spec.md §1 declares out of
// scope: "the raw MQTT5 client library (connect, subscribe, publish, ack
// callbacks)". Session (C4) is built entirely against this interface and
// never imports a concrete wire implementation directly, so that the wire
// client can be swapped (a real broker client, or a test fake) without
// touching session orchestration logic.
//
// A RawClient value represents a single connection attempt: once Done is
// closed the instance is no longer usable and Session must obtain a fresh one
// from its RawClientFactory to reconnect. This mirrors the Azure IoT
// Operations SDK's SessionClient, which constructs a new Paho client instance
// per connection attempt rather than relying on the wire client's own
// reconnect loop.
type RawClient interface {
	// ClientID returns the MQTT client identifier negotiated for this
	// connection (may be broker-assigned).
	ClientID() string
	// SessionPresent reports the CONNACK session-present flag: true if the
	// broker restored a prior session for this client id.
	SessionPresent() bool

	Connect(ctx context.Context) error
	// Disconnect performs a graceful, user-initiated disconnect. It is a
	// no-op on an already-closed client.
	Disconnect(ctx context.Context) error
	// Done is closed when this connection instance becomes unusable, whether
	// by a spontaneous disconnect or a call to Disconnect.
	Done() <-chan struct{}

	Publish(ctx context.Context, topic string, payload []byte, qos int, props RawProperties) error
	Subscribe(ctx context.Context, filter string, qos int, handler RawPublishHandler) error
	Unsubscribe(ctx context.Context, filter string) error
	// Ack completes a manually-acknowledged QoS 1 delivery.
	Ack(packetID uint16) error
}

// RawClientFactory builds a fresh RawClient for each connection attempt
// Session's reconnect loop makes.
type RawClientFactory func(ctx context.Context) (RawClient, error)
