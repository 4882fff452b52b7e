package protocol

import (
	"context"
	"testing"
	"time"
)

type sample struct {
	Value int `json:"value"`
}

func TestTelemetrySendStampsHeadersAndResolvesTopic(t *testing.T) {
	fc := newFakeRawClient("sender-1")
	sess := newConnectedTestSession(t, fc)
	appCtx := NewAppContext(WithNodeID("sender-1"))

	sender, err := NewTelemetrySender[sample](sess, JSONCodec[sample]{}, "telemetry/{senderId}/state", appCtx,
		WithSenderTokens(TokenMap{TokenSenderID: "sender-1"}))
	if err != nil {
		t.Fatalf("NewTelemetrySender: %v", err)
	}

	if err := sender.Send(context.Background(), sample{Value: 42}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := fc.publishedMessages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Topic != "telemetry/sender-1/state" {
		t.Fatalf("unexpected topic %q", msg.Topic)
	}
	if msg.Properties.ContentType != "application/json" {
		t.Fatalf("unexpected content type %q", msg.Properties.ContentType)
	}
	if msg.Properties.UserProperties[HeaderProtocolVersion] != appCtx.ProtocolVersion {
		t.Fatalf("missing protocol version header: %+v", msg.Properties.UserProperties)
	}
	if _, ok := msg.Properties.UserProperties[HeaderTimestamp]; !ok {
		t.Fatalf("missing __ts header: %+v", msg.Properties.UserProperties)
	}
}

func TestTelemetrySendWithCloudEvent(t *testing.T) {
	fc := newFakeRawClient("sender-1")
	sess := newConnectedTestSession(t, fc)
	appCtx := NewAppContext(WithNodeID("sender-1"))

	sender, err := NewTelemetrySender[sample](sess, JSONCodec[sample]{}, "telemetry/state", appCtx)
	if err != nil {
		t.Fatalf("NewTelemetrySender: %v", err)
	}

	err = sender.Send(context.Background(), sample{Value: 1}, WithCloudEvent(CloudEvent{Source: "urn:device:1", Type: "com.example.state"}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	props := fc.publishedMessages()[0].Properties.UserProperties
	if props[CEHeaderSpecVersion] != CloudEventsSpecVersion {
		t.Fatalf("missing specversion: %+v", props)
	}
	if props[CEHeaderID] == "" {
		t.Fatalf("expected a defaulted CloudEvents id")
	}
	if props[CEHeaderSource] != "urn:device:1" {
		t.Fatalf("unexpected source: %+v", props)
	}
}

func TestTelemetryReceiverDecodesAndDispatches(t *testing.T) {
	fc := newFakeRawClient("receiver-1")
	sess := newConnectedTestSession(t, fc)
	appCtx := NewAppContext(WithNodeID("receiver-1"))

	received := make(chan TelemetryMessage[sample], 1)
	recv, err := NewTelemetryReceiver[sample](sess, JSONCodec[sample]{}, "telemetry/{senderId}/state", appCtx,
		func(_ context.Context, msg TelemetryMessage[sample]) { received <- msg })
	if err != nil {
		t.Fatalf("NewTelemetryReceiver: %v", err)
	}
	if err := recv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stamp := Timestamp{Wall: time.Now(), Counter: 0, NodeID: "sender-1"}
	format := uint8(PayloadFormatUTF8)
	fc.deliver("telemetry/+/state", RawMessage{
		Topic:   "telemetry/sender-1/state",
		Payload: []byte(`{"value":7}`),
		QoS:     1,
		Properties: RawProperties{
			ContentType:    "application/json",
			PayloadFormat:  &format,
			UserProperties: map[string]string{HeaderTimestamp: stamp.String()},
		},
	})

	select {
	case msg := <-received:
		if msg.Value.Value != 7 {
			t.Fatalf("unexpected decoded value: %+v", msg.Value)
		}
		if msg.Tokens[TokenSenderID] != "sender-1" {
			t.Fatalf("unexpected captured token: %+v", msg.Tokens)
		}
	default:
		t.Fatalf("expected handler to have been invoked synchronously")
	}
}

func TestTelemetryReceiverDropsUndecodablePayload(t *testing.T) {
	fc := newFakeRawClient("receiver-1")
	sess := newConnectedTestSession(t, fc)
	appCtx := NewAppContext(WithNodeID("receiver-1"))

	called := false
	recv, err := NewTelemetryReceiver[sample](sess, JSONCodec[sample]{}, "telemetry/state", appCtx,
		func(_ context.Context, msg TelemetryMessage[sample]) { called = true })
	if err != nil {
		t.Fatalf("NewTelemetryReceiver: %v", err)
	}
	if err := recv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fc.deliver("telemetry/state", RawMessage{Topic: "telemetry/state", Payload: []byte("not json"), QoS: 1})

	if called {
		t.Fatalf("handler must not be invoked for an undecodable payload")
	}
}
