package protocol

import (
	"context"
	"sync"
)

// fakeRawClient is an in-memory RawClient used by every protocol-level test
// in this package: no real broker is ever dialed.
type fakeRawClient struct {
	mu          sync.Mutex
	clientID    string
	sessionOK   bool
	done        chan struct{}
	subscribers map[string]RawPublishHandler
	published   []RawMessage
	nextPacket  uint16
	failPublish error
	failConnect error
	broker      *fakeBroker
}

// fakeBroker wires together every fakeRawClient it creates so a Publish on
// one is delivered to every other client's matching subscription, letting
// command_test.go exercise a real invoker/executor round trip without a
// network broker.
type fakeBroker struct {
	mu      sync.Mutex
	clients []*fakeRawClient
}

func newFakeBroker() *fakeBroker { return &fakeBroker{} }

func (b *fakeBroker) newClient(id string) *fakeRawClient {
	c := newFakeRawClient(id)
	c.broker = b
	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c
}

func (b *fakeBroker) route(topic string, msg RawMessage) {
	b.mu.Lock()
	clients := make([]*fakeRawClient, len(b.clients))
	copy(clients, b.clients)
	b.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		var matched []RawPublishHandler
		for filter, h := range c.subscribers {
			if _, ok := Match(filter, topic); ok {
				matched = append(matched, h)
			}
		}
		if msg.QoS >= 1 && msg.PacketID == 0 && len(matched) > 0 {
			c.nextPacket++
			msg.PacketID = c.nextPacket
		}
		c.mu.Unlock()
		for _, h := range matched {
			h(msg)
		}
	}
}

func newFakeRawClient(clientID string) *fakeRawClient {
	return &fakeRawClient{
		clientID:    clientID,
		sessionOK:   true,
		done:        make(chan struct{}),
		subscribers: make(map[string]RawPublishHandler),
	}
}

func (f *fakeRawClient) ClientID() string    { return f.clientID }
func (f *fakeRawClient) SessionPresent() bool { return f.sessionOK }

func (f *fakeRawClient) Connect(ctx context.Context) error { return f.failConnect }

func (f *fakeRawClient) Disconnect(ctx context.Context) error {
	f.closeDone()
	return nil
}

func (f *fakeRawClient) closeDone() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func (f *fakeRawClient) Done() <-chan struct{} { return f.done }

func (f *fakeRawClient) Publish(ctx context.Context, topic string, payload []byte, qos int, props RawProperties) error {
	if f.failPublish != nil {
		return f.failPublish
	}
	msg := RawMessage{Topic: topic, Payload: payload, QoS: qos, Properties: props}
	f.mu.Lock()
	f.published = append(f.published, msg)
	broker := f.broker
	f.mu.Unlock()
	if broker != nil {
		broker.route(topic, msg)
	}
	return nil
}

func (f *fakeRawClient) Subscribe(ctx context.Context, filter string, qos int, handler RawPublishHandler) error {
	f.mu.Lock()
	f.subscribers[filter] = handler
	f.mu.Unlock()
	return nil
}

func (f *fakeRawClient) Unsubscribe(ctx context.Context, filter string) error {
	f.mu.Lock()
	delete(f.subscribers, filter)
	f.mu.Unlock()
	return nil
}

func (f *fakeRawClient) Ack(packetID uint16) error { return nil }

// deliver synthesizes an inbound PUBLISH on filter, assigning the next
// packet id to QoS>=1 messages that do not already carry one.
func (f *fakeRawClient) deliver(filter string, msg RawMessage) {
	f.mu.Lock()
	handler := f.subscribers[filter]
	if msg.QoS >= 1 && msg.PacketID == 0 {
		f.nextPacket++
		msg.PacketID = f.nextPacket
	}
	f.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

func (f *fakeRawClient) publishedMessages() []RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RawMessage, len(f.published))
	copy(out, f.published)
	return out
}

// fakeFactory builds a RawClientFactory that returns client on every call;
// tests that need failing or delayed connection attempts construct their own
// factory.
func fakeFactory(client *fakeRawClient) RawClientFactory {
	used := false
	var mu sync.Mutex
	return func(ctx context.Context) (RawClient, error) {
		mu.Lock()
		defer mu.Unlock()
		if !used {
			used = true
			return client, nil
		}
		return client, nil
	}
}
