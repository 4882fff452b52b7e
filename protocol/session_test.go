package protocol

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func newConnectedTestSession(t *testing.T, fc *fakeRawClient) *Session {
	t.Helper()
	sess, err := NewSession(WithRawClientFactory(fakeFactory(fc)))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return sess
}

func TestSessionPublishWhileConnected(t *testing.T) {
	fc := newFakeRawClient("c1")
	sess := newConnectedTestSession(t, fc)

	if err := sess.Publish(context.Background(), "t/1", []byte("hi"), 1, RawProperties{}, 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs := fc.publishedMessages()
	if len(msgs) != 1 || msgs[0].Topic != "t/1" || string(msgs[0].Payload) != "hi" {
		t.Fatalf("unexpected published messages: %+v", msgs)
	}
}

func TestSessionPublishAfterDisposeFails(t *testing.T) {
	fc := newFakeRawClient("c1")
	sess, err := NewSession(WithRawClientFactory(fakeFactory(fc)))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	err = sess.Publish(context.Background(), "t/1", []byte("hi"), 1, RawProperties{}, 0)
	if !IsKind(err, KindObjectDisposed) {
		t.Fatalf("expected KindObjectDisposed, got %v", err)
	}
}

func TestSessionQueuedPublishFlushesOnConnect(t *testing.T) {
	fc := newFakeRawClient("c1")
	readyToConnect := make(chan struct{})
	factory := func(ctx context.Context) (RawClient, error) {
		<-readyToConnect
		return fc, nil
	}
	sess, err := NewSession(WithRawClientFactory(factory))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	pubDone := make(chan error, 1)
	go func() {
		pubDone <- sess.Publish(context.Background(), "t/1", []byte("hi"), 1, RawProperties{}, 0)
	}()

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- sess.Connect(context.Background())
	}()

	waitForOutboxLen(t, sess, 1)
	close(readyToConnect)

	if err := <-connectDone; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := <-pubDone; err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs := fc.publishedMessages()
	if len(msgs) != 1 || msgs[0].Topic != "t/1" {
		t.Fatalf("unexpected published messages: %+v", msgs)
	}
}

func waitForOutboxLen(t *testing.T, sess *Session, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess.mu.Lock()
		l := len(sess.outbox)
		sess.mu.Unlock()
		if l >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for outbox length %d", n)
}

func TestSessionSuppressesRedeliveryUntilAck(t *testing.T) {
	fc := newFakeRawClient("c1")
	sess := newConnectedTestSession(t, fc)

	var count int32
	err := sess.Subscribe(context.Background(), "t/+", 1, func(msg RawMessage) {
		atomic.AddInt32(&count, 1)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	fc.deliver("t/+", RawMessage{Topic: "t/1", QoS: 1, PacketID: 7})
	fc.deliver("t/+", RawMessage{Topic: "t/1", QoS: 1, PacketID: 7, Duplicate: true})

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("expected handler invoked once despite redelivery, got %d", got)
	}

	if err := sess.Ack(RawMessage{QoS: 1, PacketID: 7}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	fc.deliver("t/+", RawMessage{Topic: "t/1", QoS: 1, PacketID: 7, Duplicate: true})
	if got := atomic.LoadInt32(&count); got != 2 {
		t.Fatalf("expected handler invoked again once dedup state was cleared by ack, got %d", got)
	}
}

func TestSessionSubscribeFanOutToMultipleHandlers(t *testing.T) {
	fc := newFakeRawClient("c1")
	sess := newConnectedTestSession(t, fc)

	var a, b int32
	if err := sess.Subscribe(context.Background(), "t/+", 0, func(RawMessage) { atomic.AddInt32(&a, 1) }); err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	if err := sess.Subscribe(context.Background(), "t/+", 0, func(RawMessage) { atomic.AddInt32(&b, 1) }); err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}

	fc.deliver("t/+", RawMessage{Topic: "t/1", QoS: 0})

	if atomic.LoadInt32(&a) != 1 || atomic.LoadInt32(&b) != 1 {
		t.Fatalf("expected both handlers invoked once, got a=%d b=%d", a, b)
	}
}
