package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, ch <-chan Event[T]) Event[T] {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event[T]{}
}

func TestBrokerDeliversPerTopic(t *testing.T) {
	b := NewBroker[string](time.Minute)
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docA := b.Subscribe(ctx, "doc-a")
	docB := b.Subscribe(ctx, "doc-b")

	b.Publish("doc-a", ProgressEvent, "extracting")
	ev := receive(t, docA)
	assert.Equal(t, ProgressEvent, ev.Type)
	assert.Equal(t, "extracting", ev.Payload)

	select {
	case ev := <-docB:
		t.Fatalf("unexpected event on other topic: %v", ev)
	default:
	}
}

func TestBrokerReplaysLastEventToLateSubscriber(t *testing.T) {
	b := NewBroker[string](time.Minute)
	defer b.Shutdown()

	b.Publish("doc", ProgressEvent, "upload")
	b.Publish("doc", TerminalEvent, "ready")

	events := b.Subscribe(context.Background(), "doc")
	ev := receive(t, events)
	assert.Equal(t, TerminalEvent, ev.Type)
	assert.Equal(t, "ready", ev.Payload)
}

func TestBrokerForgetsEventsAfterGrace(t *testing.T) {
	b := NewBroker[string](time.Minute)
	defer b.Shutdown()
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Publish("doc", TerminalEvent, "ready")
	_, ok := b.Last("doc")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = b.Last("doc")
	assert.False(t, ok)

	events := b.Subscribe(context.Background(), "doc")
	select {
	case ev := <-events:
		t.Fatalf("stale event replayed: %v", ev)
	default:
	}
}

func TestBrokerAutoUnsubscribe(t *testing.T) {
	b := NewBroker[int](time.Minute)
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	events := b.Subscribe(ctx, "doc")
	assert.Equal(t, 1, b.SubscriberCount("doc"))

	cancel()
	_, ok := <-events
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return b.SubscriberCount("doc") == 0 }, time.Second, 5*time.Millisecond)
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	b := NewBroker[int](time.Minute)
	defer b.Shutdown()
	_ = b.Subscribe(context.Background(), "doc")

	done := make(chan struct{})
	go func() {
		for i := 0; i < bufferSize*3; i++ {
			b.Publish("doc", ProgressEvent, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBrokerShutdownClosesSubscriptions(t *testing.T) {
	b := NewBroker[string](time.Minute)
	events := b.Subscribe(context.Background(), "doc")
	b.Shutdown()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on shutdown")
	}
	closed := b.Subscribe(context.Background(), "doc")
	_, ok := <-closed
	assert.False(t, ok)
}
