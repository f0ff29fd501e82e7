package event

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "workflow:inst-1:events", ChannelKey("inst-1"))
}

func TestEnvelopeOmitsEmptyFields(t *testing.T) {
	t.Parallel()

	ev := Event{
		Type:       TypeWorkflowStateChanged,
		InstanceID: "inst-1",
		TraceID:    "trace-1",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		FromState:  "RUNNING",
		ToState:    "COMPLETED",
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "workflow_state_changed", decoded["event_type"])
	assert.Equal(t, "RUNNING", decoded["from_state"])
	assert.NotContains(t, decoded, "node_id")
	assert.NotContains(t, decoded, "error")
	assert.NotContains(t, decoded, "replay")
}

func TestMemBusFanoutPreservesOrder(t *testing.T) {
	t.Parallel()

	bus := NewMemBus()
	defer bus.Close()
	ctx := context.Background()

	sub1, err := bus.Subscribe(ctx, "inst-1")
	require.NoError(t, err)
	sub2, err := bus.Subscribe(ctx, "inst-1")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, "inst-2")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, Event{
			Type:       TypeNodeCompleted,
			InstanceID: "inst-1",
			NodeID:     nodeID(i),
		}))
	}

	for _, sub := range []Subscription{sub1, sub2} {
		for i := 0; i < 10; i++ {
			select {
			case ev := <-sub.Events():
				assert.Equal(t, nodeID(i), ev.NodeID)
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for event")
			}
		}
	}
	select {
	case ev := <-other.Events():
		t.Fatalf("unexpected cross-instance delivery: %+v", ev)
	default:
	}
}

func TestMemBusSubscriptionClose(t *testing.T) {
	t.Parallel()

	bus := NewMemBus()
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "inst-1")
	require.NoError(t, err)
	sub.Close()
	sub.Close() // idempotent

	_, open := <-sub.Events()
	assert.False(t, open)
	require.NoError(t, bus.Publish(ctx, Event{Type: TypeNodeStarted, InstanceID: "inst-1"}))
}

func TestMemBusPublishRacesSubscriptionClose(t *testing.T) {
	t.Parallel()

	bus := NewMemBus()
	defer bus.Close()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		sub, err := bus.Subscribe(ctx, "inst-1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = bus.Publish(ctx, Event{Type: TypeNodeStarted, InstanceID: "inst-1"})
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
		wg.Wait()
	}
}

func TestMemBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	bus := NewMemBus()
	defer bus.Close()
	ctx := context.Background()

	abandoned, err := bus.Subscribe(ctx, "inst-1")
	require.NoError(t, err)
	live, err := bus.Subscribe(ctx, "inst-1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			require.NoError(t, bus.Publish(ctx, Event{Type: TypeNodeStarted, InstanceID: "inst-1"}))
			// Drain the live subscriber so only the abandoned one backs up.
			<-live.Events()
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on an abandoned subscriber")
	}
	assert.Len(t, abandoned.Events(), subscriberBuffer, "overflow events are dropped, not queued")
}

func TestPublisherAppendsBeforeDelivery(t *testing.T) {
	t.Parallel()

	logStore := &recordingLog{}
	bus := NewMemBus()
	defer bus.Close()
	pub, err := NewPublisher(PublisherOptions{Bus: bus, Log: logStore})
	require.NoError(t, err)

	ev := Event{Type: TypeNodeStarted, InstanceID: "inst-1", NodeID: "n1"}
	require.NoError(t, pub.Publish(context.Background(), ev))

	require.Len(t, logStore.events, 1)
	assert.Equal(t, "n1", logStore.events[0].NodeID)
	assert.False(t, logStore.events[0].Timestamp.IsZero())
}

func TestPublisherRetriesBusFailures(t *testing.T) {
	t.Parallel()

	flaky := &flakyBus{failures: 2}
	pub, err := NewPublisher(PublisherOptions{
		Bus:            flaky,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), Event{Type: TypeNodeStarted, InstanceID: "i"}))
	assert.Equal(t, 3, flaky.calls)
}

func TestPublisherSwallowsExhaustedDelivery(t *testing.T) {
	t.Parallel()

	flaky := &flakyBus{failures: 10}
	logStore := &recordingLog{}
	pub, err := NewPublisher(PublisherOptions{
		Bus:            flaky,
		Log:            logStore,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	// Delivery fails but the durable log still has the event and the engine
	// transition is not failed.
	require.NoError(t, pub.Publish(context.Background(), Event{Type: TypeNodeFailed, InstanceID: "i"}))
	assert.Equal(t, 2, flaky.calls)
	assert.Len(t, logStore.events, 1)
}

func TestPublisherFailsOnLogError(t *testing.T) {
	t.Parallel()

	pub, err := NewPublisher(PublisherOptions{
		Bus: NewMemBus(),
		Log: &recordingLog{err: errors.New("disk full")},
	})
	require.NoError(t, err)

	err = pub.Publish(context.Background(), Event{Type: TypeNodeStarted, InstanceID: "i"})
	require.ErrorContains(t, err, "disk full")
}

func nodeID(i int) string {
	return string(rune('a' + i))
}

type recordingLog struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (l *recordingLog) Append(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.events = append(l.events, ev)
	return nil
}

type flakyBus struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (b *flakyBus) Publish(context.Context, Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failures {
		return errors.New("bus unavailable")
	}
	return nil
}

func (b *flakyBus) Subscribe(context.Context, string) (Subscription, error) {
	return nil, errors.New("not supported")
}
