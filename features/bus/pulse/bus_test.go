package pulse

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"github.com/mugoori/triflow/runtime/event"
	"github.com/mugoori/triflow/runtime/telemetry"
)

type fakeSink struct {
	ch chan *streaming.Event

	mu     sync.Mutex
	acked  []string
	closed bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan *streaming.Event, 8)}
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.ch }

func (f *fakeSink) Ack(_ context.Context, ev *streaming.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ev.ID)
	return nil
}

func (f *fakeSink) Close(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) snapshot() ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...), f.closed
}

func newTestBus() *Bus {
	return &Bus{buffer: 8, logger: telemetry.NewNoopLogger()}
}

func newTestSubscription(b *Bus, cancel context.CancelFunc) *subscription {
	return &subscription{
		events: make(chan event.Event, b.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func TestConsumeForwardsDecodedEventsAndAcks(t *testing.T) {
	t.Parallel()
	b := newTestBus()
	sk := newFakeSink()
	ctx, cancel := context.WithCancel(context.Background())
	sub := newTestSubscription(b, cancel)
	go b.consume(ctx, sk, sub)

	payload, err := json.Marshal(event.Event{
		Type:       event.TypeNodeCompleted,
		InstanceID: "inst-1",
		NodeID:     "judge",
	})
	require.NoError(t, err)
	sk.ch <- &streaming.Event{ID: "1-0", Payload: payload}

	ev := <-sub.Events()
	assert.Equal(t, event.TypeNodeCompleted, ev.Type)
	assert.Equal(t, "inst-1", ev.InstanceID)
	assert.Equal(t, "judge", ev.NodeID)

	close(sk.ch)
	sub.Close()
	acked, closed := sk.snapshot()
	assert.Equal(t, []string{"1-0"}, acked)
	assert.True(t, closed)
}

func TestConsumeAcksUndecodablePayloadsWithoutForwarding(t *testing.T) {
	t.Parallel()
	b := newTestBus()
	sk := newFakeSink()
	ctx, cancel := context.WithCancel(context.Background())
	sub := newTestSubscription(b, cancel)
	go b.consume(ctx, sk, sub)

	sk.ch <- &streaming.Event{ID: "1-0", Payload: []byte("not json")}
	good, err := json.Marshal(event.Event{Type: event.TypeNodeStarted, InstanceID: "inst-1"})
	require.NoError(t, err)
	sk.ch <- &streaming.Event{ID: "2-0", Payload: good}

	ev := <-sub.Events()
	assert.Equal(t, event.TypeNodeStarted, ev.Type, "poison entry is skipped, not fatal")

	close(sk.ch)
	sub.Close()
	acked, _ := sk.snapshot()
	assert.Equal(t, []string{"1-0", "2-0"}, acked, "poison entries are acked so they never redeliver")
}

func TestSubscriptionCloseIsIdempotentAndReleasesSink(t *testing.T) {
	t.Parallel()
	b := newTestBus()
	sk := newFakeSink()
	ctx, cancel := context.WithCancel(context.Background())
	sub := newTestSubscription(b, cancel)
	go b.consume(ctx, sk, sub)

	sub.Close()
	sub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok, "event channel closes with the subscription")
	_, closed := sk.snapshot()
	assert.True(t, closed)
}
