// Package pulse provides a Pulse-backed event bus. Each workflow instance
// maps to one Pulse stream keyed by event.ChannelKey, events travel as JSON
// payloads, and every subscription opens its own sink (consumer group) so all
// subscribers see the full event feed.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/event"
	"github.com/mugoori/triflow/runtime/telemetry"
)

type (
	// Options configures the Pulse bus.
	Options struct {
		// Redis is the Redis connection backing Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per instance stream.
		// Zero uses Pulse defaults.
		StreamMaxLen int
		// SinkPrefix names the consumer groups created by Subscribe. Each
		// subscription appends a unique suffix. Defaults to "triflow".
		SinkPrefix string
		// Buffer is the per-subscription event channel capacity. Defaults to 64.
		Buffer int
		// OperationTimeout bounds individual Publish operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Bus implements event.Bus over Pulse streams.
	Bus struct {
		rdb        *redis.Client
		maxLen     int
		sinkPrefix string
		buffer     int
		timeout    time.Duration
		logger     telemetry.Logger
	}

	subscription struct {
		events chan event.Event
		cancel context.CancelFunc
		once   sync.Once
		done   chan struct{}
	}

	// sink is the subset of Pulse sinks the consumer relies on.
	sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	// sinkAdapter narrows *streaming.Sink to the sink interface, discarding
	// the Close error.
	sinkAdapter struct {
		*streaming.Sink
	}
)

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}

// New validates opts and constructs a Bus.
func New(opts Options) (*Bus, error) {
	if opts.Redis == nil {
		return nil, errs.New(errs.KindInvalidInput, "redis client is required")
	}
	b := &Bus{
		rdb:        opts.Redis,
		maxLen:     opts.StreamMaxLen,
		sinkPrefix: opts.SinkPrefix,
		buffer:     opts.Buffer,
		timeout:    opts.OperationTimeout,
		logger:     opts.Logger,
	}
	if b.sinkPrefix == "" {
		b.sinkPrefix = "triflow"
	}
	if b.buffer <= 0 {
		b.buffer = 64
	}
	if b.logger == nil {
		b.logger = telemetry.NewNoopLogger()
	}
	return b, nil
}

// Publish appends the event to its instance stream.
func (b *Bus) Publish(ctx context.Context, ev event.Event) error {
	str, err := b.stream(ev.InstanceID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshal event", err)
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	if _, err := str.Add(ctx, string(ev.Type), payload); err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("publish %s to %s", ev.Type, event.ChannelKey(ev.InstanceID)), err)
	}
	return nil
}

// Subscribe opens a dedicated sink on the instance stream and returns a live
// feed. The sink name is unique per subscription, so concurrent subscribers
// each receive every event rather than splitting the stream.
func (b *Bus) Subscribe(ctx context.Context, instanceID string) (event.Subscription, error) {
	str, err := b.stream(instanceID)
	if err != nil {
		return nil, err
	}
	sinkName := fmt.Sprintf("%s-%s", b.sinkPrefix, uuid.NewString())
	sk, err := str.NewSink(ctx, sinkName)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Sprintf("open sink on %s", event.ChannelKey(instanceID)), err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		events: make(chan event.Event, b.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.consume(runCtx, sinkAdapter{Sink: sk}, sub)
	return sub, nil
}

func (b *Bus) stream(instanceID string) (*streaming.Stream, error) {
	name := event.ChannelKey(instanceID)
	var opts []streamopts.Stream
	if b.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(b.maxLen))
	}
	str, err := streaming.NewStream(name, b.rdb, opts...)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Sprintf("open stream %s", name), err)
	}
	return str, nil
}

// consume reads from the sink channel, decodes payloads, forwards them on the
// subscription channel and acks each delivered event. Decode failures are
// logged and the entry is acked anyway so a poison payload cannot wedge the
// consumer group.
func (b *Bus) consume(ctx context.Context, sk sink, sub *subscription) {
	defer close(sub.events)
	defer close(sub.done)
	defer sk.Close(context.Background())
	ch := sk.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var ev event.Event
			if err := json.Unmarshal(raw.Payload, &ev); err != nil {
				b.logger.Warn(ctx, "drop undecodable event", "event_id", raw.ID, "error", err)
				if ackErr := sk.Ack(ctx, raw); ackErr != nil {
					b.logger.Warn(ctx, "ack failed", "event_id", raw.ID, "error", ackErr)
				}
				continue
			}
			select {
			case sub.events <- ev:
			case <-ctx.Done():
				return
			}
			if err := sk.Ack(ctx, raw); err != nil {
				b.logger.Warn(ctx, "ack failed", "event_id", raw.ID, "error", err)
			}
		}
	}
}

// Events returns the ordered event channel.
func (s *subscription) Events() <-chan event.Event { return s.events }

// Close ends the subscription. Idempotent; blocks until the consumer
// goroutine has released its sink.
func (s *subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}
