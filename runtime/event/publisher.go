package event

import (
	"context"
	"time"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/telemetry"
)

type (
	// PublisherOptions configures the durable publisher.
	PublisherOptions struct {
		// Bus delivers events to live subscribers. Required.
		Bus Bus
		// Log receives every event before pub/sub delivery. Optional; nil
		// disables durable logging (tests only).
		Log Log
		// MaxAttempts bounds pub/sub delivery attempts per event. Defaults
		// to 3.
		MaxAttempts int
		// InitialBackoff is the delay before the first redelivery attempt.
		// Defaults to 50ms; doubles per attempt.
		InitialBackoff time.Duration
		// Logger receives delivery failure diagnostics. Defaults to noop.
		Logger telemetry.Logger
		// Metrics counts published events. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Publisher appends events to the durable log and forwards them to the
	// bus with bounded backoff. Publish is non-blocking from the engine's
	// perspective in the sense that bus failures never fail the caller's
	// state transition: they are retried, then logged and dropped.
	Publisher struct {
		bus     Bus
		log     Log
		max     int
		backoff time.Duration
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

// NewPublisher validates opts and constructs a Publisher.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Bus == nil {
		return nil, errs.New(errs.KindInvalidInput, "bus is required")
	}
	max := opts.MaxAttempts
	if max <= 0 {
		max = 3
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Publisher{
		bus:     opts.Bus,
		log:     opts.Log,
		max:     max,
		backoff: backoff,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Publish appends ev to the durable log, then delivers it to the bus with
// bounded backoff. A log append failure is returned to the caller (the log is
// the source of truth); a bus delivery failure after all attempts is logged
// and swallowed.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if p.log != nil {
		if err := p.log.Append(ctx, ev); err != nil {
			return err
		}
	}
	p.metrics.IncCounter(telemetry.MetricEventsPublished, 1, "event_type", string(ev.Type))

	delay := p.backoff
	var lastErr error
	for attempt := 1; attempt <= p.max; attempt++ {
		if lastErr = p.bus.Publish(ctx, ev); lastErr == nil {
			return nil
		}
		if attempt == p.max || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			delay *= 2
		}
	}
	p.logger.Warn(ctx, "event delivery failed",
		"event_type", string(ev.Type),
		"instance_id", ev.InstanceID,
		"attempts", p.max,
		"error", lastErr,
	)
	return nil
}
