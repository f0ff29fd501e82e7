package event

import "context"

type (
	// Bus carries events from the engine to live subscribers. Implementations
	// must preserve per-instance emission order; no cross-instance ordering is
	// implied. Delivery is at-least-once within a single subscription
	// lifetime.
	Bus interface {
		// Publish delivers the event to all current subscribers of its
		// instance channel. Publish failures must not corrupt bus state; the
		// caller decides whether to retry.
		Publish(ctx context.Context, ev Event) error

		// Subscribe opens a subscription to all subsequent events of the
		// given instance. The subscription receives events until Close is
		// called or ctx is canceled.
		Subscribe(ctx context.Context, instanceID string) (Subscription, error)
	}

	// Subscription is a live event feed for one instance channel.
	Subscription interface {
		// Events returns the ordered event channel. The channel closes when
		// the subscription ends.
		Events() <-chan Event

		// Close ends the subscription and releases resources. Idempotent.
		Close()
	}

	// Log is the durable event log seam. The publisher appends every event
	// before attempting pub/sub delivery so the log remains the source of
	// truth under delivery failures.
	Log interface {
		Append(ctx context.Context, ev Event) error
	}
)
