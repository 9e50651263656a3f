// Package notify broadcasts "tasks available" hints between engine and
// workers so an idle worker polls immediately instead of waiting out its
// tick. Delivery is best effort: the system stays correct on fixed-interval
// polling alone.
package notify

import "context"

// Notifier publishes and subscribes to task-availability hints.
type Notifier interface {
	// TasksAvailable publishes a wakeup hint. Failures are log-worthy, never
	// fatal.
	TasksAvailable(ctx context.Context) error

	// Subscribe registers fn to run on every hint and returns the
	// unsubscribe function.
	Subscribe(fn func()) (func(), error)

	// Close releases the underlying transport.
	Close() error
}

type noop struct{}

// Noop returns a notifier that drops everything. Used when no broker is
// configured.
func Noop() Notifier {
	return noop{}
}

func (noop) TasksAvailable(context.Context) error { return nil }

func (noop) Subscribe(func()) (func(), error) { return func() {}, nil }

func (noop) Close() error { return nil }
