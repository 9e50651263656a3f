package notify

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the broadcast subject for task-availability hints.
const DefaultSubject = "semflow.tasks.available"

// NATSNotifier broadcasts hints over a NATS subject. Messages carry no
// payload; the hint itself is the signal.
type NATSNotifier struct {
	conn     *nats.Conn
	subject  string
	ownsConn bool
}

// ConnectNATS dials a NATS server and returns a notifier that owns the
// connection.
func ConnectNATS(url, subject string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	n := WrapNATS(conn, subject)
	n.ownsConn = true
	return n, nil
}

// WrapNATS builds a notifier over an existing connection. Close leaves the
// connection open.
func WrapNATS(conn *nats.Conn, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{conn: conn, subject: subject}
}

// TasksAvailable publishes an empty hint message.
func (n *NATSNotifier) TasksAvailable(_ context.Context) error {
	if err := n.conn.Publish(n.subject, nil); err != nil {
		return fmt.Errorf("publish task hint: %w", err)
	}
	return nil
}

// Subscribe runs fn on every hint. fn executes on the NATS delivery
// goroutine and must not block.
func (n *NATSNotifier) Subscribe(fn func()) (func(), error) {
	sub, err := n.conn.Subscribe(n.subject, func(*nats.Msg) { fn() })
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains the connection when this notifier owns it.
func (n *NATSNotifier) Close() error {
	if !n.ownsConn {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	n.conn.Close()
	return nil
}
