package notify

import (
	"context"
	"testing"
)

func TestNoopNotifier(t *testing.T) {
	n := Noop()

	if err := n.TasksAvailable(context.Background()); err != nil {
		t.Fatalf("TasksAvailable: %v", err)
	}

	unsub, err := n.Subscribe(func() { t.Fatal("noop notifier must never deliver hints") })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsub()

	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWrapNATSDefaultsSubject(t *testing.T) {
	n := WrapNATS(nil, "")
	if n.subject != DefaultSubject {
		t.Fatalf("subject = %q, want %q", n.subject, DefaultSubject)
	}

	n = WrapNATS(nil, "custom.subject")
	if n.subject != "custom.subject" {
		t.Fatalf("subject = %q, want custom.subject", n.subject)
	}

	// A wrapped connection belongs to the caller; Close must not touch it.
	if err := n.Close(); err != nil {
		t.Fatalf("Close on wrapped conn: %v", err)
	}
}

func TestConnectNATSUnreachable(t *testing.T) {
	// Port 1 is never a NATS server; Connect fails fast without retrying.
	if _, err := ConnectNATS("nats://127.0.0.1:1", ""); err == nil {
		t.Fatal("expected connection error")
	}
}
