package studychat

import (
	"errors"
	"testing"
)

type outboxHarness struct {
	conn   *fakeConn
	live   bool
	sent   []string
	failed []string
}

func (h *outboxHarness) current() BrokerConn {
	if !h.live {
		return nil
	}
	return h.conn
}

func newOutboxHarness(budget int) (*Outbox, *outboxHarness) {
	h := &outboxHarness{conn: &fakeConn{subs: map[string]func([]byte){}, done: make(chan struct{})}}
	o := newOutbox(h.current, budget, quietLogger)
	o.onSent = func(e OutboxEntry) { h.sent = append(h.sent, string(e.Body)) }
	o.onFailed = func(e OutboxEntry) { h.failed = append(h.failed, string(e.Body)) }
	return o, h
}

func bodies(ps []published) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p.Body)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOutbox(t *testing.T) {
	t.Run("queues while disconnected and drains in order", func(t *testing.T) {
		o, h := newOutboxHarness(3)
		for _, b := range []string{"1", "2", "3"} {
			o.EnqueueOrSend("/app/x", []byte(b), "g", "")
		}
		if o.Len() != 3 || len(h.conn.sent()) != 0 {
			t.Fatal("expected everything queued")
		}

		h.live = true
		o.Drain(h.conn)
		if got := bodies(h.conn.sent()); !equalStrings(got, []string{"1", "2", "3"}) {
			t.Fatalf("expected FIFO replay, got %v", got)
		}
		if o.Len() != 0 || !equalStrings(h.sent, []string{"1", "2", "3"}) {
			t.Fatalf("expected each entry acknowledged once, got %v", h.sent)
		}

		o.Drain(h.conn)
		if len(h.conn.sent()) != 3 {
			t.Fatal("a second drain must not republish")
		}
	})

	t.Run("direct publish when connected and idle", func(t *testing.T) {
		o, h := newOutboxHarness(3)
		h.live = true
		o.EnqueueOrSend("/app/x", []byte("now"), "g", "c1")
		if o.Len() != 0 || len(h.conn.sent()) != 1 {
			t.Fatal("expected an immediate publish")
		}
	})

	t.Run("failed head blocks later entries", func(t *testing.T) {
		o, h := newOutboxHarness(3)
		h.live = true
		h.conn.setFailPublish(true)
		o.EnqueueOrSend("/app/x", []byte("a"), "g", "")
		o.EnqueueOrSend("/app/x", []byte("b"), "g", "")

		pending := o.Pending()
		if len(pending) != 2 || string(pending[0].Body) != "a" || pending[0].Attempts != 2 || pending[1].Attempts != 0 {
			t.Fatalf("unexpected queue %+v", pending)
		}
		if pending[0].LastError == "" {
			t.Fatal("expected the last error recorded")
		}

		h.conn.setFailPublish(false)
		o.Drain(h.conn)
		if got := bodies(h.conn.sent()); !equalStrings(got, []string{"a", "b"}) {
			t.Fatalf("expected [a b], got %v", got)
		}
	})

	t.Run("budget exhausted reports failure", func(t *testing.T) {
		o, h := newOutboxHarness(2)
		h.live = true
		h.conn.setFailPublish(true)
		o.EnqueueOrSend("/app/x", []byte("a"), "g", "c1")
		o.Drain(h.conn)

		if o.Len() != 0 {
			t.Fatalf("expected the entry dropped, %d left", o.Len())
		}
		if !equalStrings(h.failed, []string{"a"}) || len(h.sent) != 0 {
			t.Fatalf("expected one failure notice, got failed=%v sent=%v", h.failed, h.sent)
		}
	})

	t.Run("ephemeral publishes are never queued", func(t *testing.T) {
		o, h := newOutboxHarness(3)
		if err := o.PublishEphemeral("/app/t", []byte("typing")); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
		if o.Len() != 0 {
			t.Fatal("ephemeral publish must not queue")
		}
		h.live = true
		if err := o.PublishEphemeral("/app/t", []byte("typing")); err != nil {
			t.Fatalf("PublishEphemeral: %v", err)
		}
	})

	t.Run("clear", func(t *testing.T) {
		o, _ := newOutboxHarness(3)
		o.EnqueueOrSend("/app/x", []byte("a"), "g", "")
		o.Clear()
		if o.Len() != 0 {
			t.Fatal("expected empty queue")
		}
	})
}
