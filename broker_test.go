package studychat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type published struct {
	Destination string
	Body        []byte
}

func (p published) decode(t *testing.T) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(p.Body, &out); err != nil {
		t.Fatalf("decode published body: %v", err)
	}
	return out
}

// fakeBroker hands out fakeConns. failConnects makes the next n handshakes
// fail.
type fakeBroker struct {
	mu           sync.Mutex
	conns        []*fakeConn
	failConnects int
	tokens       []string
	failPublish  bool
}

func (b *fakeBroker) Connect(ctx context.Context, token string) (BrokerConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = append(b.tokens, token)
	if b.failConnects > 0 {
		b.failConnects--
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{
		subs:        make(map[string]func([]byte)),
		done:        make(chan struct{}),
		failPublish: b.failPublish,
	}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBroker) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBroker) last() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

type fakeConn struct {
	mu           sync.Mutex
	published    []published
	subs         map[string]func([]byte)
	unsubscribed []string
	failPublish  bool
	done         chan struct{}
	doneOnce     sync.Once
	closed       bool
}

func (c *fakeConn) Publish(destination string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPublish {
		return errors.New("write failed")
	}
	c.published = append(c.published, published{destination, append([]byte(nil), body...)})
	return nil
}

func (c *fakeConn) Subscribe(destination string, handler func([]byte)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[destination] = handler
	return &fakeSub{conn: c, dest: destination}, nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.drop()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// drop simulates the connection being lost.
func (c *fakeConn) drop() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *fakeConn) setFailPublish(v bool) {
	c.mu.Lock()
	c.failPublish = v
	c.mu.Unlock()
}

// deliver pushes a frame to the subscriber of destination, as the broker would.
func (c *fakeConn) deliver(t *testing.T, destination string, frame any) {
	t.Helper()
	var body []byte
	switch f := frame.(type) {
	case string:
		body = []byte(f)
	default:
		var err error
		if body, err = json.Marshal(f); err != nil {
			t.Fatalf("encode frame: %v", err)
		}
	}
	c.mu.Lock()
	h := c.subs[destination]
	c.mu.Unlock()
	if h == nil {
		t.Fatalf("no subscriber on %s", destination)
	}
	h(body)
}

func (c *fakeConn) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

func (c *fakeConn) sentTo(destination string) []published {
	var out []published
	for _, p := range c.sent() {
		if p.Destination == destination {
			out = append(out, p)
		}
	}
	return out
}

func (c *fakeConn) subscribedTo(destination string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[destination]
	return ok
}

type fakeSub struct {
	conn *fakeConn
	dest string
}

func (s *fakeSub) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	delete(s.conn.subs, s.dest)
	s.conn.unsubscribed = append(s.conn.unsubscribed, s.dest)
	return nil
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock { return &clock{now: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var quietLogger = log.New(io.Discard, "", 0)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventLog records session events.
type eventLog struct {
	mu     sync.Mutex
	events []string
	loads  []any
}

func (l *eventLog) handler(event string, payload any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	l.loads = append(l.loads, payload)
}

func (l *eventLog) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

func (l *eventLog) lastPayload(event string) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i] == event {
			return l.loads[i]
		}
	}
	return nil
}
