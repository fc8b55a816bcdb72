package studychat

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Outbox
// ============================================================================

// OutboxEntry is one publish waiting for a live connection.
type OutboxEntry struct {
	ID          string
	Destination string
	Body        []byte
	GroupID     ID
	// ClientID links the entry to an optimistic message, if any.
	ClientID  string
	Attempts  int
	LastError string
	CreatedAt time.Time
}

type outboxNotice struct {
	entry  OutboxEntry
	failed bool
}

// Outbox buffers publishes and replays them in call order. An entry that
// fails to publish stays at the head and blocks the entries behind it until
// its attempt budget runs out.
type Outbox struct {
	mu          sync.Mutex
	entries     []*OutboxEntry
	maxAttempts int
	current     func() BrokerConn
	logger      *log.Logger

	onSent   func(OutboxEntry)
	onFailed func(OutboxEntry)
}

func newOutbox(current func() BrokerConn, maxAttempts int, logger *log.Logger) *Outbox {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Outbox{
		current:     current,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// EnqueueOrSend publishes immediately when connected and nothing is queued
// ahead; otherwise the entry is queued behind the others.
func (o *Outbox) EnqueueOrSend(destination string, body []byte, groupID ID, clientID string) {
	entry := &OutboxEntry{
		ID:          uuid.NewString(),
		Destination: destination,
		Body:        body,
		GroupID:     groupID,
		ClientID:    clientID,
		CreatedAt:   time.Now(),
	}

	o.mu.Lock()
	conn := o.current()
	var notices []outboxNotice
	switch {
	case conn == nil:
		o.entries = append(o.entries, entry)
	case len(o.entries) == 0:
		if n, ok := o.attempt(conn, entry); ok || n.failed {
			notices = append(notices, n)
		} else {
			o.entries = append(o.entries, entry)
		}
	default:
		o.entries = append(o.entries, entry)
		notices = o.drainLocked(conn)
	}
	o.mu.Unlock()

	o.notify(notices)
}

// Drain replays queued entries in FIFO order over conn.
func (o *Outbox) Drain(conn BrokerConn) {
	o.mu.Lock()
	notices := o.drainLocked(conn)
	o.mu.Unlock()
	o.notify(notices)
}

// PublishEphemeral sends body only if connected. Nothing is queued.
func (o *Outbox) PublishEphemeral(destination string, body []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	conn := o.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(destination, body)
}

// Len returns the number of queued entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Pending returns a copy of the queued entries in replay order.
func (o *Outbox) Pending() []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutboxEntry, len(o.entries))
	for i, e := range o.entries {
		out[i] = *e
	}
	return out
}

// Clear drops every queued entry without publishing it.
func (o *Outbox) Clear() {
	o.mu.Lock()
	o.entries = nil
	o.mu.Unlock()
}

func (o *Outbox) drainLocked(conn BrokerConn) []outboxNotice {
	var notices []outboxNotice
	for len(o.entries) > 0 {
		head := o.entries[0]
		n, ok := o.attempt(conn, head)
		if !ok && !n.failed {
			break
		}
		o.entries = o.entries[1:]
		notices = append(notices, n)
	}
	if len(o.entries) == 0 {
		o.entries = nil
	}
	return notices
}

// attempt publishes e once. ok reports success; a failure that exhausts the
// budget comes back as a failed notice.
func (o *Outbox) attempt(conn BrokerConn, e *OutboxEntry) (outboxNotice, bool) {
	err := conn.Publish(e.Destination, e.Body)
	if err == nil {
		e.LastError = ""
		return outboxNotice{entry: *e}, true
	}
	e.Attempts++
	e.LastError = err.Error()
	if e.Attempts >= o.maxAttempts {
		o.logger.Printf("studychat: outbox: dropping %s after %d attempts: %v", e.Destination, e.Attempts, err)
		return outboxNotice{entry: *e, failed: true}, false
	}
	o.logger.Printf("studychat: outbox: publish to %s failed (attempt %d/%d): %v", e.Destination, e.Attempts, o.maxAttempts, err)
	return outboxNotice{entry: *e}, false
}

func (o *Outbox) notify(notices []outboxNotice) {
	for _, n := range notices {
		if n.failed {
			if o.onFailed != nil {
				o.onFailed(n.entry)
			}
			continue
		}
		if o.onSent != nil {
			o.onSent(n.entry)
		}
	}
}
