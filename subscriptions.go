package studychat

import (
	"log"
	"sync"
)

// subscriptionRegistry holds at most one live subscription per group. Groups
// requested while disconnected wait in the pending set until the next drain.
type subscriptionRegistry struct {
	mu      sync.Mutex
	live    map[ID]Subscription
	pending map[ID]struct{}

	current func() BrokerConn
	topic   func(ID) string
	deliver func(ID, []byte)
	logger  *log.Logger
}

func newSubscriptionRegistry(current func() BrokerConn, topic func(ID) string, deliver func(ID, []byte), logger *log.Logger) *subscriptionRegistry {
	return &subscriptionRegistry{
		live:    make(map[ID]Subscription),
		pending: make(map[ID]struct{}),
		current: current,
		topic:   topic,
		deliver: deliver,
		logger:  logger,
	}
}

func (r *subscriptionRegistry) subscribe(groupID ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[groupID]; ok {
		return
	}
	conn := r.current()
	if conn == nil {
		r.pending[groupID] = struct{}{}
		return
	}
	r.subscribeLocked(conn, groupID)
}

func (r *subscriptionRegistry) subscribeLocked(conn BrokerConn, groupID ID) {
	sub, err := conn.Subscribe(r.topic(groupID), func(body []byte) {
		r.deliver(groupID, body)
	})
	if err != nil {
		r.logger.Printf("studychat: subscriptions: subscribe group %s: %v", groupID, err)
		r.pending[groupID] = struct{}{}
		return
	}
	delete(r.pending, groupID)
	r.live[groupID] = sub
}

// drain subscribes every pending group over conn.
func (r *subscriptionRegistry) drain(conn BrokerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for groupID := range r.pending {
		if _, ok := r.live[groupID]; ok {
			delete(r.pending, groupID)
			continue
		}
		r.subscribeLocked(conn, groupID)
	}
}

// suspend moves live groups back to pending after the connection dropped.
// The old handles died with the connection and are not released.
func (r *subscriptionRegistry) suspend() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for groupID := range r.live {
		r.pending[groupID] = struct{}{}
	}
	r.live = make(map[ID]Subscription)
}

// unsubscribe releases groupID's handle and forgets it. Unknown ids are a no-op.
func (r *subscriptionRegistry) unsubscribe(groupID ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.live[groupID]; ok {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Printf("studychat: subscriptions: unsubscribe group %s: %v", groupID, err)
		}
		delete(r.live, groupID)
	}
	delete(r.pending, groupID)
}

func (r *subscriptionRegistry) releaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for groupID, sub := range r.live {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Printf("studychat: subscriptions: unsubscribe group %s: %v", groupID, err)
		}
	}
	r.live = make(map[ID]Subscription)
	r.pending = make(map[ID]struct{})
}

func (r *subscriptionRegistry) subscribed(groupID ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[groupID]
	return ok
}

func (r *subscriptionRegistry) isPending(groupID ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[groupID]
	return ok
}
