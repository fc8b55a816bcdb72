package studychat

import (
	"sync"
	"time"
)

// ============================================================================
// Typing (sender side)
// ============================================================================

type typingState struct {
	active bool
	timer  *time.Timer
	gen    uint64
}

// typingSender debounces local keystrokes per group into one typing event
// followed by one typing_stop.
type typingSender struct {
	mu      sync.Mutex
	idle    time.Duration
	groups  map[ID]*typingState
	publish func(groupID ID, kind string)
	// gen is shared by all groups and never reused, so a stale timer cannot
	// match a state created after cancel.
	gen uint64
}

func newTypingSender(idle time.Duration, publish func(ID, string)) *typingSender {
	return &typingSender{
		idle:    idle,
		groups:  make(map[ID]*typingState),
		publish: publish,
	}
}

// keystroke announces typing on the first keystroke and rearms the idle timer.
func (t *typingSender) keystroke(groupID ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.groups[groupID]
	if !ok {
		st = &typingState{}
		t.groups[groupID] = st
	}
	if !st.active {
		st.active = true
		t.publish(groupID, frameTyping)
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	t.gen++
	st.gen = t.gen
	gen := st.gen
	st.timer = time.AfterFunc(t.idle, func() { t.expire(groupID, gen) })
}

func (t *typingSender) expire(groupID ID, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.groups[groupID]
	if !ok || st.gen != gen || !st.active {
		return
	}
	t.stopLocked(groupID, st)
}

// stop publishes typing_stop now if the group is typing. Reports whether a
// stop was published.
func (t *typingSender) stop(groupID ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.groups[groupID]
	if !ok || !st.active {
		return false
	}
	t.stopLocked(groupID, st)
	return true
}

func (t *typingSender) stopLocked(groupID ID, st *typingState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	t.gen++
	st.gen = t.gen
	st.active = false
	t.publish(groupID, frameTypingStop)
}

// cancel forgets groupID's typing state without publishing anything.
func (t *typingSender) cancel(groupID ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.groups[groupID]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(t.groups, groupID)
	}
}

func (t *typingSender) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for groupID, st := range t.groups {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(t.groups, groupID)
	}
}

func (t *typingSender) typing(groupID ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.groups[groupID]
	return ok && st.active
}

// ============================================================================
// Typing and presence (receiver side)
// ============================================================================

type typingEntry struct {
	user TypingUser
	seen time.Time
}

// peerTracker holds who is typing and who is online, per group. Typing
// entries lapse after expiry without a fresh typing event.
type peerTracker struct {
	mu       sync.Mutex
	expiry   time.Duration
	now      func() time.Time
	typing   map[ID][]typingEntry
	presence map[ID][]OnlineUser
}

func newPeerTracker(expiry time.Duration, now func() time.Time) *peerTracker {
	return &peerTracker{
		expiry:   expiry,
		now:      now,
		typing:   make(map[ID][]typingEntry),
		presence: make(map[ID][]OnlineUser),
	}
}

// startTyping upserts u, moving it to the end of the list.
func (p *peerTracker) startTyping(groupID ID, u TypingUser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := removeTyping(p.typing[groupID], u.UserID)
	p.typing[groupID] = append(entries, typingEntry{user: u, seen: p.now()})
}

// stopTyping removes userID and reports whether it was present.
func (p *peerTracker) stopTyping(groupID, userID ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	before := len(p.typing[groupID])
	p.typing[groupID] = removeTyping(p.typing[groupID], userID)
	return len(p.typing[groupID]) != before
}

func (p *peerTracker) typingUsers(groupID ID) []TypingUser {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	live := p.typing[groupID][:0]
	for _, e := range p.typing[groupID] {
		if p.expiry > 0 && now.Sub(e.seen) >= p.expiry {
			continue
		}
		live = append(live, e)
	}
	p.typing[groupID] = live
	out := make([]TypingUser, len(live))
	for i, e := range live {
		out[i] = e.user
	}
	return out
}

func (p *peerTracker) setPresence(groupID ID, users []OnlineUser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presence[groupID] = append([]OnlineUser(nil), users...)
}

func (p *peerTracker) onlineUsers(groupID ID) []OnlineUser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OnlineUser{}, p.presence[groupID]...)
}

func (p *peerTracker) forget(groupID ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.typing, groupID)
	delete(p.presence, groupID)
}

func removeTyping(entries []typingEntry, userID ID) []typingEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.user.UserID != userID {
			out = append(out, e)
		}
	}
	return out
}
