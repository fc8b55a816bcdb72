package studychat

import "sync"

// unreadTracker counts messages that arrived for groups other than the
// focused one.
type unreadTracker struct {
	mu     sync.Mutex
	focus  ID
	counts map[ID]int
}

func newUnreadTracker() *unreadTracker {
	return &unreadTracker{counts: make(map[ID]int)}
}

// focusOn makes groupID the focused group and clears its counter. It returns
// the previously focused group.
func (u *unreadTracker) focusOn(groupID ID) ID {
	u.mu.Lock()
	defer u.mu.Unlock()
	prev := u.focus
	u.focus = groupID
	delete(u.counts, groupID)
	return prev
}

// unfocus clears the focus if it is groupID.
func (u *unreadTracker) unfocus(groupID ID) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.focus != groupID {
		return false
	}
	u.focus = ""
	return true
}

func (u *unreadTracker) focused() ID {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.focus
}

// arrived counts one message for groupID unless it is focused. It returns
// the resulting count.
func (u *unreadTracker) arrived(groupID ID) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if groupID == u.focus {
		return 0
	}
	u.counts[groupID]++
	return u.counts[groupID]
}

func (u *unreadTracker) reset(groupID ID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.counts, groupID)
}

func (u *unreadTracker) count(groupID ID) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[groupID]
}

func (u *unreadTracker) snapshot() map[ID]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[ID]int, len(u.counts))
	for k, v := range u.counts {
		out[k] = v
	}
	return out
}
