package studychat

import (
	"slices"
	"sync"
	"time"
)

// ============================================================================
// Reconciliation Store
// ============================================================================

// InsertResult reports what Store.Insert did with a server entry.
type InsertResult int

const (
	// Appended means the entry was new.
	Appended InsertResult = iota
	// Promoted means the entry replaced a matching optimistic one.
	Promoted
	// Duplicate means the entry was already present and was discarded.
	Duplicate
)

func (r InsertResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Promoted:
		return "promoted"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Store keeps each group's messages in arrival order and reconciles
// optimistic entries with their server echoes. Reads return sorted copies.
type Store struct {
	mu        sync.RWMutex
	groups    map[ID][]Message
	tolerance time.Duration
	loc       *time.Location
}

// NewStore creates a store. tolerance bounds the timestamp distance between an
// optimistic message and its echo; loc is used for zone-less timestamps.
func NewStore(tolerance time.Duration, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{
		groups:    make(map[ID][]Message),
		tolerance: tolerance,
		loc:       loc,
	}
}

// Insert merges a server-confirmed entry into groupID's collection.
// The returned message is the stored entry (zero for duplicates).
func (s *Store) Insert(groupID ID, m Message) (InsertResult, Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(groupID, m)
}

func (s *Store) insertLocked(groupID ID, m Message) (InsertResult, Message) {
	m = m.clone()
	m.GroupID = groupID
	m.LocalOnly = false
	m.Status = StatusConfirmed

	arr := s.groups[groupID]
	if m.ID != "" && indexByID(arr, m.ID) >= 0 {
		return Duplicate, Message{}
	}

	var idx int
	if m.Type == MessagePoll && m.Poll != nil {
		if m.Poll.ID != "" && indexByPollID(arr, m.Poll.ID) >= 0 {
			return Duplicate, Message{}
		}
		idx = s.optimisticPoll(arr, m.Poll)
	} else {
		idx = s.optimisticMessage(arr, &m)
	}

	if idx >= 0 {
		m.ClientID = arr[idx].ClientID
		arr[idx] = m
		return Promoted, m.clone()
	}
	s.groups[groupID] = append(arr, m)
	return Appended, m.clone()
}

// optimisticMessage finds the oldest unconfirmed local message with the same
// content and sender whose timestamp lies within the tolerance. A missing
// timestamp on either side matches on content and sender alone.
func (s *Store) optimisticMessage(arr []Message, m *Message) int {
	mt, mok := m.Timestamp.Time(s.loc)
	for i := range arr {
		c := &arr[i]
		if !c.LocalOnly || c.Type == MessagePoll {
			continue
		}
		if c.Content != m.Content || c.SenderID != m.SenderID {
			continue
		}
		ct, cok := c.Timestamp.Time(s.loc)
		if mok && cok && absDuration(ct.Sub(mt)) >= s.tolerance {
			continue
		}
		return i
	}
	return -1
}

// optimisticPoll matches a local poll by question and, when both sides carry
// one, by creator.
func (s *Store) optimisticPoll(arr []Message, p *Poll) int {
	for i := range arr {
		c := &arr[i]
		if !c.LocalOnly || c.Type != MessagePoll || c.Poll == nil {
			continue
		}
		if c.Poll.Question != p.Question {
			continue
		}
		if c.Poll.CreatorID != "" && p.CreatorID != "" && c.Poll.CreatorID != p.CreatorID {
			continue
		}
		return i
	}
	return -1
}

// AddLocal appends an optimistic entry.
func (s *Store) AddLocal(groupID ID, m Message) Message {
	m = m.clone()
	m.GroupID = groupID
	m.LocalOnly = true
	if m.Status == "" {
		m.Status = StatusPending
	}
	s.mu.Lock()
	s.groups[groupID] = append(s.groups[groupID], m)
	s.mu.Unlock()
	return m.clone()
}

// MarkSent moves a pending optimistic entry to sent.
func (s *Store) MarkSent(groupID ID, clientID string) (Message, bool) {
	return s.setStatus(groupID, clientID, StatusSent, func(cur MessageStatus) bool {
		return cur == StatusPending
	})
}

// MarkFailed flags an unconfirmed optimistic entry as failed.
func (s *Store) MarkFailed(groupID ID, clientID string) (Message, bool) {
	return s.setStatus(groupID, clientID, StatusFailed, func(cur MessageStatus) bool {
		return cur == StatusPending || cur == StatusSent
	})
}

func (s *Store) setStatus(groupID ID, clientID string, status MessageStatus, allowed func(MessageStatus) bool) (Message, bool) {
	if clientID == "" {
		return Message{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.groups[groupID]
	for i := range arr {
		if arr[i].ClientID != clientID || !arr[i].LocalOnly {
			continue
		}
		if !allowed(arr[i].Status) {
			return Message{}, false
		}
		arr[i].Status = status
		return arr[i].clone(), true
	}
	return Message{}, false
}

// UpdatePoll overwrites the embedded poll of every message carrying p.ID.
func (s *Store) UpdatePoll(groupID ID, p Poll) bool {
	if p.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	arr := s.groups[groupID]
	for i := range arr {
		if arr[i].Poll != nil && arr[i].Poll.ID == p.ID {
			np := p.clone()
			arr[i].Poll = &np
			found = true
		}
	}
	return found
}

// AddReaction records userID under emoji on the message with messageID.
func (s *Store) AddReaction(groupID, messageID ID, emoji string, userID ID) bool {
	if messageID == "" || emoji == "" || userID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.groups[groupID]
	i := indexByID(arr, messageID)
	if i < 0 {
		return false
	}
	m := &arr[i]
	if m.Reactions == nil {
		m.Reactions = make(map[string][]ID)
	}
	if slices.Contains(m.Reactions[emoji], userID) {
		return true
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], userID)
	return true
}

// Merge inserts a batch of server entries, such as fetched history, and
// returns how many were not duplicates.
func (s *Store) Merge(groupID ID, msgs []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range msgs {
		if r, _ := s.insertLocked(groupID, m); r != Duplicate {
			n++
		}
	}
	return n
}

// Messages returns groupID's entries ordered by timestamp, ties kept in
// arrival order.
func (s *Store) Messages(groupID ID) []Message {
	s.mu.RLock()
	arr := s.groups[groupID]
	type keyed struct {
		at time.Time
		m  Message
	}
	items := make([]keyed, len(arr))
	for i := range arr {
		items[i] = keyed{at: arr[i].SortTime(s.loc), m: arr[i].clone()}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(items, func(a, b keyed) int {
		return a.at.Compare(b.at)
	})
	out := make([]Message, len(items))
	for i, it := range items {
		out[i] = it.m
	}
	return out
}

// Message returns the entry with id.
func (s *Store) Message(groupID, id ID) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.groups[groupID]
	if i := indexByID(arr, id); i >= 0 {
		return arr[i].clone(), true
	}
	return Message{}, false
}

// Len returns the number of entries held for groupID.
func (s *Store) Len(groupID ID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[groupID])
}

// Clear drops groupID's collection, or every collection when groupID is empty.
func (s *Store) Clear(groupID ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if groupID == "" {
		s.groups = make(map[ID][]Message)
		return
	}
	delete(s.groups, groupID)
}

func indexByID(arr []Message, id ID) int {
	if id == "" {
		return -1
	}
	for i := range arr {
		if arr[i].ID == id {
			return i
		}
	}
	return -1
}

func indexByPollID(arr []Message, pollID ID) int {
	for i := range arr {
		if arr[i].Poll != nil && arr[i].Poll.ID == pollID {
			return i
		}
	}
	return -1
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// pollMessage wraps a server poll in the message that carries it.
func pollMessage(groupID ID, p Poll) Message {
	p = p.clone()
	if p.GroupID == "" {
		p.GroupID = groupID
	}
	if p.TotalVotes == 0 {
		p.TotalVotes = p.VoteCount()
	}
	m := Message{
		GroupID:    groupID,
		SenderID:   p.CreatorID,
		SenderName: firstString(p.CreatorName, "Unknown"),
		Content:    p.Question,
		Timestamp:  p.CreatedAt,
		Type:       MessagePoll,
		Poll:       &p,
	}
	if p.ID != "" {
		m.ID = "poll-" + p.ID
	}
	return m
}
