package studychat

import (
	"testing"
	"time"
)

func newTestStore() *Store {
	return NewStore(1500*time.Millisecond, time.UTC)
}

func serverMsg(id ID, sender ID, content string, ts Timestamp) Message {
	return Message{ID: id, SenderID: sender, SenderName: "Peer", Content: content, Timestamp: ts, Type: MessageText}
}

func TestStoreInsert(t *testing.T) {
	t.Run("duplicate id discarded", func(t *testing.T) {
		s := newTestStore()
		if r, _ := s.Insert("1", serverMsg("10", "9", "first", "2025-03-01T10:00:00Z")); r != Appended {
			t.Fatalf("expected appended, got %s", r)
		}
		r, _ := s.Insert("1", serverMsg("10", "9", "edited", "2025-03-01T10:00:05Z"))
		if r != Duplicate {
			t.Fatalf("expected duplicate, got %s", r)
		}
		msgs := s.Messages("1")
		if len(msgs) != 1 || msgs[0].Content != "first" {
			t.Fatalf("expected the first arrival kept unchanged, got %+v", msgs)
		}
	})

	t.Run("optimistic promotion within tolerance", func(t *testing.T) {
		s := newTestStore()
		local := s.AddLocal("1", Message{ClientID: "c1", SenderID: "7", Content: "hi", Timestamp: "2025-03-01T10:00:00.000Z"})
		if !local.LocalOnly || local.Status != StatusPending {
			t.Fatalf("unexpected local entry %+v", local)
		}
		s.Insert("1", serverMsg("", "9", "other", "2025-03-01T10:00:00.500Z"))

		r, stored := s.Insert("1", serverMsg("11", "7", "hi", "2025-03-01T10:00:01.400Z"))
		if r != Promoted {
			t.Fatalf("expected promoted, got %s", r)
		}
		if stored.ClientID != "c1" || stored.LocalOnly || stored.Status != StatusConfirmed {
			t.Fatalf("unexpected promoted entry %+v", stored)
		}
		msgs := s.Messages("1")
		if len(msgs) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(msgs))
		}
		for _, m := range msgs {
			if m.LocalOnly {
				t.Fatal("no optimistic entry should remain")
			}
		}
	})

	t.Run("outside tolerance appends", func(t *testing.T) {
		s := newTestStore()
		s.AddLocal("1", Message{ClientID: "c1", SenderID: "7", Content: "hi", Timestamp: "2025-03-01T10:00:00Z"})
		r, _ := s.Insert("1", serverMsg("11", "7", "hi", "2025-03-01T10:00:01.500Z"))
		if r != Appended {
			t.Fatalf("expected appended at exactly the tolerance, got %s", r)
		}
		if s.Len("1") != 2 {
			t.Fatalf("expected 2 entries, got %d", s.Len("1"))
		}
	})

	t.Run("different sender or content appends", func(t *testing.T) {
		s := newTestStore()
		s.AddLocal("1", Message{ClientID: "c1", SenderID: "7", Content: "hi", Timestamp: "2025-03-01T10:00:00Z"})
		s.Insert("1", serverMsg("11", "8", "hi", "2025-03-01T10:00:00Z"))
		s.Insert("1", serverMsg("12", "7", "hello", "2025-03-01T10:00:00Z"))
		if s.Len("1") != 3 {
			t.Fatalf("expected 3 entries, got %d", s.Len("1"))
		}
	})

	t.Run("zone-less echo read in server location", func(t *testing.T) {
		loc := time.FixedZone("IST", 5*3600+1800)
		s := NewStore(1500*time.Millisecond, loc)
		s.AddLocal("1", Message{ClientID: "c1", SenderID: "7", Content: "hi", Timestamp: "2025-03-01T10:00:00.000Z"})
		r, _ := s.Insert("1", serverMsg("", "7", "hi", "2025-03-01T15:30:00.9"))
		if r != Promoted {
			t.Fatalf("expected promoted, got %s", r)
		}
	})

	t.Run("missing echo timestamp matches on content and sender", func(t *testing.T) {
		s := newTestStore()
		s.AddLocal("1", Message{ClientID: "c1", SenderID: "7", Content: "hi", Timestamp: "2025-03-01T10:00:00Z"})
		if r, _ := s.Insert("1", serverMsg("11", "7", "hi", "")); r != Promoted {
			t.Fatalf("expected promoted, got %s", r)
		}
	})
}

func TestStoreNoDuplicateIDs(t *testing.T) {
	s := newTestStore()
	batch := []Message{
		serverMsg("1", "9", "a", "2025-03-01T10:00:00Z"),
		serverMsg("2", "9", "b", "2025-03-01T10:00:01Z"),
		serverMsg("1", "9", "a", "2025-03-01T10:00:00Z"),
		serverMsg("3", "9", "c", "2025-03-01T10:00:02Z"),
		serverMsg("2", "9", "b again", "2025-03-01T10:00:03Z"),
	}
	if n := s.Merge("1", batch); n != 3 {
		t.Fatalf("expected 3 merged, got %d", n)
	}
	seen := make(map[ID]bool)
	for _, m := range s.Messages("1") {
		if seen[m.ID] {
			t.Fatalf("duplicate id %s", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestStoreOrdering(t *testing.T) {
	s := newTestStore()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	at := func(d time.Duration) Timestamp { return NewTimestamp(base.Add(d)) }

	s.Merge("1", []Message{
		serverMsg("1", "9", "T-10", at(-10*time.Second)),
		serverMsg("2", "9", "T-5", at(-5*time.Second)),
	})
	s.Insert("1", serverMsg("3", "9", "T-7", at(-7*time.Second)))

	got := contents(s.Messages("1"))
	want := []string{"T-10", "T-7", "T-5"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	t.Run("ties keep arrival order", func(t *testing.T) {
		s := newTestStore()
		for _, c := range []string{"x", "y", "z"} {
			s.Insert("1", serverMsg("", "9", c, "2025-03-01T10:00:00Z"))
		}
		if got := contents(s.Messages("1")); got[0] != "x" || got[1] != "y" || got[2] != "z" {
			t.Fatalf("expected stable order, got %v", got)
		}
	})

	t.Run("createdAt fallback", func(t *testing.T) {
		s := newTestStore()
		s.Insert("1", serverMsg("1", "9", "late", "2025-03-01T10:00:05Z"))
		early := serverMsg("2", "9", "early", "")
		early.CreatedAt = "2025-03-01T10:00:01Z"
		s.Insert("1", early)
		if got := contents(s.Messages("1")); got[0] != "early" {
			t.Fatalf("expected createdAt to order the entry, got %v", got)
		}
	})
}

func testPoll(id ID, question string, creator ID) Poll {
	return Poll{
		ID:        id,
		Question:  question,
		CreatorID: creator,
		CreatedAt: "2025-03-01T10:00:00Z",
		Options: []PollOption{
			{ID: "1", Text: "yes", Votes: []ID{}},
			{ID: "2", Text: "no", Votes: []ID{}},
		},
	}
}

func TestStorePolls(t *testing.T) {
	t.Run("optimistic poll replaced by question and creator", func(t *testing.T) {
		s := newTestStore()
		p := testPoll("", "Meet Friday?", "7")
		s.AddLocal("1", Message{ID: "temp-poll-x", ClientID: "x", SenderID: "7", Type: MessagePoll, Poll: &p, Timestamp: p.CreatedAt})

		other := testPoll("", "Meet Friday?", "8")
		s.AddLocal("1", Message{ID: "temp-poll-y", ClientID: "y", SenderID: "8", Type: MessagePoll, Poll: &other, Timestamp: other.CreatedAt})

		r, stored := s.Insert("1", pollMessage("1", testPoll("55", "Meet Friday?", "8")))
		if r != Promoted || stored.ClientID != "y" {
			t.Fatalf("expected the creator's optimistic poll replaced, got %s (%+v)", r, stored)
		}
		if stored.ID != "poll-55" || stored.Poll.ID != "55" {
			t.Fatalf("unexpected ids on promoted poll %+v", stored)
		}
		if _, ok := s.Message("1", "temp-poll-x"); !ok {
			t.Fatal("the other creator's optimistic poll must stay")
		}

		if r, _ := s.Insert("1", pollMessage("1", testPoll("55", "Meet Friday?", "8"))); r != Duplicate {
			t.Fatalf("expected duplicate on repeated poll id, got %s", r)
		}
	})

	t.Run("history row and poll list collapse by poll id", func(t *testing.T) {
		s := newTestStore()
		p := testPoll("55", "Q", "7")
		s.Insert("1", Message{ID: "900", Type: MessagePoll, Poll: &p, Timestamp: p.CreatedAt})
		if r, _ := s.Insert("1", pollMessage("1", p)); r != Duplicate {
			t.Fatalf("expected duplicate, got %s", r)
		}
	})

	t.Run("vote overwrites only the matching poll", func(t *testing.T) {
		s := newTestStore()
		s.Insert("1", pollMessage("1", testPoll("55", "A?", "7")))
		s.Insert("1", pollMessage("1", testPoll("56", "B?", "7")))
		s.Insert("1", serverMsg("3", "9", "text", "2025-03-01T10:00:00Z"))

		updated := testPoll("55", "A?", "7")
		updated.Options[1].Votes = []ID{"9"}
		updated.TotalVotes = 1
		if !s.UpdatePoll("1", updated) {
			t.Fatal("expected poll 55 to be found")
		}

		for _, m := range s.Messages("1") {
			switch {
			case m.Poll == nil:
			case m.Poll.ID == "55":
				if m.Poll.TotalVotes != 1 || len(m.Poll.Options[1].Votes) != 1 {
					t.Fatalf("expected poll 55 overwritten, got %+v", m.Poll)
				}
			case m.Poll.ID == "56":
				if m.Poll.VoteCount() != 0 {
					t.Fatal("poll 56 must be untouched")
				}
			}
		}
		if s.UpdatePoll("1", testPoll("99", "?", "7")) {
			t.Fatal("unknown poll id must not match")
		}
	})
}

func TestStoreStatus(t *testing.T) {
	s := newTestStore()
	s.AddLocal("1", Message{ClientID: "c1", SenderID: "7", Content: "a"})

	if m, ok := s.MarkSent("1", "c1"); !ok || m.Status != StatusSent {
		t.Fatalf("expected sent, got %+v", m)
	}
	if _, ok := s.MarkSent("1", "c1"); ok {
		t.Fatal("sent is not re-entered")
	}
	if m, ok := s.MarkFailed("1", "c1"); !ok || m.Status != StatusFailed {
		t.Fatalf("expected failed, got %+v", m)
	}

	s.Insert("1", serverMsg("5", "7", "a", ""))
	if _, ok := s.MarkFailed("1", "c1"); ok {
		t.Fatal("a confirmed entry cannot fail")
	}
	if _, ok := s.MarkSent("1", ""); ok {
		t.Fatal("empty client id never matches")
	}
}

func TestStoreReactions(t *testing.T) {
	s := newTestStore()
	s.Insert("1", serverMsg("5", "9", "x", "2025-03-01T10:00:00Z"))

	s.AddReaction("1", "5", "👍", "1")
	s.AddReaction("1", "5", "👍", "1")
	s.AddReaction("1", "5", "👍", "2")
	if s.AddReaction("1", "404", "👍", "1") {
		t.Fatal("unknown message must not match")
	}

	m, _ := s.Message("1", "5")
	if got := m.Reactions["👍"]; len(got) != 2 {
		t.Fatalf("expected 2 distinct users, got %v", got)
	}

	m.Reactions["👍"][0] = "mutated"
	again, _ := s.Message("1", "5")
	if again.Reactions["👍"][0] != "1" {
		t.Fatal("reads must be copies")
	}
}
