package studychat

import (
	"encoding/json"
	"testing"
	"time"
)

func TestIDJSON(t *testing.T) {
	tests := []struct {
		in   string
		want ID
	}{
		{`42`, "42"},
		{`"42"`, "42"},
		{`"temp-poll-1"`, "temp-poll-1"},
		{`null`, ""},
		{`9007199254740993`, "9007199254740993"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var id ID
			if err := json.Unmarshal([]byte(tt.in), &id); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if id != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, id)
			}
		})
	}

	t.Run("numeric ids encode as numbers", func(t *testing.T) {
		out, _ := json.Marshal(struct {
			A ID `json:"a"`
			B ID `json:"b"`
			C ID `json:"c"`
		}{"12", "poll-12", ""})
		if string(out) != `{"a":12,"b":"poll-12","c":null}` {
			t.Fatalf("unexpected encoding %s", out)
		}
	})

	t.Run("rejects objects", func(t *testing.T) {
		var id ID
		if err := json.Unmarshal([]byte(`{"x":1}`), &id); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestTimestamp(t *testing.T) {
	t.Run("decode forms", func(t *testing.T) {
		var v struct {
			A Timestamp `json:"a"`
			B Timestamp `json:"b"`
			C Timestamp `json:"c"`
			D Timestamp `json:"d"`
		}
		data := `{"a":"2025-03-01T10:00:00Z","b":1740823200000,"c":null,"d":1740823200.5}`
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if v.B != "2025-03-01T10:00:00.000Z" {
			t.Fatalf("expected epoch millis normalized, got %s", v.B)
		}
		if v.C != "" {
			t.Fatalf("expected empty for null, got %s", v.C)
		}
		if v.D != "2025-03-01T10:00:00.500Z" {
			t.Fatalf("expected epoch seconds normalized, got %s", v.D)
		}
	})

	t.Run("zone-less values use the given location", func(t *testing.T) {
		loc := time.FixedZone("X", 3600)
		got, ok := Timestamp("2025-03-01T11:00:00.25").Time(loc)
		if !ok {
			t.Fatal("expected parse")
		}
		want := time.Date(2025, 3, 1, 10, 0, 0, 250e6, time.UTC)
		if !got.Equal(want) {
			t.Fatalf("expected %s, got %s", want, got)
		}
		if _, ok := Timestamp("yesterday").Time(nil); ok {
			t.Fatal("expected garbage to be rejected")
		}
	})

	t.Run("web client format", func(t *testing.T) {
		ts := NewTimestamp(time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("Y", -3600)))
		if ts != "2025-03-01T11:00:00.000Z" {
			t.Fatalf("unexpected %s", ts)
		}
	})
}

func TestOnlineUserJSON(t *testing.T) {
	var users []OnlineUser
	data := `[5, "6", {"id": 7, "name": "A"}, {"userId": 8, "userName": "B"}]`
	if err := json.Unmarshal([]byte(data), &users); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := []OnlineUser{{ID: "5"}, {ID: "6"}, {ID: "7", Name: "A"}, {ID: "8", Name: "B"}}
	for i := range want {
		if users[i] != want[i] {
			t.Fatalf("user %d: expected %+v, got %+v", i, want[i], users[i])
		}
	}
}

func TestMessageClone(t *testing.T) {
	p := Poll{ID: "1", Options: []PollOption{{ID: "1", Votes: []ID{"a"}}}}
	m := Message{ReplyTo: &ReplyRef{ID: "2"}, Reactions: map[string][]ID{"x": {"u"}}, Poll: &p}
	c := m.clone()
	c.ReplyTo.ID = "changed"
	c.Reactions["x"][0] = "changed"
	c.Poll.Options[0].Votes[0] = "changed"
	if m.ReplyTo.ID != "2" || m.Reactions["x"][0] != "u" || p.Options[0].Votes[0] != "a" {
		t.Fatal("clone must not share state")
	}
}
