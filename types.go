package studychat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the REST collaborator.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ID is a server identifier. The backend issues numeric ids while locally
// created entries use string ids, so both decode into the same type.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes numeric ids as JSON numbers so the backend can bind
// them to integer fields.
func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if id.numeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string { return string(id) }

func (id ID) numeric() bool {
	if id == "" {
		return false
	}
	_, err := strconv.ParseInt(string(id), 10, 64)
	return err == nil
}

// Timestamp is an ISO-8601 instant as it travels on the wire. Epoch
// milliseconds are accepted on decode and normalized to RFC 3339.
type Timestamp string

// jsTimeLayout matches the browser's Date.toISOString output.
const jsTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// NewTimestamp formats t the way the web client does.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UTC().Format(jsTimeLayout))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*ts = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*ts = Timestamp(s)
		return nil
	}
	if ms, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		*ts = NewTimestamp(time.UnixMilli(ms))
		return nil
	}
	// Jackson writes an Instant as fractional epoch seconds.
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp: unsupported value %s", data)
	}
	*ts = NewTimestamp(time.UnixMilli(int64(secs * 1000)))
	return nil
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Time parses the timestamp. Values without a zone (the backend's
// LocalDateTime) are read in loc; a nil loc means UTC.
func (ts Timestamp) Time(loc *time.Location) (time.Time, bool) {
	s := strings.TrimSpace(string(ts))
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ============================================================================
// Chat Types
// ============================================================================

// MessageType discriminates message bodies.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageFile  MessageType = "file"
	MessageVoice MessageType = "voice"
	MessagePoll  MessageType = "poll"
)

// MessageStatus tracks an entry through optimistic delivery.
type MessageStatus string

const (
	// StatusPending marks an optimistic entry not yet handed to the broker.
	StatusPending MessageStatus = "pending"
	// StatusSent marks an optimistic entry published but not yet echoed.
	StatusSent MessageStatus = "sent"
	// StatusConfirmed marks an entry the server has delivered.
	StatusConfirmed MessageStatus = "confirmed"
	// StatusFailed marks an optimistic entry whose send budget ran out.
	StatusFailed MessageStatus = "failed"
)

// User identifies the session owner or a peer.
type User struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

type ReplyRef struct {
	ID         ID     `json:"id"`
	Content    string `json:"content,omitempty"`
	SenderName string `json:"senderName,omitempty"`
}

// Message is one entry of a group's conversation.
type Message struct {
	ID         ID              `json:"id,omitempty"`
	ClientID   string          `json:"clientId,omitempty"`
	GroupID    ID              `json:"groupId,omitempty"`
	SenderID   ID              `json:"senderId,omitempty"`
	SenderName string          `json:"senderName,omitempty"`
	Content    string          `json:"content"`
	Timestamp  Timestamp       `json:"timestamp,omitempty"`
	CreatedAt  Timestamp       `json:"createdAt,omitempty"`
	Type       MessageType     `json:"type,omitempty"`
	ReplyTo    *ReplyRef       `json:"replyTo,omitempty"`
	Reactions  map[string][]ID `json:"reactions,omitempty"`
	Poll       *Poll           `json:"poll,omitempty"`
	LocalOnly  bool            `json:"localOnly,omitempty"`
	Status     MessageStatus   `json:"status,omitempty"`
}

// SortTime is the instant used for display ordering.
func (m *Message) SortTime(loc *time.Location) time.Time {
	if t, ok := m.Timestamp.Time(loc); ok {
		return t
	}
	if t, ok := m.CreatedAt.Time(loc); ok {
		return t
	}
	if m.Poll != nil {
		if t, ok := m.Poll.CreatedAt.Time(loc); ok {
			return t
		}
	}
	return time.Time{}
}

func (m Message) clone() Message {
	out := m
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string][]ID, len(m.Reactions))
		for emoji, users := range m.Reactions {
			out.Reactions[emoji] = append([]ID(nil), users...)
		}
	}
	if m.Poll != nil {
		p := m.Poll.clone()
		out.Poll = &p
	}
	return out
}

type PollOption struct {
	ID    ID     `json:"id"`
	Text  string `json:"text"`
	Votes []ID   `json:"votes"`
}

// Poll is embedded in a message of type poll.
type Poll struct {
	ID            ID           `json:"id,omitempty"`
	GroupID       ID           `json:"groupId,omitempty"`
	Question      string       `json:"question"`
	Options       []PollOption `json:"options"`
	AllowMultiple bool         `json:"allowMultiple"`
	Anonymous     bool         `json:"anonymous"`
	CreatorID     ID           `json:"creatorId,omitempty"`
	CreatorName   string       `json:"creatorName,omitempty"`
	CreatedAt     Timestamp    `json:"createdAt,omitempty"`
	TotalVotes    int          `json:"totalVotes"`
}

// VoteCount sums the votes across options.
func (p *Poll) VoteCount() int {
	n := 0
	for _, o := range p.Options {
		n += len(o.Votes)
	}
	return n
}

func (p Poll) clone() Poll {
	out := p
	out.Options = make([]PollOption, len(p.Options))
	for i, o := range p.Options {
		o.Votes = append([]ID(nil), o.Votes...)
		out.Options[i] = o
	}
	return out
}

// TypingUser is a peer currently composing in a group.
type TypingUser struct {
	UserID   ID     `json:"userId"`
	UserName string `json:"userName"`
}

// OnlineUser is one entry of a group's presence snapshot. The backend sends
// either bare ids or objects.
type OnlineUser struct {
	ID   ID     `json:"id"`
	Name string `json:"name,omitempty"`
}

func (u *OnlineUser) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '{' {
		return u.ID.UnmarshalJSON(data)
	}
	var raw struct {
		ID       ID     `json:"id"`
		UserID   ID     `json:"userId"`
		Name     string `json:"name"`
		UserName string `json:"userName"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.ID = firstID(raw.ID, raw.UserID)
	u.Name = firstString(raw.Name, raw.UserName, raw.Username)
	return nil
}

// Group is the study group metadata served by the REST collaborator.
type Group struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Subject     string `json:"subject,omitempty"`
	CreatedBy   ID     `json:"createdBy,omitempty"`
	Archived    bool   `json:"archived,omitempty"`
}

func firstID(ids ...ID) ID {
	for _, id := range ids {
		if id != "" {
			return id
		}
	}
	return ""
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
