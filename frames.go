package studychat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Destinations and Frame Kinds
// ============================================================================

const (
	destSendMessage = "chat.sendMessage"
	destSendPoll    = "chat.sendPoll"
	destTyping      = "chat.typing"
	destReaction    = "chat.reaction"
	destPollVote    = "chat.pollVote"
)

const (
	frameMessage    = "message"
	frameTyping     = "typing"
	frameTypingStop = "typing_stop"
	framePoll       = "poll"
	framePollVote   = "poll_vote"
	framePresence   = "presence"
	frameReaction   = "reaction"
)

// ============================================================================
// Inbound
// ============================================================================

// inboundFrame is the envelope broadcast on a group topic. Chat events carry
// their body in "message"; poll events in "content".
type inboundFrame struct {
	Type        string          `json:"type"`
	GroupID     ID              `json:"groupId"`
	Message     json.RawMessage `json:"message"`
	Content     json.RawMessage `json:"content"`
	OnlineUsers []OnlineUser    `json:"onlineUsers"`
}

func decodeFrame(body []byte) (*inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// payload returns the first non-null body: message, then content.
func (f *inboundFrame) payload() json.RawMessage {
	for _, raw := range []json.RawMessage{f.Message, f.Content} {
		if len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return raw
		}
	}
	return nil
}

// typingBody covers the shapes typing events arrive in.
type typingBody struct {
	UserID     ID     `json:"userId"`
	UserName   string `json:"userName"`
	Username   string `json:"username"`
	Name       string `json:"name"`
	TypingUser *struct {
		ID   ID     `json:"id"`
		Name string `json:"name"`
	} `json:"typingUser"`
}

func (b typingBody) user() TypingUser {
	u := TypingUser{UserID: b.UserID, UserName: firstString(b.UserName, b.Username, b.Name)}
	if b.TypingUser != nil {
		u.UserID = firstID(u.UserID, b.TypingUser.ID)
		u.UserName = firstString(u.UserName, b.TypingUser.Name)
	}
	if u.UserName == "" {
		u.UserName = "Someone"
	}
	return u
}

// decodeTyping reads the typing user from the body, falling back to the
// envelope itself when the fields are flat.
func (f *inboundFrame) decodeTyping(raw []byte) (TypingUser, error) {
	var b typingBody
	src := f.payload()
	if src == nil {
		src = raw
	}
	if err := json.Unmarshal(src, &b); err != nil {
		return TypingUser{}, err
	}
	return b.user(), nil
}

// pollBody wraps a poll that may arrive bare or nested in a message.
type pollBody struct {
	Poll
	Nested *Poll `json:"poll"`
}

func (f *inboundFrame) decodePoll() (Poll, error) {
	src := f.payload()
	if src == nil {
		return Poll{}, errors.New("poll frame has no body")
	}
	var b pollBody
	if err := json.Unmarshal(src, &b); err != nil {
		return Poll{}, err
	}
	if b.Nested != nil {
		return *b.Nested, nil
	}
	return b.Poll, nil
}

type reactionBody struct {
	MessageID ID     `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    ID     `json:"userId"`
}

// ============================================================================
// Outbound
// ============================================================================

type sendMessageFrame struct {
	GroupID    ID          `json:"groupId"`
	SenderID   ID          `json:"senderId"`
	SenderName string      `json:"senderName"`
	Content    string      `json:"content"`
	Timestamp  Timestamp   `json:"timestamp"`
	Type       MessageType `json:"type"`
	ReplyTo    *ReplyRef   `json:"replyTo,omitempty"`
}

type sendPollFrame struct {
	Question      string       `json:"question"`
	Options       []PollOption `json:"options"`
	AllowMultiple bool         `json:"allowMultiple"`
	Anonymous     bool         `json:"anonymous"`
	GroupID       ID           `json:"groupId"`
	CreatorID     ID           `json:"creatorId"`
	CreatorName   string       `json:"creatorName"`
	Type          MessageType  `json:"type"`
	SenderID      ID           `json:"senderId"`
	SenderName    string       `json:"senderName"`
	Timestamp     Timestamp    `json:"timestamp"`
}

type typingFrame struct {
	Type     string `json:"type"`
	GroupID  ID     `json:"groupId"`
	UserID   ID     `json:"userId"`
	UserName string `json:"userName"`
}

type reactionFrame struct {
	Type      string `json:"type"`
	GroupID   ID     `json:"groupId"`
	MessageID ID     `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    ID     `json:"userId"`
}

type pollVoteFrame struct {
	Type      string `json:"type"`
	GroupID   ID     `json:"groupId"`
	MessageID ID     `json:"messageId"`
	PollID    ID     `json:"pollId"`
	OptionIDs []ID   `json:"optionIds"`
	UserID    ID     `json:"userId"`
}
