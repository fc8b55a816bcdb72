package studychat

import "sync"

// ============================================================================
// Session Events
// ============================================================================

const (
	EventConnected        = "connection.connected"
	EventDisconnected     = "connection.disconnected"
	EventMessageReceived  = "message.received"
	EventMessageLocal     = "message.local"
	EventMessageSent      = "message.sent"
	EventMessageConfirmed = "message.confirmed"
	EventMessageFailed    = "message.failed"
	EventPollUpdated      = "poll.updated"
	EventReaction         = "reaction.added"
	EventTyping           = "typing.changed"
	EventPresence         = "presence.changed"
	EventUnread           = "unread.changed"
)

// MessageEventPayload accompanies the message.* events.
type MessageEventPayload struct {
	GroupID ID      `json:"groupId"`
	Message Message `json:"message"`
}

// PollEventPayload accompanies poll.updated.
type PollEventPayload struct {
	GroupID ID   `json:"groupId"`
	Poll    Poll `json:"poll"`
}

// ReactionEventPayload accompanies reaction.added.
type ReactionEventPayload struct {
	GroupID   ID     `json:"groupId"`
	MessageID ID     `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    ID     `json:"userId"`
}

// TypingEventPayload accompanies typing.changed.
type TypingEventPayload struct {
	GroupID ID           `json:"groupId"`
	Users   []TypingUser `json:"users"`
}

// PresenceEventPayload accompanies presence.changed.
type PresenceEventPayload struct {
	GroupID ID           `json:"groupId"`
	Users   []OnlineUser `json:"users"`
}

// UnreadEventPayload accompanies unread.changed.
type UnreadEventPayload struct {
	GroupID ID  `json:"groupId"`
	Count   int `json:"count"`
}

// DisconnectedPayload accompanies connection.disconnected. Err is nil when
// the session was closed.
type DisconnectedPayload struct {
	Err error
}

// EventHandler is the session event callback type.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers handler for event. Handlers run on the goroutine that caused
// the event and must not block.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
}
