package studychat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSessionClosed = errors.New("studychat: session closed")
	ErrInvalidGroup  = errors.New("studychat: group id is required")
	ErrEmptyContent  = errors.New("studychat: content is empty")
	ErrNoAPIClient   = errors.New("studychat: no REST client configured")
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a Session. Zero values take defaults.
type SessionConfig struct {
	// Token is the bearer credential sent at connect time.
	Token string
	// User is the session owner. When empty it is read from Token's claims.
	User User

	// Broker defaults to a StompBroker built from Stomp.
	Broker    Broker
	Stomp     StompConfig
	Transport TransportConfig

	// API and Cache back LoadHistory. Both are optional.
	API      *Client
	Cache    Cache
	CacheTTL time.Duration

	// TypingIdle is how long after the last keystroke typing_stop is sent.
	TypingIdle time.Duration
	// TypingExpiry drops a peer's typing entry with no fresh typing event.
	TypingExpiry time.Duration
	// MatchTolerance bounds the timestamp distance between an optimistic
	// message and its echo.
	MatchTolerance time.Duration
	// MaxSendAttempts is the publish budget of a queued entry.
	MaxSendAttempts int
	// ServerLocation interprets zone-less server timestamps.
	ServerLocation *time.Location

	Logger *log.Logger
	Now    func() time.Time
}

func (c *SessionConfig) defaults() {
	c.Transport.defaults()
	if c.CacheTTL == 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.TypingIdle == 0 {
		c.TypingIdle = 2500 * time.Millisecond
	}
	if c.TypingExpiry == 0 {
		c.TypingExpiry = 5 * time.Second
	}
	if c.MatchTolerance == 0 {
		c.MatchTolerance = 1500 * time.Millisecond
	}
	if c.MaxSendAttempts == 0 {
		c.MaxSendAttempts = 3
	}
	if c.ServerLocation == nil {
		c.ServerLocation = time.UTC
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Broker == nil {
		c.Broker = NewStompBroker(c.Stomp)
	}
}

// ============================================================================
// Session
// ============================================================================

// Session is one authenticated user's chat session. All groups share its
// single broker connection.
type Session struct {
	emitter

	config SessionConfig
	user   User
	logger *log.Logger

	connector *Connector
	outbox    *Outbox
	subs      *subscriptionRegistry
	store     *Store
	typing    *typingSender
	peers     *peerTracker
	unread    *unreadTracker

	mu     sync.Mutex
	closed bool
}

// NewSession builds a session. It does not connect.
func NewSession(config SessionConfig) (*Session, error) {
	config.defaults()

	user := config.User
	if user.ID == "" {
		if config.Token == "" {
			return nil, errors.New("studychat: a user or a token is required")
		}
		u, err := IdentityFromToken(config.Token)
		if err != nil {
			return nil, err
		}
		user.ID = u.ID
		user.Name = firstString(user.Name, u.Name)
	}
	if user.Name == "" {
		user.Name = "Anonymous"
	}

	s := &Session{
		config: config,
		user:   user,
		logger: config.Logger,
		store:  NewStore(config.MatchTolerance, config.ServerLocation),
		peers:  newPeerTracker(config.TypingExpiry, config.Now),
		unread: newUnreadTracker(),
	}
	s.connector = newConnector(config.Broker, config.Token, &s.config.Transport, connectorHooks{
		connected:    s.onConnected,
		disconnected: s.onDisconnected,
	}, s.logger)
	s.outbox = newOutbox(s.connector.Current, config.MaxSendAttempts, s.logger)
	s.outbox.onSent = s.onEntrySent
	s.outbox.onFailed = s.onEntryFailed
	s.subs = newSubscriptionRegistry(s.connector.Current, s.config.Transport.topic, s.handleFrame, s.logger)
	s.typing = newTypingSender(config.TypingIdle, s.publishTyping)
	return s, nil
}

// User returns the session owner.
func (s *Session) User() User { return s.user }

// Connect establishes the broker connection. It is a no-op when already
// started. A failed first attempt is returned while retries continue.
func (s *Session) Connect(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.connector.Connect(ctx)
}

// Connected reports whether the broker connection is live.
func (s *Session) Connected() bool {
	return s.connector.State() == StateConnected
}

// State returns the connection state.
func (s *Session) State() ConnState {
	return s.connector.State()
}

// Close releases every subscription, stops reconnecting and drops queued
// publishes.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.typing.cancelAll()
	s.subs.releaseAll()
	err := s.connector.Close()
	if n := s.outbox.Len(); n > 0 {
		s.logger.Printf("studychat: session: dropping %d queued publishes on close", n)
	}
	s.outbox.Clear()
	s.removeAll()
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) onConnected(conn BrokerConn) {
	s.subs.drain(conn)
	s.outbox.Drain(conn)
	s.emit(EventConnected, nil)
}

func (s *Session) onDisconnected(err error) {
	s.subs.suspend()
	s.emit(EventDisconnected, DisconnectedPayload{Err: err})
}

// ============================================================================
// Groups
// ============================================================================

// OpenGroup focuses groupID: the previously focused group is unsubscribed if
// it differs, groupID is subscribed and its unread counter is cleared.
func (s *Session) OpenGroup(groupID ID) error {
	if err := s.check(groupID); err != nil {
		return err
	}
	prev := s.unread.focusOn(groupID)
	if prev != "" && prev != groupID {
		s.release(prev)
	}
	s.subs.subscribe(groupID)
	s.emit(EventUnread, UnreadEventPayload{GroupID: groupID})
	return nil
}

// Subscribe follows groupID in the background without focusing it, so its
// messages count as unread.
func (s *Session) Subscribe(groupID ID) error {
	if err := s.check(groupID); err != nil {
		return err
	}
	s.subs.subscribe(groupID)
	return nil
}

// CloseGroup unsubscribes groupID, cancels its typing timer and clears the
// focus if it was focused. Unknown groups are a no-op.
func (s *Session) CloseGroup(groupID ID) error {
	if groupID == "" {
		return ErrInvalidGroup
	}
	s.unread.unfocus(groupID)
	s.release(groupID)
	return nil
}

func (s *Session) release(groupID ID) {
	s.subs.unsubscribe(groupID)
	s.typing.cancel(groupID)
	s.peers.forget(groupID)
}

// ActiveGroup returns the focused group, or "" when none is.
func (s *Session) ActiveGroup() ID {
	return s.unread.focused()
}

// Subscribed reports whether groupID has a live subscription.
func (s *Session) Subscribed(groupID ID) bool {
	return s.subs.subscribed(groupID)
}

// MarkAsRead clears groupID's unread counter.
func (s *Session) MarkAsRead(groupID ID) {
	s.unread.reset(groupID)
	s.emit(EventUnread, UnreadEventPayload{GroupID: groupID})
}

func (s *Session) check(groupID ID) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if strings.TrimSpace(string(groupID)) == "" {
		return ErrInvalidGroup
	}
	return nil
}

// ============================================================================
// Outbound
// ============================================================================

// SendOptions carries optional message fields.
type SendOptions struct {
	Type    MessageType
	ReplyTo *ReplyRef
}

// SendMessage shows the message locally at once and publishes it, queueing
// while disconnected. It also ends the local typing state for the group.
func (s *Session) SendMessage(groupID ID, content string, opts *SendOptions) (Message, error) {
	if err := s.check(groupID); err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}

	msgType := MessageText
	var reply *ReplyRef
	if opts != nil {
		if opts.Type != "" {
			msgType = opts.Type
		}
		reply = opts.ReplyTo
	}

	ts := NewTimestamp(s.config.Now())
	local := s.store.AddLocal(groupID, Message{
		ClientID:   uuid.NewString(),
		SenderID:   s.user.ID,
		SenderName: s.user.Name,
		Content:    content,
		Timestamp:  ts,
		Type:       msgType,
		ReplyTo:    reply,
	})
	s.emit(EventMessageLocal, MessageEventPayload{GroupID: groupID, Message: local})

	body, err := json.Marshal(sendMessageFrame{
		GroupID:    groupID,
		SenderID:   s.user.ID,
		SenderName: s.user.Name,
		Content:    content,
		Timestamp:  ts,
		Type:       msgType,
		ReplyTo:    reply,
	})
	if err != nil {
		return local, fmt.Errorf("encode message: %w", err)
	}
	s.outbox.EnqueueOrSend(s.config.Transport.destination(destSendMessage), body, groupID, local.ClientID)

	s.typing.stop(groupID)
	s.unread.reset(groupID)
	s.emit(EventUnread, UnreadEventPayload{GroupID: groupID})
	return s.currentLocal(groupID, local), nil
}

// PollInput describes a poll to create.
type PollInput struct {
	Question      string
	Options       []string
	AllowMultiple bool
	Anonymous     bool
}

// SendPoll shows an optimistic poll locally and publishes it.
func (s *Session) SendPoll(groupID ID, in PollInput) (Message, error) {
	if err := s.check(groupID); err != nil {
		return Message{}, err
	}
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return Message{}, ErrEmptyContent
	}
	options := make([]PollOption, 0, len(in.Options))
	for _, text := range in.Options {
		if text = strings.TrimSpace(text); text != "" {
			options = append(options, PollOption{Text: text, Votes: []ID{}})
		}
	}
	if len(options) < 2 {
		return Message{}, errors.New("studychat: a poll needs at least two options")
	}

	ts := NewTimestamp(s.config.Now())
	clientID := uuid.NewString()
	local := s.store.AddLocal(groupID, Message{
		ID:         ID("temp-poll-" + clientID),
		ClientID:   clientID,
		SenderID:   s.user.ID,
		SenderName: s.user.Name,
		Content:    question,
		Timestamp:  ts,
		Type:       MessagePoll,
		Poll: &Poll{
			GroupID:       groupID,
			Question:      question,
			Options:       options,
			AllowMultiple: in.AllowMultiple,
			Anonymous:     in.Anonymous,
			CreatorID:     s.user.ID,
			CreatorName:   s.user.Name,
			CreatedAt:     ts,
		},
	})
	s.emit(EventMessageLocal, MessageEventPayload{GroupID: groupID, Message: local})

	body, err := json.Marshal(sendPollFrame{
		Question:      question,
		Options:       options,
		AllowMultiple: in.AllowMultiple,
		Anonymous:     in.Anonymous,
		GroupID:       groupID,
		CreatorID:     s.user.ID,
		CreatorName:   s.user.Name,
		Type:          MessagePoll,
		SenderID:      s.user.ID,
		SenderName:    s.user.Name,
		Timestamp:     ts,
	})
	if err != nil {
		return local, fmt.Errorf("encode poll: %w", err)
	}
	s.outbox.EnqueueOrSend(s.config.Transport.destination(destSendPoll), body, groupID, clientID)
	return s.currentLocal(groupID, local), nil
}

// VotePoll publishes a vote. The poll changes when the server broadcasts the
// updated tally.
func (s *Session) VotePoll(groupID, messageID, pollID ID, optionIDs ...ID) error {
	if err := s.check(groupID); err != nil {
		return err
	}
	if pollID == "" || len(optionIDs) == 0 {
		return errors.New("studychat: a vote needs a poll id and an option")
	}
	return s.publishQueued(groupID, destPollVote, pollVoteFrame{
		Type:      framePollVote,
		GroupID:   groupID,
		MessageID: messageID,
		PollID:    pollID,
		OptionIDs: optionIDs,
		UserID:    s.user.ID,
	})
}

// AddReaction publishes a reaction to messageID.
func (s *Session) AddReaction(groupID, messageID ID, emoji string) error {
	if err := s.check(groupID); err != nil {
		return err
	}
	if messageID == "" || emoji == "" {
		return errors.New("studychat: a reaction needs a message id and an emoji")
	}
	return s.publishQueued(groupID, destReaction, reactionFrame{
		Type:      frameReaction,
		GroupID:   groupID,
		MessageID: messageID,
		Emoji:     emoji,
		UserID:    s.user.ID,
	})
}

// Typing records a keystroke in groupID. The first keystroke publishes a
// typing event; typing_stop follows once keystrokes pause for TypingIdle.
func (s *Session) Typing(groupID ID) error {
	if err := s.check(groupID); err != nil {
		return err
	}
	s.typing.keystroke(groupID)
	return nil
}

// StopTyping publishes typing_stop now if groupID is in the typing state.
func (s *Session) StopTyping(groupID ID) error {
	if err := s.check(groupID); err != nil {
		return err
	}
	s.typing.stop(groupID)
	return nil
}

// Pending returns the publishes waiting for a connection.
func (s *Session) Pending() []OutboxEntry {
	return s.outbox.Pending()
}

func (s *Session) publishQueued(groupID ID, dest string, frame any) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s: %w", dest, err)
	}
	s.outbox.EnqueueOrSend(s.config.Transport.destination(dest), body, groupID, "")
	return nil
}

func (s *Session) publishTyping(groupID ID, kind string) {
	body, err := json.Marshal(typingFrame{
		Type:     kind,
		GroupID:  groupID,
		UserID:   s.user.ID,
		UserName: s.user.Name,
	})
	if err != nil {
		return
	}
	if err := s.outbox.PublishEphemeral(s.config.Transport.destination(destTyping), body); err != nil && !errors.Is(err, ErrNotConnected) {
		s.logger.Printf("studychat: session: publish %s for group %s: %v", kind, groupID, err)
	}
}

func (s *Session) onEntrySent(e OutboxEntry) {
	if m, ok := s.store.MarkSent(e.GroupID, e.ClientID); ok {
		s.emit(EventMessageSent, MessageEventPayload{GroupID: e.GroupID, Message: m})
	}
}

func (s *Session) onEntryFailed(e OutboxEntry) {
	if m, ok := s.store.MarkFailed(e.GroupID, e.ClientID); ok {
		s.emit(EventMessageFailed, MessageEventPayload{GroupID: e.GroupID, Message: m})
	}
}

// currentLocal re-reads an optimistic entry so the caller sees a status
// change made by an immediate publish.
func (s *Session) currentLocal(groupID ID, local Message) Message {
	for _, m := range s.store.Messages(groupID) {
		if m.ClientID == local.ClientID {
			return m
		}
	}
	return local
}

// ============================================================================
// Reads
// ============================================================================

// Messages returns groupID's messages in display order.
func (s *Session) Messages(groupID ID) []Message {
	return s.store.Messages(groupID)
}

// TypingUsers returns the peers currently typing in groupID.
func (s *Session) TypingUsers(groupID ID) []TypingUser {
	return s.peers.typingUsers(groupID)
}

// OnlineUsers returns groupID's last presence snapshot.
func (s *Session) OnlineUsers(groupID ID) []OnlineUser {
	return s.peers.onlineUsers(groupID)
}

// UnreadCount returns groupID's unread counter.
func (s *Session) UnreadCount(groupID ID) int {
	return s.unread.count(groupID)
}

// UnreadCounts returns every non-zero unread counter.
func (s *Session) UnreadCounts() map[ID]int {
	return s.unread.snapshot()
}

// ============================================================================
// History
// ============================================================================

// History is the result of LoadHistory.
type History struct {
	Group *Group
	// Merged is how many fetched entries were new to the session.
	Merged int
	// FromCache is set when the REST collaborator was unreachable and a
	// cached snapshot was used instead.
	FromCache bool
}

// LoadHistory fetches group metadata, stored messages and polls in parallel
// and merges them into groupID's collection. A successful fetch is cached;
// a failed one falls back to the cached snapshot.
func (s *Session) LoadHistory(ctx context.Context, groupID ID) (*History, error) {
	if err := s.check(groupID); err != nil {
		return nil, err
	}
	if s.config.API == nil {
		return nil, ErrNoAPIClient
	}

	var (
		group *Group
		msgs  []Message
		polls []Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		group, err = s.config.API.Groups.Get(gctx, groupID)
		if err != nil {
			return fmt.Errorf("group: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		msgs, err = s.config.API.Messages.History(gctx, groupID)
		if err != nil {
			return fmt.Errorf("messages: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		polls, err = s.config.API.Polls.ListByGroup(gctx, groupID)
		if err != nil {
			return fmt.Errorf("polls: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		snap, ok := s.cachedHistory(ctx, groupID)
		if !ok {
			return nil, fmt.Errorf("load history for group %s: %w", groupID, err)
		}
		s.logger.Printf("studychat: session: history for group %s served from cache: %v", groupID, err)
		return &History{Group: snap.Group, Merged: s.store.Merge(groupID, snap.Messages), FromCache: true}, nil
	}

	all := append(msgs, polls...)
	if s.config.Cache != nil {
		snap := &HistorySnapshot{Group: group, Messages: all, SavedAt: NewTimestamp(s.config.Now())}
		if err := saveSnapshot(ctx, s.config.Cache, groupID, snap, s.config.CacheTTL); err != nil {
			s.logger.Printf("studychat: session: cache history for group %s: %v", groupID, err)
		}
	}
	return &History{Group: group, Merged: s.store.Merge(groupID, all)}, nil
}

func (s *Session) cachedHistory(ctx context.Context, groupID ID) (*HistorySnapshot, bool) {
	if s.config.Cache == nil {
		return nil, false
	}
	snap, ok, err := loadSnapshot(ctx, s.config.Cache, groupID)
	if err != nil {
		s.logger.Printf("studychat: session: read cached history for group %s: %v", groupID, err)
		return nil, false
	}
	return snap, ok
}
