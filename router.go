package studychat

import "encoding/json"

// ============================================================================
// Incoming Event Router
// ============================================================================

// handleFrame decodes one inbound frame and applies it. Bad frames are logged
// and dropped. topicGroup is the group whose topic delivered the frame.
func (s *Session) handleFrame(topicGroup ID, body []byte) {
	f, err := decodeFrame(body)
	if err != nil {
		s.logger.Printf("studychat: router: dropping malformed frame on group %s: %v", topicGroup, err)
		return
	}
	if f.GroupID == "" {
		return
	}

	switch f.Type {
	case frameMessage:
		s.routeMessage(f)
	case frameTyping:
		s.routeTyping(f, body)
	case frameTypingStop:
		s.routeTypingStop(f, body)
	case framePoll:
		s.routePoll(f)
	case framePollVote:
		s.routePollVote(f)
	case framePresence:
		s.peers.setPresence(f.GroupID, f.OnlineUsers)
		s.emit(EventPresence, PresenceEventPayload{GroupID: f.GroupID, Users: s.peers.onlineUsers(f.GroupID)})
	case frameReaction:
		s.routeReaction(f)
	default:
		s.logger.Printf("studychat: router: unhandled frame type %q on group %s", f.Type, f.GroupID)
	}
}

func (s *Session) routeMessage(f *inboundFrame) {
	raw := f.payload()
	if raw == nil {
		return
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		s.logger.Printf("studychat: router: dropping message on group %s: %v", f.GroupID, err)
		return
	}
	if m.SenderID == "" {
		return
	}
	if m.Type == "" {
		m.Type = MessageText
	}

	result, stored := s.store.Insert(f.GroupID, m)
	switch result {
	case Duplicate:
		return
	case Promoted:
		s.emit(EventMessageConfirmed, MessageEventPayload{GroupID: f.GroupID, Message: stored})
	case Appended:
		s.emit(EventMessageReceived, MessageEventPayload{GroupID: f.GroupID, Message: stored})
	}
	if n := s.unread.arrived(f.GroupID); n > 0 {
		s.emit(EventUnread, UnreadEventPayload{GroupID: f.GroupID, Count: n})
	}
}

func (s *Session) routeTyping(f *inboundFrame, body []byte) {
	u, err := f.decodeTyping(body)
	if err != nil {
		s.logger.Printf("studychat: router: dropping typing frame on group %s: %v", f.GroupID, err)
		return
	}
	if u.UserID == "" || u.UserID == s.user.ID {
		return
	}
	s.peers.startTyping(f.GroupID, u)
	s.emit(EventTyping, TypingEventPayload{GroupID: f.GroupID, Users: s.peers.typingUsers(f.GroupID)})
}

func (s *Session) routeTypingStop(f *inboundFrame, body []byte) {
	u, err := f.decodeTyping(body)
	if err != nil {
		s.logger.Printf("studychat: router: dropping typing_stop frame on group %s: %v", f.GroupID, err)
		return
	}
	if u.UserID == "" {
		return
	}
	if s.peers.stopTyping(f.GroupID, u.UserID) {
		s.emit(EventTyping, TypingEventPayload{GroupID: f.GroupID, Users: s.peers.typingUsers(f.GroupID)})
	}
}

func (s *Session) routePoll(f *inboundFrame) {
	p, err := f.decodePoll()
	if err != nil {
		s.logger.Printf("studychat: router: dropping poll on group %s: %v", f.GroupID, err)
		return
	}
	if p.Question == "" {
		return
	}
	if p.Options == nil {
		p.Options = []PollOption{}
	}
	m := pollMessage(f.GroupID, p)
	if m.Timestamp == "" {
		m.Timestamp = NewTimestamp(s.config.Now())
	}

	result, stored := s.store.Insert(f.GroupID, m)
	switch result {
	case Promoted:
		s.emit(EventMessageConfirmed, MessageEventPayload{GroupID: f.GroupID, Message: stored})
	case Appended:
		s.emit(EventMessageReceived, MessageEventPayload{GroupID: f.GroupID, Message: stored})
	}
}

func (s *Session) routePollVote(f *inboundFrame) {
	p, err := f.decodePoll()
	if err != nil {
		s.logger.Printf("studychat: router: dropping poll_vote on group %s: %v", f.GroupID, err)
		return
	}
	if p.Options == nil {
		p.Options = []PollOption{}
	}
	if p.TotalVotes == 0 {
		p.TotalVotes = p.VoteCount()
	}
	if s.store.UpdatePoll(f.GroupID, p) {
		s.emit(EventPollUpdated, PollEventPayload{GroupID: f.GroupID, Poll: p})
	}
}

func (s *Session) routeReaction(f *inboundFrame) {
	raw := f.payload()
	if raw == nil {
		return
	}
	var r reactionBody
	if err := json.Unmarshal(raw, &r); err != nil {
		s.logger.Printf("studychat: router: dropping reaction on group %s: %v", f.GroupID, err)
		return
	}
	if s.store.AddReaction(f.GroupID, r.MessageID, r.Emoji, r.UserID) {
		s.emit(EventReaction, ReactionEventPayload{GroupID: f.GroupID, MessageID: r.MessageID, Emoji: r.Emoji, UserID: r.UserID})
	}
}
