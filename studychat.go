// Package studychat is a client-side real-time session manager for study-group
// chat. One Session multiplexes per-group subscriptions over a single broker
// connection, queues publishes across disconnects and reconciles optimistic
// local messages with their server echoes.
//
// Example:
//
//	api := studychat.NewClient(token, studychat.WithBaseURL("http://localhost:8080"))
//	sess, _ := studychat.NewSession(studychat.SessionConfig{
//		Token: token,
//		API:   api,
//		Stomp: studychat.StompConfig{URL: "ws://localhost:8080/ws/chat/websocket"},
//	})
//	defer sess.Close()
//
//	sess.On(studychat.EventMessageReceived, func(_ string, p any) { ... })
//	sess.Connect(ctx)
//	sess.OpenGroup("42")
//	sess.LoadHistory(ctx, "42")
//	sess.SendMessage("42", "hello")
package studychat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// Client talks to the REST collaborator: group metadata, message history and
// polls.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Groups   *GroupsClient
	Messages *MessagesClient
	Polls    *PollsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client authenticating with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Groups = &GroupsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Polls = &PollsClient{c: c}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, body)
	}
	return body, nil
}

func apiError(status int, body []byte) *APIError {
	e := &APIError{Code: fmt.Sprintf("HTTP_%d", status)}
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		e.Message = firstString(parsed.Message, parsed.Error)
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func get[T any](ctx context.Context, c *Client, path string) (*T, error) {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](data)
}

// ============================================================================
// Groups
// ============================================================================

// GroupsClient reads study group metadata.
type GroupsClient struct{ c *Client }

// Get fetches one group.
func (g *GroupsClient) Get(ctx context.Context, groupID ID) (*Group, error) {
	return get[Group](ctx, g.c, "/api/groups/"+url.PathEscape(string(groupID)))
}

// Created lists the groups userID created.
func (g *GroupsClient) Created(ctx context.Context, userID ID) ([]Group, error) {
	out, err := get[[]Group](ctx, g.c, "/api/groups/created/"+url.PathEscape(string(userID)))
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// Joined lists the groups userID joined.
func (g *GroupsClient) Joined(ctx context.Context, userID ID) ([]Group, error) {
	out, err := get[[]Group](ctx, g.c, "/api/groups/joined/"+url.PathEscape(string(userID)))
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// GroupList is the merged view of a user's groups.
type GroupList struct {
	Active   []Group `json:"active"`
	Archived []Group `json:"archived"`
}

// List merges created and joined groups, drops duplicate ids and splits out
// archived groups. Order follows first appearance.
func (g *GroupsClient) List(ctx context.Context, userID ID) (*GroupList, error) {
	created, err := g.Created(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("created groups: %w", err)
	}
	joined, err := g.Joined(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("joined groups: %w", err)
	}

	seen := make(map[ID]bool)
	list := &GroupList{Active: []Group{}, Archived: []Group{}}
	for _, grp := range append(created, joined...) {
		if grp.ID == "" || seen[grp.ID] {
			continue
		}
		seen[grp.ID] = true
		if grp.Archived {
			list.Archived = append(list.Archived, grp)
		} else {
			list.Active = append(list.Active, grp)
		}
	}
	return list, nil
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient reads stored chat history.
type MessagesClient struct{ c *Client }

// historyRow is a stored message; poll rows carry their poll inline.
type historyRow struct {
	Message
	PollID        ID           `json:"pollId"`
	PollQuestion  string       `json:"pollQuestion"`
	PollOptions   []PollOption `json:"pollOptions"`
	Options       []PollOption `json:"options"`
	AllowMultiple bool         `json:"allowMultiple"`
	Anonymous     bool         `json:"anonymous"`
}

func (r *historyRow) normalize(groupID ID) Message {
	m := r.Message
	if m.GroupID == "" {
		m.GroupID = groupID
	}
	if m.Type != MessagePoll && r.PollQuestion == "" {
		if m.Type == "" {
			m.Type = MessageText
		}
		return m
	}
	options := r.PollOptions
	if options == nil {
		options = r.Options
	}
	if options == nil {
		options = []PollOption{}
	}
	p := &Poll{
		ID:            firstID(r.PollID, m.ID),
		GroupID:       m.GroupID,
		Question:      firstString(r.PollQuestion, m.Content),
		Options:       options,
		AllowMultiple: r.AllowMultiple,
		Anonymous:     r.Anonymous,
		CreatorID:     m.SenderID,
		CreatorName:   m.SenderName,
		CreatedAt:     m.CreatedAt,
	}
	p.TotalVotes = p.VoteCount()
	return Message{
		ID:         m.ID,
		GroupID:    m.GroupID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    p.Question,
		Timestamp:  m.CreatedAt,
		CreatedAt:  m.CreatedAt,
		Type:       MessagePoll,
		Poll:       p,
	}
}

// History fetches a group's stored messages, poll rows normalized into poll
// messages.
func (m *MessagesClient) History(ctx context.Context, groupID ID) ([]Message, error) {
	rows, err := get[[]historyRow](ctx, m.c, "/api/chat/messages/"+url.PathEscape(string(groupID)))
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(*rows))
	for i := range *rows {
		out = append(out, (*rows)[i].normalize(groupID))
	}
	return out, nil
}

// ============================================================================
// Polls
// ============================================================================

// PollsClient reads polls.
type PollsClient struct{ c *Client }

type pollRow struct {
	Poll
	CreatedBy ID `json:"createdBy"`
}

// ListByGroup fetches a group's polls as poll messages.
func (p *PollsClient) ListByGroup(ctx context.Context, groupID ID) ([]Message, error) {
	rows, err := get[[]pollRow](ctx, p.c, "/polls/group/"+url.PathEscape(string(groupID)))
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(*rows))
	for _, row := range *rows {
		poll := row.Poll
		poll.CreatorID = firstID(row.CreatedBy, poll.CreatorID)
		if poll.Options == nil {
			poll.Options = []PollOption{}
		}
		m := pollMessage(groupID, poll)
		if m.Timestamp == "" {
			m.Timestamp = NewTimestamp(time.Now())
		}
		out = append(out, m)
	}
	return out, nil
}

// Get fetches one poll.
func (p *PollsClient) Get(ctx context.Context, pollID ID) (*Poll, error) {
	row, err := get[pollRow](ctx, p.c, "/polls/"+url.PathEscape(string(pollID)))
	if err != nil {
		return nil, err
	}
	poll := row.Poll
	poll.CreatorID = firstID(row.CreatedBy, poll.CreatorID)
	return &poll, nil
}
