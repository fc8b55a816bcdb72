package studychat

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"nhooyr.io/websocket"
)

// ============================================================================
// STOMP over WebSocket
// ============================================================================

const DefaultBrokerURL = "ws://localhost:8080/ws/chat/websocket"

// StompConfig configures StompBroker.
type StompConfig struct {
	// URL is the broker's raw WebSocket endpoint.
	URL string
	// Host is sent in the CONNECT frame. Defaults to the URL host.
	Host string
	// HeartBeat is used for both the outgoing and incoming heart-beat.
	HeartBeat time.Duration
	// ReadLimit caps the size of one WebSocket message.
	ReadLimit int64
}

func (c *StompConfig) defaults() {
	if c.URL == "" {
		c.URL = DefaultBrokerURL
	}
	if c.HeartBeat == 0 {
		c.HeartBeat = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.Host == "" {
		if u, err := url.Parse(c.URL); err == nil {
			c.Host = u.Hostname()
		}
	}
}

// StompBroker speaks STOMP 1.2 to a message broker over a WebSocket.
type StompBroker struct {
	config StompConfig
}

// NewStompBroker creates a Broker for the given endpoint settings.
func NewStompBroker(config StompConfig) *StompBroker {
	config.defaults()
	return &StompBroker{config: config}
}

// Connect dials the WebSocket and performs the STOMP handshake with the token
// in the Authorization header.
func (b *StompBroker) Connect(ctx context.Context, token string) (BrokerConn, error) {
	ws, _, err := websocket.Dial(ctx, b.config.URL, &websocket.DialOptions{
		Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", b.config.URL, err)
	}
	ws.SetReadLimit(b.config.ReadLimit)

	// The net.Conn must outlive ctx, which only bounds the handshake.
	sc := &stompConn{done: make(chan struct{})}
	netConn := &watchedConn{Conn: websocket.NetConn(context.Background(), ws, websocket.MessageText), lost: sc.lost}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(b.config.HeartBeat, b.config.HeartBeat),
		stomp.ConnOpt.Host(b.config.Host),
	}
	if token != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+token))
	}

	type result struct {
		conn *stomp.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := stomp.Connect(netConn, opts...)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			netConn.Close()
			return nil, fmt.Errorf("stomp connect: %w", r.err)
		}
		sc.conn = r.conn
		return sc, nil
	case <-ctx.Done():
		netConn.Close()
		return nil, ctx.Err()
	}
}

// watchedConn reports the first read or write error on the socket, so a drop
// is noticed even when no subscription is reading.
type watchedConn struct {
	net.Conn
	lost func()
}

func (w *watchedConn) Read(p []byte) (int, error) {
	n, err := w.Conn.Read(p)
	if err != nil {
		w.lost()
	}
	return n, err
}

func (w *watchedConn) Write(p []byte) (int, error) {
	n, err := w.Conn.Write(p)
	if err != nil {
		w.lost()
	}
	return n, err
}

type stompConn struct {
	conn     *stomp.Conn
	done     chan struct{}
	doneOnce sync.Once
}

func (c *stompConn) lost() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *stompConn) isLost() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *stompConn) Publish(destination string, body []byte) error {
	if err := c.conn.Send(destination, "application/json", body); err != nil {
		c.lost()
		return err
	}
	return nil
}

func (c *stompConn) Subscribe(destination string, handler func([]byte)) (Subscription, error) {
	sub, err := c.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		c.lost()
		return nil, err
	}
	go func() {
		for msg := range sub.C {
			if msg.Err != nil {
				c.lost()
				return
			}
			handler(msg.Body)
		}
	}()
	return stompSubscription{sub}, nil
}

func (c *stompConn) Done() <-chan struct{} { return c.done }

// Close disconnects gracefully, or drops the socket at once when the
// connection is already lost and no receipt can arrive.
func (c *stompConn) Close() error {
	if c.isLost() {
		return c.conn.MustDisconnect()
	}
	defer c.lost()
	return c.conn.Disconnect()
}

type stompSubscription struct {
	sub *stomp.Subscription
}

func (s stompSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
