package studychat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ============================================================================
// Broker Contract
// ============================================================================

// Broker opens connections to the publish/subscribe message broker.
type Broker interface {
	// Connect performs the handshake, attaching token as a bearer credential.
	Connect(ctx context.Context, token string) (BrokerConn, error)
}

// BrokerConn is one live broker connection.
type BrokerConn interface {
	// Publish sends body to destination. Fire-and-forget: a nil error only
	// means the frame was written.
	Publish(destination string, body []byte) error
	// Subscribe delivers every frame arriving on destination to handler.
	Subscribe(destination string, handler func(body []byte)) (Subscription, error)
	// Done is closed once the connection is lost.
	Done() <-chan struct{}
	Close() error
}

// Subscription is a handle on one topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// ErrNotConnected is returned when an operation needs a live connection.
var ErrNotConnected = errors.New("studychat: not connected")

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures the connector and the destination layout.
type TransportConfig struct {
	// RetryDelay is the fixed wait between reconnect attempts.
	RetryDelay time.Duration
	// AppPrefix is prepended to outbound destinations.
	AppPrefix string
	// TopicPrefix is prepended to a group id to form its topic.
	TopicPrefix string
}

func (c *TransportConfig) defaults() {
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.AppPrefix == "" {
		c.AppPrefix = "/app"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "/topic/group."
	}
}

func (c *TransportConfig) destination(name string) string {
	return c.AppPrefix + "/" + name
}

func (c *TransportConfig) topic(groupID ID) string {
	return c.TopicPrefix + string(groupID)
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// ============================================================================
// Connector
// ============================================================================

// connectorHooks run on the supervisor goroutine, outside the connector lock.
type connectorHooks struct {
	connected    func(BrokerConn)
	disconnected func(error)
}

// Connector owns the single broker connection of a session. Once started it
// retries forever at a fixed delay; every successful handshake runs the
// connected hook again.
type Connector struct {
	broker Broker
	token  string
	config *TransportConfig
	hooks  connectorHooks
	logger *log.Logger

	mu      sync.Mutex
	state   ConnState
	conn    BrokerConn
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newConnector(broker Broker, token string, config *TransportConfig, hooks connectorHooks, logger *log.Logger) *Connector {
	return &Connector{
		broker: broker,
		token:  token,
		config: config,
		hooks:  hooks,
		logger: logger,
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Connector) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the live connection, or nil when not connected.
func (c *Connector) Current() BrokerConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.conn
}

// Connect starts the connection supervisor and waits for the outcome of the
// first handshake. A failed first attempt is returned but retries continue in
// the background. Calling Connect on a running connector is a no-op.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	// The supervisor outlives the caller's context; Close stops it.
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	first := make(chan error, 1)
	go c.run(loopCtx, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops reconnecting and closes the live connection.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (c *Connector) run(ctx context.Context, first chan<- error) {
	defer close(c.done)
	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}

	for attempt := 1; ; attempt++ {
		c.setState(StateConnecting, nil)
		conn, err := c.broker.Connect(ctx, c.token)
		if err != nil {
			c.setState(StateDisconnected, nil)
			if ctx.Err() != nil {
				report(ctx.Err())
				return
			}
			c.logger.Printf("studychat: transport: connect attempt %d failed: %v", attempt, err)
			report(fmt.Errorf("broker connect: %w", err))
		} else {
			attempt = 0
			c.setState(StateConnected, conn)
			if c.hooks.connected != nil {
				c.hooks.connected(conn)
			}
			report(nil)

			select {
			case <-conn.Done():
				c.setState(StateDisconnected, nil)
				conn.Close()
				c.logger.Printf("studychat: transport: connection lost, retrying in %s", c.config.RetryDelay)
				if c.hooks.disconnected != nil {
					c.hooks.disconnected(errors.New("connection lost"))
				}
			case <-ctx.Done():
				c.setState(StateDisconnected, nil)
				conn.Close()
				if c.hooks.disconnected != nil {
					c.hooks.disconnected(nil)
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.RetryDelay):
		}
	}
}

func (c *Connector) setState(s ConnState, conn BrokerConn) {
	c.mu.Lock()
	c.state = s
	c.conn = conn
	c.mu.Unlock()
}
