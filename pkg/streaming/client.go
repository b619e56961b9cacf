package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hooplab/courtedge/pkg/workflow"
)

// ClientState is the subscriber connection state.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientHandlers are the subscriber's callbacks. All are optional.
type ClientHandlers struct {
	OnSnapshot   func(run workflow.Run)
	OnEvent      func(ev workflow.Event)
	OnDisconnect func(err error)
	OnGiveUp     func(err error)
}

// ClientConfig configures the subscriber.
type ClientConfig struct {
	// URL is the ws:// or wss:// endpoint for one run's event stream.
	URL string
	// Token is the credential; it is carried in the subprotocol, never in
	// the URL.
	Token string

	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int // 0 = unlimited

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultClientConfig returns a config with production defaults.
func DefaultClientConfig(url, token string) ClientConfig {
	return ClientConfig{
		URL:                  url,
		Token:                token,
		ReconnectMinDelay:    time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ReconnectMaxAttempts: 8,
		ReadTimeout:          90 * time.Second,
		WriteTimeout:         10 * time.Second,
	}
}

// Client subscribes to a run's event stream with automatic reconnection and
// exponential backoff. A server close with an application code (auth
// failure, connection limit) is treated as permanent and not retried.
type Client struct {
	config   ClientConfig
	handlers ClientHandlers

	conn   *websocket.Conn
	connMu sync.Mutex
	state  int32 // atomic ClientState

	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewClient creates a subscriber client.
func NewClient(config ClientConfig, handlers ClientHandlers) *Client {
	return &Client{
		config:   config,
		handlers: handlers,
		closeCh:  make(chan struct{}),
	}
}

// Run connects and consumes events until the server closes the stream, the
// context is canceled, or reconnection attempts are exhausted.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		if c.State() == StateClosed {
			return errors.New("client is closed")
		}

		err := c.connectAndRead(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			c.setState(StateDisconnected)
			return err
		}
		if isPermanentClose(err) {
			c.setState(StateDisconnected)
			if c.handlers.OnGiveUp != nil {
				c.handlers.OnGiveUp(err)
			}
			return err
		}

		attempts++
		if c.config.ReconnectMaxAttempts > 0 && attempts >= c.config.ReconnectMaxAttempts {
			if c.handlers.OnGiveUp != nil {
				c.handlers.OnGiveUp(err)
			}
			return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
		}

		c.setState(StateReconnecting)
		delay := backoffDelay(c.config.ReconnectMinDelay, c.config.ReconnectMaxDelay, attempts)
		log.Printf("[WS] reconnecting in %s (attempt %d)", delay, attempts)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return errors.New("client is closed")
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectAndRead(ctx context.Context) error {
	c.setState(StateConnecting)

	// Offer the bare protocol for the server to echo plus the one carrying
	// the credential.
	dialer := websocket.Dialer{
		Subprotocols:     []string{acceptedProtocol, authProtocolPrefix + c.config.Token},
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.setState(StateConnected)

	conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		deadline := time.Now().Add(c.config.WriteTimeout)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})

	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return nil
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil // run finished
			}
			if c.handlers.OnDisconnect != nil {
				c.handlers.OnDisconnect(err)
			}
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	if envelope.Type == "snapshot" {
		var msg snapshotMessage
		if err := json.Unmarshal(data, &msg); err == nil && c.handlers.OnSnapshot != nil {
			c.handlers.OnSnapshot(msg.Run)
		}
		return
	}

	var ev workflow.Event
	if err := json.Unmarshal(data, &ev); err == nil && c.handlers.OnEvent != nil {
		c.handlers.OnEvent(ev)
	}
}

// Close stops the client permanently.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closeCh)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()
	})
	return nil
}

// State returns the current connection state.
func (c *Client) State() ClientState {
	return ClientState(atomic.LoadInt32(&c.state))
}

func (c *Client) setState(s ClientState) {
	atomic.StoreInt32(&c.state, int32(s))
}

// isPermanentClose reports whether the server rejected us with an
// application close code that retrying cannot fix.
func isPermanentClose(err error) bool {
	return websocket.IsCloseError(err, CloseAuthFailure, CloseTooManyConnections)
}

func backoffDelay(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = time.Second
	}
	d := min << uint(attempt-1)
	if max > 0 && (d > max || d <= 0) {
		d = max
	}
	return d
}
