// Package loadtest drives simulated chat users against a running server. It
// connects with gobwas/ws (the same library the server uses), speaks the
// region protocol, and collects latency figures for a summary report.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/festival/regionchat/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated user connection. Incoming events are
// dispatched to handlers registered by type.
type Client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// WithToken returns serverURL with the credential set as the token query
// parameter.
func WithToken(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to serverURL as the user behind token. Handlers must be
// registered with On before Start is called.
func Dial(ctx context.Context, serverURL, token string) (*Client, error) {
	target, err := WithToken(serverURL, token)
	if err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)
	return c, nil
}

// On registers a handler for a server event type. Handlers run on the read
// loop goroutine and should not block. Registering a type twice replaces
// the first handler.
func (c *Client) On(eventType string, handler func(json.RawMessage)) {
	c.handlers[eventType] = handler
}

// Start begins reading events in the background.
func (c *Client) Start() {
	go c.readLoop()
}

// Send writes one client frame. It is goroutine-safe.
func (c *Client) Send(frame protocol.Frame) error {
	data, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.addError()
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// Join enters region.
func (c *Client) Join(region string) error {
	return c.Send(protocol.JoinRegionFrame{Region: region})
}

// SendMessage posts content to the joined region.
func (c *Client) SendMessage(content string) error {
	return c.Send(protocol.SendMessageFrame{Content: content})
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) addError() {
	c.mu.Lock()
	c.metrics.Errors++
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Closed on purpose.
			default:
				c.addError()
			}
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		if envelope.Type == protocol.TypeError {
			c.addError()
		}
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}

// encodeFrame adds the type discriminator to a typed frame.
func encodeFrame(f protocol.Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	fields["type"], _ = json.Marshal(f.FrameType())
	return json.Marshal(fields)
}
