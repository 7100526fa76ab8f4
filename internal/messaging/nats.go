// Package messaging carries the chat server's moderation feed over NATS:
// every report, auto-hide, resolution, deletion and suspension is published
// on a chat.moderation.<event> subject for downstream consumers.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectModeration    = "chat.moderation"   // + .<event>
	SubjectModerationAll = "chat.moderation.>" // wildcard for consumers

	reconnectWait = 2 * time.Second
)

// Client is a NATS connection that remembers its subscriptions so Close
// can drain them before the connection itself.
type Client struct {
	nc  *nats.Conn
	log *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Dial connects to url under the given client name. The connection retries
// forever after a disconnect; extra options are applied last and can
// override that.
func Dial(url, name string, logger *zap.Logger, extra ...nats.Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("nats")

	opts := append([]nats.Option{
		nats.Name(name),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}, extra...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", url, err)
	}
	log.Info("connected", zap.String("url", nc.ConnectedUrl()), zap.String("name", name))
	return &Client{nc: nc, log: log}, nil
}

// Publish implements Publisher.
func (c *Client) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

// Subscribe registers handler on subject until Close.
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) error {
	sub, err := c.nc.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Flush blocks until the server has processed everything sent so far.
func (c *Client) Flush(timeout time.Duration) error {
	return c.nc.FlushTimeout(timeout)
}

// Close drains subscriptions, then the connection.
func (c *Client) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain subscription", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	if err := c.nc.Drain(); err != nil {
		c.log.Warn("drain connection", zap.Error(err))
		c.nc.Close()
	}
}
