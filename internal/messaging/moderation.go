package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/festival/regionchat/internal/moderation"
)

// Publisher is the subset of Client the moderation feed needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ModerationFeed publishes moderation events as JSON on
// chat.moderation.<event>.
type ModerationFeed struct {
	pub Publisher
}

// NewModerationFeed creates a feed over pub.
func NewModerationFeed(pub Publisher) *ModerationFeed {
	return &ModerationFeed{pub: pub}
}

// ModerationSubject returns the subject an event kind is published on.
func ModerationSubject(kind moderation.EventKind) string {
	return SubjectModeration + "." + string(kind)
}

// PublishModeration implements moderation.EventPublisher.
func (f *ModerationFeed) PublishModeration(ctx context.Context, ev moderation.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: encode moderation event: %w", err)
	}
	if err := f.pub.Publish(ModerationSubject(ev.Kind), data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", ev.Kind, err)
	}
	return nil
}

// SubscribeModeration delivers every moderation event to handler. Payloads
// that do not decode are skipped.
func (c *Client) SubscribeModeration(handler func(moderation.Event)) error {
	return c.Subscribe(SubjectModerationAll, func(msg *nats.Msg) {
		var ev moderation.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.Debug("skip undecodable moderation event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handler(ev)
	})
}

var _ moderation.EventPublisher = (*ModerationFeed)(nil)
