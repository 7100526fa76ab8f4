package moderation

import (
	"context"
	"time"

	"github.com/festival/regionchat/internal/protocol"
)

// EventKind names a moderation state change.
type EventKind string

const (
	EventReported  EventKind = "reported"
	EventHidden    EventKind = "hidden"
	EventResolved  EventKind = "resolved"
	EventDeleted   EventKind = "deleted"
	EventSuspended EventKind = "suspended"
)

// Event is published to the moderation feed after a state change has been
// committed to the store.
type Event struct {
	Kind        EventKind `json:"event"`
	MessageID   int64     `json:"messageId"`
	Region      string    `json:"region"`
	ReportID    int64     `json:"reportId,omitempty"`
	ActorUserID int64     `json:"actorUserId"`
	ReportCount int       `json:"reportCount,omitempty"`
	Status      string    `json:"status,omitempty"`
	At          time.Time `json:"at"`
}

// EventPublisher delivers moderation events to external consumers.
// Publishing is best effort; errors are logged, never surfaced to clients.
type EventPublisher interface {
	PublishModeration(ctx context.Context, ev Event) error
}

// Sanctioner records a strike against the author of a message removed by
// moderation and returns the suspension it triggered, if any. A message
// counts once no matter how many removals it goes through.
type Sanctioner interface {
	Strike(ctx context.Context, userID, messageID int64, reason string) (time.Duration, error)
}

// Notifier fans an event out to a region's live connections.
type Notifier interface {
	Broadcast(region string, ev protocol.Event) int
}

type noopPublisher struct{}

func (noopPublisher) PublishModeration(context.Context, Event) error { return nil }

// NoopPublisher discards every event.
var NoopPublisher EventPublisher = noopPublisher{}

// DeletedEvent is the region broadcast for a removed or hidden message.
func DeletedEvent(messageID int64) protocol.Event {
	return protocol.Event{
		Type:    protocol.TypeMessageDeleted,
		Payload: protocol.MessageDeletedEvent{MessageID: messageID},
	}
}
