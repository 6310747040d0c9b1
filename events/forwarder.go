package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/songzhibin97/production-workflow/types"
)

// Topic carries production events to out-of-process consumers.
const Topic = "production.events"

// Message metadata keys.
const (
	MetadataEventType = "event_type"
	MetadataEntityRef = "entity_ref"
)

// NewChannel creates an in-process watermill pub/sub.
func NewChannel(logger *slog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
}

// Forwarder republishes bus events on a watermill publisher so that external
// platform effects run outside the request path.
type Forwarder struct {
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
	filter    func(Event) bool
}

// NewForwarder creates a forwarder. Only events with external effects, and
// overdue deadline events, are forwarded.
func NewForwarder(publisher message.Publisher, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		publisher: publisher,
		topic:     Topic,
		logger:    logger.With("module", "event-forwarder"),
		filter: func(e Event) bool {
			return e.Type == DeadlineOverdue || e.HasEffect(types.EffectExternal)
		},
	}
}

// Handle implements EventHandler.
func (f *Forwarder) Handle(ctx context.Context, event Event) error {
	if !f.filter(event) {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	msg := message.NewMessage(event.ID, payload)
	// The message outlives the publish call, so it must not carry its deadline.
	msg.SetContext(context.WithoutCancel(ctx))
	msg.Metadata.Set(MetadataEventType, event.Type)
	msg.Metadata.Set(MetadataEntityRef, event.Ref.String())

	if err := f.publisher.Publish(f.topic, msg); err != nil {
		f.logger.Error("Failed to forward event", "event_id", event.ID, "error", err)
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}
	f.logger.Debug("Forwarded event", "event_id", event.ID, "event_type", event.Type, "ref", event.Ref.String())
	return nil
}

// Decode reads an event back from a forwarded message.
func Decode(msg *message.Message) (Event, error) {
	var e Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return e, fmt.Errorf("decode event %s: %w", msg.UUID, err)
	}
	return e, nil
}
