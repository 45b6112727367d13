package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/streamprobe/streamprobe/pkg/events"
	"github.com/streamprobe/streamprobe/pkg/interfaces"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "streamprobe"

// mirroredTypes is every engine event worth putting on the wire.
var mirroredTypes = []string{
	events.EventTypeTestStarted,
	events.EventTypeTestProgress,
	events.EventTypeTestBandwidth,
	events.EventTypeTestCompleted,
	events.EventTypeQueueUpdated,
	events.EventTypeRunCreated,
	events.EventTypeRunStarted,
	events.EventTypeRunProgress,
	events.EventTypeRunCompleted,
	events.EventTypeRunPaused,
	events.EventTypeRunResumed,
	events.EventTypeRunCancelled,
	events.EventTypeRunError,
	events.EventTypeScheduleFired,
	events.EventTypeScanStarted,
	events.EventTypeScanCompleted,
	events.EventTypeScanError,
}

// Publisher mirrors in-process engine events onto NATS subjects so
// dashboards and other processes can follow a test run live. Events
// are fire-and-forget telemetry; a publish failure never disturbs the
// engine.
type Publisher struct {
	client *Client
	prefix string
	logger *zap.Logger
}

// NewPublisher creates a NATS event publisher.
func NewPublisher(client *Client, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		logger: logger.Named("publisher"),
	}
}

// Attach subscribes the publisher to every mirrored event type on the
// in-process bus.
func (p *Publisher) Attach(bus interfaces.EventBus) error {
	for _, eventType := range mirroredTypes {
		handler := &events.HandlerFunc{
			Type: eventType,
			Fn:   p.publish,
		}
		if err := bus.Subscribe(eventType, handler); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", eventType, err)
		}
	}
	return nil
}

// envelope is the wire form of a mirrored event.
type envelope struct {
	Type        string      `json:"type"`
	AggregateID string      `json:"aggregate_id,omitempty"`
	OccurredAt  time.Time   `json:"occurred_at"`
	Data        interface{} `json:"data,omitempty"`
}

func (p *Publisher) publish(ctx context.Context, event interfaces.Event) error {
	subject := fmt.Sprintf("%s.%s", p.prefix, event.EventType())

	env := envelope{
		Type:        event.EventType(),
		AggregateID: event.AggregateID(),
		OccurredAt:  time.Unix(0, event.Timestamp()),
	}
	if base, ok := event.(*events.BaseEvent); ok {
		env.Data = base.Data
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Conn().Publish(subject, data); err != nil {
		p.logger.Warn("failed to mirror event",
			zap.Error(err),
			zap.String("event_type", event.EventType()),
			zap.String("subject", subject),
		)
		return err
	}
	return nil
}
