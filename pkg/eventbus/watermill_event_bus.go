package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/storyflow/pkg/events"
	"github.com/dukex/storyflow/pkg/log"
	"github.com/dukex/storyflow/pkg/otelhelper"
)

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger

	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		logger:        log.WithModule("eventbus"),
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.GetType(), err)
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))
	otelhelper.Inject(ctx, msg.Metadata)

	err = eb.publisher.Publish(events.Topic, msg)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.GetType(), err)
	}

	return nil
}

// NewEvent returns an empty event value for eventType, ready to be decoded into.
func NewEvent(eventType events.EventType) (any, bool) {
	switch eventType {
	case events.GenerationRequestedEvent:
		return &events.GenerationRequested{}, true
	case events.GenerationProgressEvent:
		return &events.GenerationProgress{}, true
	case events.GenerationSucceededEvent:
		return &events.GenerationSucceeded{}, true
	case events.GenerationFailedEvent:
		return &events.GenerationFailed{}, true
	case events.TakeCreatedEvent:
		return &events.TakeCreated{}, true
	case events.TakeCompletedEvent:
		return &events.TakeCompleted{}, true
	case events.TakeFailedEvent:
		return &events.TakeFailed{}, true
	case events.TakeDeletedEvent:
		return &events.TakeDeleted{}, true
	case events.ActiveTakeChangedEvent:
		return &events.ActiveTakeChanged{}, true
	default:
		return nil, false
	}
}

// Subscribe starts delivering events to the registered handlers until ctx is
// done. Messages are acked once handled; a handler error is logged and the
// message is not redelivered.
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", events.Topic, err)
	}

	go func() {
		for msg := range messages {
			eb.dispatch(ctx, msg)
			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) dispatch(ctx context.Context, msg *message.Message) {
	eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

	eb.mu.RLock()
	handler, exists := eb.subscriptions[eventType]
	eb.mu.RUnlock()

	if !exists {
		return
	}

	event, ok := NewEvent(eventType)
	if !ok {
		eb.logger.WarnContext(ctx, "Unknown event type", "event_type", eventType, "message_id", msg.UUID)

		return
	}

	err := json.Unmarshal(msg.Payload, event)
	if err != nil {
		eb.logger.ErrorContext(ctx, "Failed to unmarshal event", "event_type", eventType, "error", err)

		return
	}

	msgCtx := otelhelper.Extract(ctx, msg.Metadata)

	err = handler(msgCtx, event)
	if err != nil {
		eb.logger.ErrorContext(msgCtx, "Failed to handle event",
			"event_type", eventType,
			"key", msg.Metadata.Get(events.EventMetadataKey),
			"error", err,
		)
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
