package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/storyflow/pkg/channels/gochannel"
	"github.com/dukex/storyflow/pkg/channels/kafka"
	"github.com/dukex/storyflow/pkg/eventbus"
)

// PubSub is a watermill transport shared by the event buses of one process.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// NewPubSub creates the transport named by provider: "gochannel" or "kafka".
func NewPubSub(provider, serviceName, brokers string, logger *slog.Logger) (*PubSub, error) {
	watermillLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermillLogger, serviceName, kafka.ParseBrokers(brokers))
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return &PubSub{Publisher: pub, Subscriber: sub}, nil
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(watermillLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create GoChannel pub/sub: %w", err)
		}

		return &PubSub{Publisher: pub, Subscriber: sub}, nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}

// EventBus wraps the transport in an event bus with its own subscriptions.
func (p *PubSub) EventBus() eventbus.EventBus {
	return eventbus.NewWatermillEventBus(p.Publisher, p.Subscriber)
}
