package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/nn-hair/storefront/internal/services"
)

// OrderPlacedEvent is the eventType attribute on order messages.
const OrderPlacedEvent = "order.placed"

// PubSubOrderPublisher publishes placed orders to a Pub/Sub topic for fulfilment workers.
type PubSubOrderPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderPublisher)(nil)

// NewPubSubOrderPublisher constructs a Pub/Sub backed order publisher.
func NewPubSubOrderPublisher(topic *pubsub.Topic) (*PubSubOrderPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	return &PubSubOrderPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderPlaced sends message and waits for the broker to acknowledge it.
func (p *PubSubOrderPublisher) PublishOrderPlaced(ctx context.Context, message services.OrderPlacedMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal order message: %w", err)
	}

	attrs := map[string]string{"eventType": OrderPlacedEvent}
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "orderNumber", message.OrderNumber)
	setAttr(attrs, "currency", message.Currency)
	attrs["itemCount"] = strconv.Itoa(message.ItemCount)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish order %s: %w", message.OrderID, err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *PubSubOrderPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
