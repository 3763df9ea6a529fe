package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nn-hair/storefront/internal/services"
)

func TestPubSubOrderPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "orders")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubOrderPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderPublisher: %v", err)
	}
	defer publisher.Stop()

	msg := services.OrderPlacedMessage{
		OrderID:     "01HZX3",
		OrderNumber: "NN-000042",
		SessionID:   "shopper-1",
		Email:       "thandi@example.co.za",
		ItemCount:   3,
		TotalMinor:  118500,
		Currency:    "ZAR",
		PlacedAt:    time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}
	if _, err := publisher.PublishOrderPlaced(ctx, msg); err != nil {
		t.Fatalf("PublishOrderPlaced: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.OrderPlacedMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderNumber != msg.OrderNumber || payload.TotalMinor != msg.TotalMinor || !payload.PlacedAt.Equal(msg.PlacedAt) {
		t.Fatalf("unexpected payload %#v", payload)
	}
	attrs := messages[0].Attributes
	if attrs["eventType"] != OrderPlacedEvent || attrs["orderNumber"] != "NN-000042" || attrs["itemCount"] != "3" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if _, ok := attrs["email"]; ok {
		t.Fatalf("buyer email should not be an attribute")
	}
}

func TestNewPubSubOrderPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubOrderPublisher(nil); err == nil {
		t.Fatal("expected error without topic")
	}
}
