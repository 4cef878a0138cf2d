package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps MemoryBus and also publishes every event to a Google
// Cloud Pub/Sub topic for durable, cross-service delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream consumers
//     (billing audit trail, ops dashboards)
//   - In-memory: immediate push to anything subscribed in-process
type PubSubBus struct {
	*MemoryBus

	client *pubsub.Client
	topic  *pubsub.Topic
	source string
	logger *log.Logger
}

// NewPubSubBus creates a Pub/Sub-backed event bus, creating the topic if it
// does not already exist.
func NewPubSubBus(projectID, topicID, source string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("[Events] created pub/sub topic", "topic_id", topicID)
	}

	// Ordering by fingerprint keeps the lifecycle of one piece of content
	// (queued -> finalized/evicted) in order for any durable subscriber.
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		MemoryBus: NewMemoryBus(),
		client:    client,
		topic:     topic,
		source:    source,
		logger:    log.New(log.Writer(), "[Events] ", log.LstdFlags),
	}
	bus.logger.Printf("connected to pub/sub topic projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

func (pb *PubSubBus) Emit(ctx context.Context, event Event) {
	pb.publish(event)
	pb.MemoryBus.Emit(ctx, event)
}

func (pb *PubSubBus) publish(event Event) {
	ce := newCloudEvent(pb.source, event)
	payload, err := ce.JSON()
	if err != nil {
		pb.logger.Printf("failed to marshal event %s: %v", ce.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": ce.SpecVersion,
			"ce-type":        ce.Type,
			"ce-source":      ce.Source,
			"ce-id":          ce.ID,
			"ce-time":        ce.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: event.Fingerprint,
	}

	result := pb.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("pub/sub publish failed: %s: %v", ce.ID, err)
		}
	}()
}

func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Bus = (*PubSubBus)(nil)
