package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-process Bus and additionally forwards every envelope
// to a Cloud Pub/Sub topic for durable, cross-service delivery. Downstream
// LIMS services (notifications, reports) consume the topic; in-process
// handlers and WebSocket subscribers are served by the embedded Bus.
//
// Forwarding rides on a bus subscription, so events emitted by handlers are
// forwarded as well, not only direct publishes.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	feed   chan *Envelope
	done   chan struct{}
	logger *log.Logger
}

// NewPubSubBus connects to Pub/Sub and creates the topic if it does not exist.
func NewPubSubBus(projectID, topicID string, opts Options) (*PubSubBus, error) {
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
		slog.Info("created Pub/Sub topic", "topic_id", topicID)
	}

	// Order by correlation id so all events of one saga arrive in sequence.
	topic.EnableMessageOrdering = true

	bus := NewBus(opts)
	pb := &PubSubBus{
		Bus:    bus,
		client: client,
		topic:  topic,
		feed:   bus.Subscribe(),
		done:   make(chan struct{}),
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	go pb.forwardLoop()

	pb.logger.Printf("connected to Pub/Sub topic projects/%s/topics/%s", projectID, topicID)
	return pb, nil
}

func (pb *PubSubBus) forwardLoop() {
	for {
		select {
		case env, ok := <-pb.feed:
			if !ok {
				return
			}
			pb.forward(env)
		case <-pb.done:
			return
		}
	}
}

func (pb *PubSubBus) forward(env *Envelope) {
	payload, err := env.JSON()
	if err != nil {
		pb.logger.Printf("serialize %s failed: %v", env.ID, err)
		return
	}

	orderingKey := env.CorrelationID
	if orderingKey == "" {
		orderingKey = env.EntityID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result := pb.topic.Publish(ctx, &pubsub.Message{
		Data:        payload,
		OrderingKey: orderingKey,
		Attributes: map[string]string{
			"event_type":     env.Type,
			"entity_type":    env.EntityType,
			"entity_id":      env.EntityID,
			"correlation_id": env.CorrelationID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		pb.logger.Printf("Pub/Sub publish failed for %s (%s): %v", env.ID, env.Type, err)
	}
}

// Close stops forwarding and shuts down the Pub/Sub client.
func (pb *PubSubBus) Close() error {
	close(pb.done)
	pb.Bus.Unsubscribe(pb.feed)
	pb.topic.Stop()
	return pb.client.Close()
}
