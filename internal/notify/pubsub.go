package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"assessment-sync/internal/config"
)

// Publisher publishes one message and returns its server ID.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

type topicPublisher struct {
	topic *pubsub.Topic
}

func (p topicPublisher) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	res := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	return res.Get(ctx)
}

// NewTopicPublisher opens a Pub/Sub client for cfg. The returned close func
// stops the topic and closes the client.
func NewTopicPublisher(ctx context.Context, cfg config.PubSubConfig) (Publisher, func() error, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, nil, errors.New("pubsub project_id and topic are required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	t := client.Topic(cfg.Topic)
	closeFn := func() error {
		t.Stop()
		return client.Close()
	}
	return topicPublisher{topic: t}, closeFn, nil
}

// PubSubChannel forwards notifications to a Pub/Sub topic as JSON.
type PubSubChannel struct {
	topic     string
	publisher Publisher
}

func NewPubSubChannel(topic string, p Publisher) *PubSubChannel {
	return &PubSubChannel{topic: topic, publisher: p}
}

func (c *PubSubChannel) Name() string      { return "pubsub" }
func (c *PubSubChannel) Recipient() string { return c.topic }

func (c *PubSubChannel) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(map[string]any{
		"subject":   n.Subject,
		"message":   n.Message,
		"severity":  n.Severity,
		"metadata":  n.Metadata,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	attrs := map[string]string{"severity": string(n.Severity)}
	if topic, ok := n.Metadata["topic"].(string); ok {
		attrs["topic"] = topic
	}
	_, err = c.publisher.Publish(ctx, data, attrs)
	return err
}
