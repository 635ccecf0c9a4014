package publish

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
)

// PubSubConfig captures the parameters for the Pub/Sub publisher.
type PubSubConfig struct {
	// ProjectID is the Google Cloud project owning the topic.
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`
	// Topic is the topic id events are published to.
	Topic string `mapstructure:"topic" yaml:"topic"`
}

// PubSub publishes events to a Google Cloud Pub/Sub topic. Publishes
// block until the server acknowledges, so a returned id means the
// message is durable.
type PubSub struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	owned     bool
}

var _ Publisher = (*PubSub)(nil)

func fullTopicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

// NewPubSub dials Pub/Sub with application default credentials and
// verifies the topic exists and is active before returning.
func NewPubSub(ctx context.Context, cfg PubSubConfig) (*PubSub, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("project id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	name := fullTopicName(cfg.ProjectID, cfg.Topic)
	topic, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name})
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			return nil, fmt.Errorf("get pubsub topic %q: %w (close client: %v)", cfg.Topic, err, closeErr)
		}
		return nil, fmt.Errorf("get pubsub topic %q: %w", cfg.Topic, err)
	}
	if topic.State != pubsubpb.Topic_ACTIVE {
		if closeErr := client.Close(); closeErr != nil {
			return nil, fmt.Errorf("pubsub topic %q is not active (close client: %v)", cfg.Topic, closeErr)
		}
		return nil, fmt.Errorf("pubsub topic %q is not active", cfg.Topic)
	}

	return &PubSub{
		client:    client,
		publisher: client.Publisher(name),
		owned:     true,
	}, nil
}

// NewPubSubWithPublisher wraps an existing topic publisher. The caller
// keeps ownership of the underlying client.
func NewPubSubWithPublisher(publisher *pubsub.Publisher) *PubSub {
	return &PubSub{publisher: publisher}
}

// Publish marshals the payload to JSON and publishes it. The topic
// argument is ignored; the publisher is bound to its topic at
// construction.
func (p *PubSub) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close releases the client if this publisher created it.
func (p *PubSub) Close() error {
	if !p.owned || p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier over message
// attributes so trace context travels with each event.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
