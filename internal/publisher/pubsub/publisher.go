// Package pubsub publishes notifications to Google Cloud Pub/Sub topics.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/serpqueue/internal/telemetry"
)

// Publisher maps logical topics onto Pub/Sub topics in one project. A
// logical topic is used verbatim as the Pub/Sub topic ID unless TopicIDs
// overrides it.
type Publisher struct {
	client   *pubsub.Client
	topicIDs map[string]string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a Publisher bound to projectID.
func New(ctx context.Context, projectID string, topicIDs map[string]string) (*Publisher, error) {
	if projectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return NewWithClient(client, topicIDs), nil
}

// NewWithClient wraps an existing client, such as one connected to the emulator.
func NewWithClient(client *pubsub.Client, topicIDs map[string]string) *Publisher {
	return &Publisher{
		client:   client,
		topicIDs: topicIDs,
		topics:   make(map[string]*pubsub.Topic),
	}
}

// Publish marshals payload to JSON and waits for the server-assigned ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.client == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: telemetry.InjectMap(ctx, map[string]string{"event": topic}),
	}
	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = map[string]*pubsub.Topic{}
	p.mu.Unlock()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t
	}
	id := name
	if mapped, ok := p.topicIDs[name]; ok && mapped != "" {
		id = mapped
	}
	t := p.client.Topic(id)
	p.topics[name] = t
	return t
}
