package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/congreso-crawler/internal/events"
)

// PubSubSink forwards every event to a Pub/Sub topic so that consumers
// outside the process can subscribe to "<source>:<kind>" topics by attribute.
type PubSubSink struct {
	topic *pubsub.Topic
}

type message struct {
	Source    string    `json:"source"`
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id"`
	URL       string    `json:"url,omitempty"`
	ID        string    `json:"id,omitempty"`
	Value     any       `json:"value,omitempty"`
	TS        time.Time `json:"ts"`
}

// NewPubSubSink creates a sink publishing to topic.
func NewPubSubSink(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &PubSubSink{topic: topic}, nil
}

// Consume publishes the batch and waits for every server acknowledgement.
func (s *PubSubSink) Consume(ctx context.Context, batch []events.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	var errs []error
	for _, evt := range batch {
		data, err := json.Marshal(message{
			Source:    evt.Source,
			Kind:      string(evt.Kind),
			SessionID: evt.SessionID.String(),
			URL:       evt.URL,
			ID:        evt.EntityID,
			Value:     evt.Value,
			TS:        evt.TS.UTC(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal %s: %w", evt.Topic(), err))
			continue
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data:       data,
			Attributes: map[string]string{"topic": evt.Topic(), "source": evt.Source},
		}))
	}
	for _, result := range results {
		if _, err := result.Get(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publish message: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending messages and stops the topic's publish goroutines.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}
