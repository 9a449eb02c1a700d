// Package queue defines the at-least-once transport between pipeline stages.
//
// Producers publish to a topic; each topic fans out to one or more queues,
// and each queue is drained by a single stage. A received message stays
// invisible for the transport's visibility timeout and is redelivered unless
// it is acknowledged or dead-lettered before the timeout expires.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one delivery of a queued document.
type Message struct {
	// ID is the transport's stable id for the document.
	ID string

	// Body is the document with any transport envelope removed.
	Body []byte

	// Receipt is the handle used to ack or dead-letter this delivery.
	Receipt string

	// Attempts counts deliveries including this one, when the transport
	// reports it. Zero means unknown.
	Attempts int
}

// Publisher sends a document to every queue subscribed to topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// Consumer drains one queue.
type Consumer interface {
	// Receive returns up to max messages, waiting at most wait for the first.
	// An empty result with a nil error means the wait elapsed.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)

	// Ack removes the message permanently.
	Ack(ctx context.Context, msg Message) error

	// DeadLetter moves the message to the queue's dead-letter destination and
	// removes it from the live queue.
	DeadLetter(ctx context.Context, msg Message, reason string) error
}

// PublishJSON marshals v and publishes it.
func PublishJSON(ctx context.Context, p Publisher, topic string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	if err := p.Publish(ctx, topic, body); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscriptions maps each topic to the queues that receive its messages.
type Subscriptions map[string][]string

// DefaultSubscriptions wires every topic to a queue of the same name.
func DefaultSubscriptions(topics ...string) Subscriptions {
	subs := make(Subscriptions, len(topics))
	for _, t := range topics {
		subs[t] = []string{t}
	}
	return subs
}
