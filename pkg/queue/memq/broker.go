// Package memq is an in-process queue transport.
//
// It reproduces the delivery semantics of the hosted transports closely
// enough for tests and the single-process local mode: topic fan-out,
// visibility timeouts with redelivery, and a dead-letter list per queue.
package memq

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/3leaps/annopipe/pkg/queue"
)

// DefaultVisibilityTimeout matches the hosted queue default.
const DefaultVisibilityTimeout = 30 * time.Second

// pollInterval bounds how long Receive sleeps before re-checking for
// messages whose visibility timeout expired.
const pollInterval = 25 * time.Millisecond

// DeadMessage is a dead-lettered message with the reason it was moved.
type DeadMessage struct {
	queue.Message
	Reason string
}

type entry struct {
	msg       queue.Message
	hiddenTil time.Time
}

type memQueue struct {
	entries []*entry
	dead    []DeadMessage
}

// Broker holds every topic and queue. It is safe for concurrent use.
type Broker struct {
	mu         sync.Mutex
	subs       queue.Subscriptions
	queues     map[string]*memQueue
	visibility time.Duration
	now        func() time.Time
	seq        int64
	wake       chan struct{}
}

var _ queue.Publisher = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

// WithVisibilityTimeout sets how long a received message stays hidden.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Broker) { b.visibility = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// NewBroker creates a broker with the given topic subscriptions.
func NewBroker(subs queue.Subscriptions, opts ...Option) *Broker {
	b := &Broker{
		subs:       queue.Subscriptions{},
		queues:     map[string]*memQueue{},
		visibility: DefaultVisibilityTimeout,
		now:        time.Now,
		wake:       make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	for topic, queues := range subs {
		for _, q := range queues {
			b.Subscribe(topic, q)
		}
	}
	return b
}

// Subscribe routes messages published on topic to queueName.
func (b *Broker) Subscribe(topic, queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.subs[topic] {
		if existing == queueName {
			return
		}
	}
	b.subs[topic] = append(b.subs[topic], queueName)
	if _, ok := b.queues[queueName]; !ok {
		b.queues[queueName] = &memQueue{}
	}
}

// Publish appends body to every queue subscribed to topic. A topic with no
// subscribers drops the message, as a hosted topic would.
func (b *Broker) Publish(ctx context.Context, topic string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	for _, name := range b.subs[topic] {
		b.seq++
		id := strconv.FormatInt(b.seq, 10)
		data := append([]byte(nil), body...)
		b.queues[name].entries = append(b.queues[name].entries, &entry{
			msg: queue.Message{ID: id, Body: data},
		})
	}
	wake := b.wake
	b.wake = make(chan struct{})
	b.mu.Unlock()
	close(wake)
	return nil
}

// Consumer returns a consumer draining queueName.
func (b *Broker) Consumer(queueName string) (*Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queueName]; !ok {
		return nil, fmt.Errorf("memq: unknown queue %q", queueName)
	}
	return &Consumer{broker: b, queue: queueName}, nil
}

// Depth counts live messages in queueName, visible or not.
func (b *Broker) Depth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	return len(q.entries)
}

// DeadLetters returns a copy of queueName's dead-letter list.
func (b *Broker) DeadLetters(queueName string) []DeadMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	return append([]DeadMessage(nil), q.dead...)
}

// Queues lists queue names in order.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for n := range b.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// take hides and returns up to max visible messages.
func (b *Broker) take(queueName string, max int) ([]queue.Message, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queueName]
	now := b.now()
	var out []queue.Message
	for _, e := range q.entries {
		if len(out) >= max {
			break
		}
		if now.Before(e.hiddenTil) {
			continue
		}
		b.seq++
		e.hiddenTil = now.Add(b.visibility)
		e.msg.Attempts++
		e.msg.Receipt = e.msg.ID + ":" + strconv.FormatInt(b.seq, 10)
		m := e.msg
		m.Body = append([]byte(nil), e.msg.Body...)
		out = append(out, m)
	}
	return out, b.wake
}

// remove deletes the entry holding receipt and reports whether it was found.
func (b *Broker) remove(queueName, receipt string) (queue.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queueName]
	for i, e := range q.entries {
		if e.msg.Receipt == receipt {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e.msg, true
		}
	}
	return queue.Message{}, false
}

// Consumer drains one broker queue.
type Consumer struct {
	broker *Broker
	queue  string
}

var _ queue.Consumer = (*Consumer)(nil)

func (c *Consumer) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		msgs, wake := c.broker.take(c.queue, max)
		if len(msgs) > 0 {
			return msgs, nil
		}
		if wait <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

// Ack removes the delivery. A stale receipt (the message was redelivered
// since) is ignored.
func (c *Consumer) Ack(ctx context.Context, msg queue.Message) error {
	_ = ctx
	c.broker.remove(c.queue, msg.Receipt)
	return nil
}

func (c *Consumer) DeadLetter(ctx context.Context, msg queue.Message, reason string) error {
	_ = ctx
	stored, ok := c.broker.remove(c.queue, msg.Receipt)
	if !ok {
		return nil
	}
	c.broker.mu.Lock()
	q := c.broker.queues[c.queue]
	q.dead = append(q.dead, DeadMessage{Message: stored, Reason: reason})
	c.broker.mu.Unlock()
	return nil
}
