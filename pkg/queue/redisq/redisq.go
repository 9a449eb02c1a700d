// Package redisq implements the queue transport on Redis Streams.
//
// Each queue is a stream read through a consumer group. Publishing to a
// topic appends to every subscribed stream. Entries that stay pending longer
// than the visibility timeout are reclaimed with XAUTOCLAIM, which is how a
// crashed or slow consumer's messages get redelivered.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/3leaps/annopipe/pkg/queue"
)

const (
	bodyField   = "body"
	reasonField = "reason"
	sourceField = "source_id"

	// DefaultVisibilityTimeout is the idle time after which a pending entry
	// is reclaimed.
	DefaultVisibilityTimeout = 30 * time.Second

	// DefaultGroup is the consumer group name used by every stage.
	DefaultGroup = "annopipe"
)

// DeadStream is the stream receiving dead-lettered entries of stream.
func DeadStream(stream string) string {
	return stream + ":dead"
}

// Publisher appends to the streams subscribed to each topic.
type Publisher struct {
	rdb    redis.Cmdable
	subs   queue.Subscriptions
	maxLen int64
}

var _ queue.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher. maxLen caps each stream approximately;
// zero leaves streams unbounded.
func NewPublisher(rdb redis.Cmdable, subs queue.Subscriptions, maxLen int64) *Publisher {
	return &Publisher{rdb: rdb, subs: subs, maxLen: maxLen}
}

func (p *Publisher) Publish(ctx context.Context, topic string, body []byte) error {
	for _, stream := range p.subs[topic] {
		args := &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{bodyField: string(body)},
		}
		if p.maxLen > 0 {
			args.MaxLen = p.maxLen
			args.Approx = true
		}
		if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("redis xadd %s: %w", stream, err)
		}
	}
	return nil
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Stream            string
	Group             string
	Consumer          string
	VisibilityTimeout time.Duration
}

// Consumer reads one stream through a consumer group.
type Consumer struct {
	rdb        redis.Cmdable
	stream     string
	group      string
	consumer   string
	visibility time.Duration
}

var _ queue.Consumer = (*Consumer)(nil)

// NewConsumer creates the consumer group if needed and returns a consumer.
func NewConsumer(ctx context.Context, rdb redis.Cmdable, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Stream == "" {
		return nil, errors.New("redisq: stream is required")
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		return nil, errors.New("redisq: consumer name is required")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	err := rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("redis create group %s/%s: %w", cfg.Stream, cfg.Group, err)
	}
	return &Consumer{
		rdb:        rdb,
		stream:     cfg.Stream,
		group:      cfg.Group,
		consumer:   cfg.Consumer,
		visibility: cfg.VisibilityTimeout,
	}, nil
}

// Receive first reclaims entries idle past the visibility timeout, then
// reads new entries, blocking up to wait.
func (c *Consumer) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	if max <= 0 {
		max = 1
	}
	claimed, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis xautoclaim %s: %w", c.stream, err)
	}
	if len(claimed) > 0 {
		return toMessages(claimed, 0), nil
	}

	block := wait
	if block <= 0 {
		// go-redis treats 0 as block forever; negative omits BLOCK.
		block = -1
	}
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis xreadgroup %s: %w", c.stream, err)
	}
	var out []queue.Message
	for _, s := range streams {
		out = append(out, toMessages(s.Messages, 1)...)
	}
	return out, nil
}

func (c *Consumer) Ack(ctx context.Context, msg queue.Message) error {
	if err := c.rdb.XAck(ctx, c.stream, c.group, msg.Receipt).Err(); err != nil {
		return fmt.Errorf("redis xack %s %s: %w", c.stream, msg.Receipt, err)
	}
	return nil
}

// DeadLetter appends the entry to the dead stream, then acks the original.
func (c *Consumer) DeadLetter(ctx context.Context, msg queue.Message, reason string) error {
	err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadStream(c.stream),
		Values: map[string]any{
			bodyField:   string(msg.Body),
			reasonField: reason,
			sourceField: msg.ID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis dead-letter %s: %w", msg.ID, err)
	}
	return c.Ack(ctx, msg)
}

// toMessages converts stream entries. attempts is 1 for fresh reads and 0
// (unknown) for reclaimed entries.
func toMessages(entries []redis.XMessage, attempts int) []queue.Message {
	out := make([]queue.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, queue.Message{
			ID:       e.ID,
			Body:     entryBody(e.Values),
			Receipt:  e.ID,
			Attempts: attempts,
		})
	}
	return out
}

func entryBody(values map[string]any) []byte {
	switch v := values[bodyField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}
