// Package sqs implements the queue transport on AWS SNS topics fanned out to
// SQS queues.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/3leaps/annopipe/pkg/queue"
)

// SQS limits for a single ReceiveMessage call.
const (
	MaxMessagesPerReceive = 10
	MaxWaitTime           = 20 * time.Second
)

// SNSAPI is the subset of the SNS client used by Publisher.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SQSAPI is the subset of the SQS client used by Consumer.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
}

// Publisher publishes to SNS topics by logical topic name.
type Publisher struct {
	client    SNSAPI
	topicARNs map[string]string
}

var _ queue.Publisher = (*Publisher)(nil)

// NewPublisher maps logical topic names to SNS topic ARNs.
func NewPublisher(client SNSAPI, topicARNs map[string]string) *Publisher {
	arns := make(map[string]string, len(topicARNs))
	for k, v := range topicARNs {
		arns[k] = v
	}
	return &Publisher{client: client, topicARNs: arns}
}

func (p *Publisher) Publish(ctx context.Context, topic string, body []byte) error {
	arn, ok := p.topicARNs[topic]
	if !ok || arn == "" {
		return fmt.Errorf("sns: no topic ARN configured for %q", topic)
	}
	_, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(arn),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sns publish %s: %w", topic, err)
	}
	return nil
}

// ErrNoDeadLetterQueue is returned by DeadLetter when no DLQ URL is set. The
// message then stays on the queue and the queue's redrive policy applies.
var ErrNoDeadLetterQueue = errors.New("sqs: no dead-letter queue configured")

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	QueueURL           string
	DeadLetterQueueURL string

	// VisibilityTimeout overrides the queue default when positive.
	VisibilityTimeout time.Duration
}

// Consumer drains one SQS queue.
type Consumer struct {
	client     SQSAPI
	queueURL   string
	dlqURL     string
	visibility time.Duration
}

var _ queue.Consumer = (*Consumer)(nil)

func NewConsumer(client SQSAPI, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs: queue URL is required")
	}
	return &Consumer{
		client:     client,
		queueURL:   cfg.QueueURL,
		dlqURL:     cfg.DeadLetterQueueURL,
		visibility: cfg.VisibilityTimeout,
	}, nil
}

func (c *Consumer) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	in := &awssqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(c.queueURL),
		MaxNumberOfMessages:         int32(clamp(max, 1, MaxMessagesPerReceive)),
		WaitTimeSeconds:             int32(clamp(int(wait/time.Second), 0, int(MaxWaitTime/time.Second))),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	}
	if c.visibility > 0 {
		in.VisibilityTimeout = int32(c.visibility / time.Second)
	}
	out, err := c.client.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	msgs := make([]queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		attempts, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		msgs = append(msgs, queue.Message{
			ID:       aws.ToString(m.MessageId),
			Body:     UnwrapEnvelope([]byte(aws.ToString(m.Body))),
			Receipt:  aws.ToString(m.ReceiptHandle),
			Attempts: attempts,
		})
	}
	return msgs, nil
}

func (c *Consumer) Ack(ctx context.Context, msg queue.Message) error {
	_, err := c.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete %s: %w", msg.ID, err)
	}
	return nil
}

// DeadLetter copies the message to the dead-letter queue with the reason as
// a message attribute, then deletes the original.
func (c *Consumer) DeadLetter(ctx context.Context, msg queue.Message, reason string) error {
	if c.dlqURL == "" {
		return ErrNoDeadLetterQueue
	}
	_, err := c.client.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:    aws.String(c.dlqURL),
		MessageBody: aws.String(string(msg.Body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"dead_letter_reason": {DataType: aws.String("String"), StringValue: aws.String(truncate(reason, 1024))},
			"source_message_id":  {DataType: aws.String("String"), StringValue: aws.String(msg.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs dead-letter %s: %w", msg.ID, err)
	}
	return c.Ack(ctx, msg)
}

// snsEnvelope is the wrapper SNS adds when delivering to SQS without raw
// message delivery.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// UnwrapEnvelope returns the inner document of an SNS notification, or body
// unchanged when it is not one.
func UnwrapEnvelope(body []byte) []byte {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	if env.Type != "Notification" || env.Message == "" {
		return body
	}
	return []byte(env.Message)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
