// Package notify sends job-completion messages to account owners.
//
// Delivery is best effort. Callers log a failed send and move on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"github.com/3leaps/annopipe/pkg/jobregistry"
)

// DefaultSubject is the subject line of completion messages.
const DefaultSubject = "Annotation Request Complete"

// Message is one outbound notification.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Notifier delivers messages.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// CompletionMessage renders the completion notice for rec. baseURL is the
// prefix of the job details page; the job id is appended.
func CompletionMessage(rec *jobregistry.JobRecord, baseURL, subject string) Message {
	if subject == "" {
		subject = DefaultSubject
	}
	name := rec.AccountName
	if name == "" {
		name = rec.AccountID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", name)
	b.WriteString("Your requested annotation job is complete.\n\n")
	fmt.Fprintf(&b, "Request ID: %s\n", rec.JobID)
	fmt.Fprintf(&b, "Input File: %s\n", rec.InputName)
	if baseURL != "" {
		fmt.Fprintf(&b, "\nAnnotation details can be viewed at:\n%s/%s\n", strings.TrimRight(baseURL, "/"), rec.JobID)
	}
	return Message{To: []string{rec.AccountEmail}, Subject: subject, Body: b.String()}
}

// LogNotifier writes messages to a logger instead of sending them.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	n.logger.Info("notification",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body))
	return nil
}

// SESAPI is the subset of the SES v2 client used by SESNotifier.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESNotifier sends plain-text e-mail through Amazon SES.
type SESNotifier struct {
	client SESAPI
	from   string
}

func NewSESNotifier(client SESAPI, from string) (*SESNotifier, error) {
	if client == nil {
		return nil, errors.New("ses client is nil")
	}
	if strings.TrimSpace(from) == "" {
		return nil, errors.New("ses sender address is required")
	}
	return &SESNotifier{client: client, from: from}, nil
}

func (n *SESNotifier) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return errors.New("message has no recipients")
	}
	_, err := n.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(n.from),
		Destination:      &types.Destination{ToAddresses: msg.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send to %v: %w", msg.To, err)
	}
	return nil
}
