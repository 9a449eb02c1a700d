package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/jobregistry"
	"github.com/3leaps/annopipe/pkg/notify"
	"github.com/3leaps/annopipe/pkg/queue"
	"github.com/3leaps/annopipe/pkg/worker"
)

// NotifyConfig configures the completion notifier.
type NotifyConfig struct {
	// BaseURL prefixes the job details link in the message.
	BaseURL string

	// Subject overrides notify.DefaultSubject.
	Subject string
}

// Notifier consumes job-results and tells the account owner their job is
// done. Send failures are logged and the message is acknowledged.
type Notifier struct {
	deps     Deps
	cfg      NotifyConfig
	notifier notify.Notifier
	logger   *zap.Logger
}

var _ worker.Handler = (*Notifier)(nil)

func NewNotifier(d Deps, n notify.Notifier, cfg NotifyConfig) (*Notifier, error) {
	if err := d.require("notify", true, false, false, false); err != nil {
		return nil, err
	}
	if n == nil {
		return nil, errors.New("notify: notifier is required")
	}
	return &Notifier{deps: d, cfg: cfg, notifier: n, logger: d.logger("notify")}, nil
}

func (n *Notifier) Handle(ctx context.Context, msg queue.Message) error {
	evt, err := events.DecodeJob(msg.Body)
	if err != nil {
		return err
	}
	rec, err := n.deps.Registry.Get(ctx, evt.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", evt.JobID, err)
	}
	if rec.JobStatus != jobregistry.JobStatusComplete {
		return worker.Permanent(fmt.Errorf("job %s is %s, not COMPLETE", rec.JobID, rec.JobStatus))
	}
	log := n.logger.With(zap.String("job_id", rec.JobID))
	if rec.AccountEmail == "" {
		log.Info("no recipient on record; skipping notification")
		return nil
	}

	if err := n.notifier.Send(ctx, notify.CompletionMessage(rec, n.cfg.BaseURL, n.cfg.Subject)); err != nil {
		log.Warn("notification failed", zap.Error(err))
		return nil
	}
	log.Info("owner notified", zap.String("to", rec.AccountEmail))
	return nil
}
