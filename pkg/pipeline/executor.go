package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/3leaps/annopipe/pkg/annotator"
	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/jobregistry"
	"github.com/3leaps/annopipe/pkg/provider"
	"github.com/3leaps/annopipe/pkg/queue"
)

// ExecutorConfig configures the job executor.
type ExecutorConfig struct {
	Patterns annotator.Patterns

	// UploadAttempts bounds tries per artifact upload and event publish.
	// Default: 3
	UploadAttempts uint

	// UploadDelay is the initial backoff between attempts.
	// Default: 1s
	UploadDelay time.Duration

	// Output receives the annotator's stdout and stderr. Nil discards it.
	Output io.Writer
}

// Executor runs one job to completion. It is the body of the isolated unit
// of work a launcher starts.
type Executor struct {
	deps      Deps
	cfg       ExecutorConfig
	annotator annotator.Runner
	logger    *zap.Logger
	now       func() time.Time
}

func NewExecutor(d Deps, ann annotator.Runner, cfg ExecutorConfig) (*Executor, error) {
	if err := d.require("executor", true, true, false, true); err != nil {
		return nil, err
	}
	if ann == nil {
		return nil, errors.New("executor: annotator is required")
	}
	if cfg.UploadAttempts == 0 {
		cfg.UploadAttempts = 3
	}
	if cfg.UploadDelay <= 0 {
		cfg.UploadDelay = time.Second
	}
	return &Executor{
		deps:      d,
		cfg:       cfg,
		annotator: ann,
		logger:    d.logger("executor"),
		now:       d.clock(),
	}, nil
}

// Run claims the job, runs the annotator, uploads the artifacts and marks
// the job COMPLETE. A lost claim returns nil without touching the registry,
// the stores or the queues. job.WorkDir belongs to this delivery alone and
// is removed on every path.
func (e *Executor) Run(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	log := e.logger.With(zap.String("job_id", job.JobID))
	defer func() {
		if err := os.RemoveAll(job.WorkDir); err != nil {
			log.Warn("failed to remove work dir", zap.String("work_dir", job.WorkDir), zap.Error(err))
		}
	}()

	rec, err := e.deps.Registry.Get(ctx, job.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	ok, err := jobregistry.ClaimStatus(ctx, e.deps.Registry, job.JobID,
		jobregistry.JobStatusPending, jobregistry.JobStatusRunning, jobregistry.Assign{})
	if err != nil {
		return err
	}
	if !ok {
		log.Info("job already claimed; exiting")
		return nil
	}

	start := e.now()
	log.Info("annotation started", zap.String("input", job.InputPath))
	if err := e.annotator.Run(ctx, annotator.Invocation{
		InputPath: job.InputPath,
		WorkDir:   job.WorkDir,
		Output:    e.cfg.Output,
	}); err != nil {
		return fmt.Errorf("job %s: %w", job.JobID, err)
	}

	artifacts, err := annotator.Collect(job.WorkDir, e.cfg.Patterns, job.InputPath)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.JobID, err)
	}
	for _, name := range artifacts.All {
		key := provider.ResultKey(rec.AccountID, rec.JobID, name)
		if err := e.upload(ctx, filepath.Join(job.WorkDir, name), key); err != nil {
			return fmt.Errorf("job %s: upload %s: %w", job.JobID, name, err)
		}
	}

	done := e.now().UTC()
	also := jobregistry.Assign{
		CompleteTime:   &done,
		ResultLocation: jobregistry.Ptr(provider.ResultKey(rec.AccountID, rec.JobID, artifacts.Result)),
		StorageState:   jobregistry.Ptr(jobregistry.StorageHot),
	}
	if artifacts.Log != "" {
		also.LogLocation = jobregistry.Ptr(provider.ResultKey(rec.AccountID, rec.JobID, artifacts.Log))
	}
	ok, err = jobregistry.ClaimStatus(ctx, e.deps.Registry, job.JobID,
		jobregistry.JobStatusRunning, jobregistry.JobStatusComplete, also)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("job left RUNNING by another writer; not publishing completion")
		return nil
	}
	log.Info("annotation complete",
		zap.Int("artifacts", len(artifacts.All)),
		zap.Duration("elapsed", done.Sub(start)))

	topics := []string{events.TopicJobResults}
	if rec.AccountClass == jobregistry.AccountStandard {
		topics = append(topics, events.TopicArchiveRequests)
	}
	evt := events.JobEvent{JobID: rec.JobID}
	var errs []error
	for _, topic := range topics {
		if err := e.publish(ctx, topic, evt); err != nil {
			// The submission is already acked; nothing re-sends this event.
			log.Error("completion event not published", zap.String("topic", topic), zap.Error(err))
			errs = append(errs, fmt.Errorf("job %s: publish %s: %w", job.JobID, topic, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) retryOpts(ctx context.Context, what string) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(e.cfg.UploadAttempts),
		retry.Delay(e.cfg.UploadDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn("retrying", zap.String("op", what), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	}
}

func (e *Executor) upload(ctx context.Context, path, key string) error {
	return retry.Do(func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		return e.deps.Hot.Put(ctx, key, f, info.Size())
	}, e.retryOpts(ctx, "upload "+key)...)
}

func (e *Executor) publish(ctx context.Context, topic string, v any) error {
	return retry.Do(func() error {
		return queue.PublishJSON(ctx, e.deps.Publisher, topic, v)
	}, e.retryOpts(ctx, "publish "+topic)...)
}

// retryable reports whether a hot-store or publish failure may succeed on a
// later attempt.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, os.ErrNotExist):
		return false
	case provider.IsMisconfigured(err):
		return false
	}
	return true
}
