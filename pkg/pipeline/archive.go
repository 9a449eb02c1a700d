package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/annopipe/pkg/coldstore"
	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/jobregistry"
	"github.com/3leaps/annopipe/pkg/provider"
	"github.com/3leaps/annopipe/pkg/queue"
	"github.com/3leaps/annopipe/pkg/worker"
)

// IsEligible reports whether a result completed at complete has outlived
// the retention window. The boundary is strict: at exactly
// complete+retention the result is not yet eligible.
func IsEligible(complete time.Time, retention time.Duration, now time.Time) bool {
	return now.After(complete.Add(retention))
}

// ArchiveConfig configures the archival worker.
type ArchiveConfig struct {
	// Retention is how long a standard-class result stays hot after
	// completion.
	Retention time.Duration
}

// Archiver consumes archive-requests. Each message is a request to
// re-evaluate a job, not a command: the record is re-read every time.
type Archiver struct {
	deps   Deps
	cfg    ArchiveConfig
	logger *zap.Logger
	now    func() time.Time
}

var _ worker.Handler = (*Archiver)(nil)

func NewArchiver(d Deps, cfg ArchiveConfig) (*Archiver, error) {
	if err := d.require("archive", true, true, true, false); err != nil {
		return nil, err
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("archive: retention must be >= 0, got %s", cfg.Retention)
	}
	return &Archiver{deps: d, cfg: cfg, logger: d.logger("archive"), now: d.clock()}, nil
}

func (a *Archiver) Handle(ctx context.Context, msg queue.Message) error {
	evt, err := events.DecodeJob(msg.Body)
	if err != nil {
		return err
	}
	rec, err := a.deps.Registry.Get(ctx, evt.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", evt.JobID, err)
	}
	log := a.logger.With(zap.String("job_id", rec.JobID))

	if rec.JobStatus != jobregistry.JobStatusComplete {
		return worker.Permanent(fmt.Errorf("job %s is %s, not COMPLETE", rec.JobID, rec.JobStatus))
	}
	if rec.StorageState == jobregistry.StorageArchiving {
		// A previous attempt claimed the record and stopped before COLD. The
		// hot copy is still in place because it is deleted last. The cycle
		// is finished even if the account was upgraded meanwhile; thaw waits
		// for COLD and restores it.
		log.Warn("re-driving interrupted archive", zap.String("account_class", string(rec.AccountClass)))
		return a.archive(ctx, rec, log)
	}
	if rec.AccountClass != jobregistry.AccountStandard {
		log.Info("account is not standard; result stays hot", zap.String("account_class", string(rec.AccountClass)))
		return nil
	}

	switch rec.StorageState {
	case jobregistry.StorageHot:
		if rec.CompleteTime == nil {
			return worker.Permanent(fmt.Errorf("job %s has no complete_time", rec.JobID))
		}
		if !IsEligible(*rec.CompleteTime, a.cfg.Retention, a.now()) {
			return fmt.Errorf("%w: job %s is inside the retention window", worker.ErrNotReady, rec.JobID)
		}
		ok, err := jobregistry.ClaimStorage(ctx, a.deps.Registry, rec.JobID,
			jobregistry.StorageHot, jobregistry.StorageArchiving, jobregistry.Assign{})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: archive of job %s claimed elsewhere", worker.ErrAlreadyHandled, rec.JobID)
		}
	case jobregistry.StorageCold, jobregistry.StorageRestoring:
		return fmt.Errorf("%w: job %s is %s", worker.ErrAlreadyHandled, rec.JobID, rec.StorageState)
	default:
		return worker.Permanent(fmt.Errorf("job %s has no stored result", rec.JobID))
	}

	return a.archive(ctx, rec, log)
}

// archive moves the result: upload, record, then delete. The hot copy is
// removed only after the record points at the archive.
func (a *Archiver) archive(ctx context.Context, rec *jobregistry.JobRecord, log *zap.Logger) error {
	if rec.ResultLocation == "" {
		return worker.Permanent(fmt.Errorf("job %s has no result_location", rec.JobID))
	}
	body, size, err := a.deps.Hot.Get(ctx, rec.ResultLocation)
	if err != nil {
		if provider.IsNotFound(err) {
			return a.missingHotCopy(ctx, rec.JobID, err)
		}
		return fmt.Errorf("read result %s: %w", rec.ResultLocation, err)
	}
	ref, err := a.deps.Cold.Store(ctx, body, size, coldstore.Metadata{JobID: rec.JobID})
	_ = body.Close()
	if err != nil {
		return fmt.Errorf("store job %s in cold tier: %w", rec.JobID, err)
	}

	ok, err := jobregistry.ClaimStorage(ctx, a.deps.Registry, rec.JobID,
		jobregistry.StorageArchiving, jobregistry.StorageCold,
		jobregistry.Assign{ArchiveRef: jobregistry.Ptr(ref)})
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("archive finished elsewhere; leaving orphan archive", zap.String("archive_ref", ref))
		return fmt.Errorf("%w: job %s left ARCHIVING by another worker", worker.ErrAlreadyHandled, rec.JobID)
	}

	if err := a.deps.Hot.Delete(ctx, rec.ResultLocation); err != nil {
		log.Warn("archived but failed to delete hot copy", zap.String("key", rec.ResultLocation), zap.Error(err))
		return nil
	}
	log.Info("result archived", zap.String("archive_ref", ref), zap.Int64("bytes", size))
	return nil
}

// missingHotCopy resolves a NotFound on the hot copy. A concurrent archiver
// that already reached COLD deletes it; anything else is data loss.
func (a *Archiver) missingHotCopy(ctx context.Context, jobID string, cause error) error {
	rec, err := a.deps.Registry.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.StorageState != jobregistry.StorageArchiving {
		return fmt.Errorf("%w: job %s is %s", worker.ErrAlreadyHandled, jobID, rec.StorageState)
	}
	return worker.Permanent(errors.Join(fmt.Errorf("job %s is ARCHIVING without a hot copy", jobID), cause))
}
