package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/3leaps/annopipe/pkg/coldstore"
	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/jobregistry"
	"github.com/3leaps/annopipe/pkg/queue"
	"github.com/3leaps/annopipe/pkg/worker"
)

// ThawConfig configures the thaw worker.
type ThawConfig struct {
	// Tiers is the ordered list of retrieval tiers to try. Each tier is
	// tried once; the next is used only after a capacity failure.
	// Default: coldstore.DefaultTiers()
	Tiers []coldstore.Tier
}

// Thawer consumes thaw-requests: it raises every job of the upgraded
// account to elevated and starts retrieval of each cold result.
type Thawer struct {
	deps   Deps
	tiers  []coldstore.Tier
	logger *zap.Logger
}

var _ worker.Handler = (*Thawer)(nil)

func NewThawer(d Deps, cfg ThawConfig) (*Thawer, error) {
	if err := d.require("thaw", true, false, true, false); err != nil {
		return nil, err
	}
	tiers := cfg.Tiers
	if len(tiers) == 0 {
		tiers = coldstore.DefaultTiers()
	}
	if err := coldstore.ValidateTiers(tiers); err != nil {
		return nil, fmt.Errorf("thaw: %w", err)
	}
	return &Thawer{deps: d, tiers: append([]coldstore.Tier(nil), tiers...), logger: d.logger("thaw")}, nil
}

// Handle fans out over the account's jobs. A failure on one job does not
// stop the others; failures are aggregated. The aggregate is retried when
// any part of it is transient, and dead-lettered otherwise.
func (t *Thawer) Handle(ctx context.Context, msg queue.Message) error {
	evt, err := events.DecodeUpgrade(msg.Body)
	if err != nil {
		return err
	}
	recs, err := t.deps.Registry.ListByAccount(ctx, evt.AccountID)
	if err != nil {
		return fmt.Errorf("list jobs for account %s: %w", evt.AccountID, err)
	}
	log := t.logger.With(zap.String("account_id", evt.AccountID))
	log.Info("account upgraded", zap.Int("jobs", len(recs)))

	var (
		result    *multierror.Error
		transient bool
	)
	collect := func(jobID string, err error) {
		result = multierror.Append(result, fmt.Errorf("job %s: %w", jobID, err))
		if !worker.IsPermanent(err) {
			transient = true
		}
	}

	for i := range recs {
		rec := &recs[i]
		if rec.AccountClass != jobregistry.AccountElevated {
			if err := t.deps.Registry.SetAccountClass(ctx, rec.JobID, jobregistry.AccountElevated); err != nil {
				collect(rec.JobID, err)
				continue
			}
		}
		switch rec.StorageState {
		case jobregistry.StorageCold:
		case jobregistry.StorageArchiving:
			// Restorable only once the archiver reaches COLD.
			collect(rec.JobID, fmt.Errorf("%w: archive in progress", worker.ErrNotReady))
			continue
		default:
			continue
		}
		if err := t.thaw(ctx, rec); err != nil {
			collect(rec.JobID, err)
		}
	}

	agg := result.ErrorOrNil()
	if agg == nil {
		return nil
	}
	if transient {
		return worker.Transient(agg)
	}
	return agg
}

// thaw requests retrieval over the tier list and marks the record
// RESTORING. Only a capacity failure moves on to the next tier.
func (t *Thawer) thaw(ctx context.Context, rec *jobregistry.JobRecord) error {
	if rec.ArchiveRef == "" {
		return worker.Permanent(errors.New("COLD record has no archive_ref"))
	}
	log := t.logger.With(zap.String("job_id", rec.JobID), zap.String("archive_ref", rec.ArchiveRef))

	var lastErr error
	for i, tier := range t.tiers {
		id, err := t.deps.Cold.RequestRetrieval(ctx, rec.ArchiveRef, tier)
		if err != nil {
			if errors.Is(err, coldstore.ErrNotFound) {
				return worker.Permanent(err)
			}
			if !errors.Is(err, coldstore.ErrCapacity) {
				return err
			}
			lastErr = err
			if i+1 < len(t.tiers) {
				log.Warn("retrieval tier unavailable; downgrading",
					zap.String("tier", string(tier)),
					zap.String("next_tier", string(t.tiers[i+1])))
			}
			continue
		}

		ok, err := jobregistry.ClaimStorage(ctx, t.deps.Registry, rec.JobID,
			jobregistry.StorageCold, jobregistry.StorageRestoring, jobregistry.Assign{})
		if err != nil {
			return err
		}
		if !ok {
			log.Info("restore already in progress", zap.String("retrieval_id", id))
			return nil
		}
		log.Info("retrieval requested", zap.String("tier", string(tier)), zap.String("retrieval_id", id))
		return nil
	}
	return lastErr
}
