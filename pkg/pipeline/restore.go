package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/annopipe/pkg/coldstore"
	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/jobregistry"
	"github.com/3leaps/annopipe/pkg/queue"
	"github.com/3leaps/annopipe/pkg/worker"
)

// Restorer consumes restore-results: it copies a finished retrieval back to
// the hot tier and marks the record HOT.
//
// Duplicate completion notifications are expected. A record that is
// already HOT is left untouched, so a second delivery never rewrites the
// hot copy.
type Restorer struct {
	deps   Deps
	logger *zap.Logger
}

var _ worker.Handler = (*Restorer)(nil)

func NewRestorer(d Deps) (*Restorer, error) {
	if err := d.require("restore", true, true, true, false); err != nil {
		return nil, err
	}
	return &Restorer{deps: d, logger: d.logger("restore")}, nil
}

func (r *Restorer) Handle(ctx context.Context, msg queue.Message) error {
	evt, err := events.DecodeRetrievalComplete(msg.Body)
	if err != nil {
		return err
	}
	if !evt.Succeeded() {
		return worker.Permanent(fmt.Errorf("retrieval %s finished with status %s", evt.RetrievalID, evt.StatusCode))
	}

	out, err := r.deps.Cold.FetchRetrieval(ctx, evt.RetrievalID)
	if err != nil {
		switch {
		case errors.Is(err, coldstore.ErrRetrievalPending):
			return fmt.Errorf("%w: %v", worker.ErrNotReady, err)
		case errors.Is(err, coldstore.ErrNotFound):
			return worker.Permanent(err)
		}
		return fmt.Errorf("fetch retrieval %s: %w", evt.RetrievalID, err)
	}
	defer func() { _ = out.Body.Close() }()

	jobID := out.Meta.JobID
	log := r.logger.With(zap.String("job_id", jobID), zap.String("retrieval_id", evt.RetrievalID))
	rec, err := r.deps.Registry.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	switch rec.StorageState {
	case jobregistry.StorageRestoring:
	case jobregistry.StorageHot:
		return fmt.Errorf("%w: job %s is already HOT", worker.ErrAlreadyHandled, jobID)
	case jobregistry.StorageCold:
		// The thaw worker requests the retrieval before it claims RESTORING,
		// so a fast vault can announce completion first.
		return fmt.Errorf("%w: job %s not yet RESTORING", worker.ErrNotReady, jobID)
	default:
		log.Warn("unexpected retrieval for job", zap.Stringer("storage_state", rec.StorageState))
		return fmt.Errorf("%w: job %s is %s", worker.ErrAlreadyHandled, jobID, rec.StorageState)
	}
	if rec.ResultLocation == "" {
		return worker.Permanent(fmt.Errorf("job %s has no result_location", jobID))
	}

	if err := r.deps.Hot.Put(ctx, rec.ResultLocation, out.Body, out.Size); err != nil {
		return fmt.Errorf("write result %s: %w", rec.ResultLocation, err)
	}
	ok, err := jobregistry.ClaimStorage(ctx, r.deps.Registry, jobID,
		jobregistry.StorageRestoring, jobregistry.StorageHot, jobregistry.Assign{})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %s restored elsewhere", worker.ErrAlreadyHandled, jobID)
	}
	log.Info("result restored", zap.String("key", rec.ResultLocation))
	return nil
}
