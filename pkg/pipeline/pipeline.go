// Package pipeline implements the stage handlers of the annotation pipeline:
// the runner that admits submitted jobs, the executor that runs one job, and
// the archive, thaw, restore and notify workers that move results between
// the hot and cold tiers.
//
// Every handler is a worker.Handler. Handlers never hold state between
// messages; they re-read the job record, advance it with a claim, and report
// the outcome as an error the consumer loop classifies.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/annopipe/pkg/coldstore"
	"github.com/3leaps/annopipe/pkg/jobregistry"
	"github.com/3leaps/annopipe/pkg/provider"
	"github.com/3leaps/annopipe/pkg/queue"
)

// Deps are the collaborators shared by the stage handlers. A handler uses
// only the ones it needs.
type Deps struct {
	Registry  jobregistry.Registry
	Hot       provider.ObjectStore
	Cold      coldstore.Vault
	Publisher queue.Publisher
	Logger    *zap.Logger

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

func (d Deps) logger(name string) *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger.Named(name)
}

func (d Deps) clock() func() time.Time {
	if d.Now != nil {
		return d.Now
	}
	return time.Now
}

func (d Deps) require(stage string, registry, hot, cold, publisher bool) error {
	var missing []string
	if registry && d.Registry == nil {
		missing = append(missing, "registry")
	}
	if hot && d.Hot == nil {
		missing = append(missing, "hot store")
	}
	if cold && d.Cold == nil {
		missing = append(missing, "cold store")
	}
	if publisher && d.Publisher == nil {
		missing = append(missing, "publisher")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing %v", stage, missing)
	}
	return nil
}

// Job is one unit of execution handed from the runner to a launcher.
type Job struct {
	JobID     string
	InputPath string
	WorkDir   string
}

// Validate checks that every field is set.
func (j Job) Validate() error {
	switch {
	case j.JobID == "":
		return errors.New("job id is required")
	case j.InputPath == "":
		return errors.New("input path is required")
	case j.WorkDir == "":
		return errors.New("work dir is required")
	}
	return nil
}

// Launcher starts a job as an isolated unit of work and returns once it has
// started. done must be called exactly once when the unit finishes, whether
// or not it succeeded.
type Launcher interface {
	Launch(ctx context.Context, job Job, done func()) error
}
