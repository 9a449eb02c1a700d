package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/jobregistry"
	"github.com/3leaps/annopipe/pkg/provider"
	"github.com/3leaps/annopipe/pkg/queue"
	"github.com/3leaps/annopipe/pkg/worker"
)

// Pool tracks in-flight jobs and makes the admission decision.
//
// A limit of zero admits every job. Concurrency is then bounded only by the
// host, which is the documented default; operators opt in to a bound.
type Pool struct {
	limit int64
	sem   *semaphore.Weighted
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight int
}

// NewPool creates a pool admitting at most limit concurrent jobs.
func NewPool(limit int) *Pool {
	p := &Pool{limit: int64(limit)}
	if limit > 0 {
		p.sem = semaphore.NewWeighted(int64(limit))
	}
	return p
}

// TryAdmit reserves a slot without blocking. The returned release func is
// safe to call more than once.
func (p *Pool) TryAdmit() (release func(), ok bool) {
	if p.sem != nil && !p.sem.TryAcquire(1) {
		return nil, false
	}
	p.wg.Add(1)
	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.inFlight--
			p.mu.Unlock()
			if p.sem != nil {
				p.sem.Release(1)
			}
			p.wg.Done()
		})
	}, true
}

// InFlight returns the number of admitted jobs not yet released.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Limit returns the configured bound; zero means unbounded.
func (p *Pool) Limit() int { return int(p.limit) }

// Wait blocks until every admitted job is released or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunnerConfig configures the job runner.
type RunnerConfig struct {
	// WorkDir is the root under which each delivery gets its own
	// <work_dir>/<job_id>-<random>/ staging directory.
	WorkDir string

	// MaxConcurrentJobs bounds in-flight jobs. Zero means unbounded.
	MaxConcurrentJobs int
}

// Runner consumes job-requests: it records the job, admits it, stages the
// input on local disk and launches the executor.
type Runner struct {
	deps     Deps
	cfg      RunnerConfig
	pool     *Pool
	launcher Launcher
	logger   *zap.Logger
}

var _ worker.Handler = (*Runner)(nil)

func NewRunner(d Deps, cfg RunnerConfig, l Launcher) (*Runner, error) {
	if err := d.require("runner", true, true, false, false); err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errors.New("runner: launcher is required")
	}
	if strings.TrimSpace(cfg.WorkDir) == "" {
		return nil, errors.New("runner: work dir is required")
	}
	if cfg.MaxConcurrentJobs < 0 {
		return nil, fmt.Errorf("runner: max concurrent jobs must be >= 0, got %d", cfg.MaxConcurrentJobs)
	}
	return &Runner{
		deps:     d,
		cfg:      cfg,
		pool:     NewPool(cfg.MaxConcurrentJobs),
		launcher: l,
		logger:   d.logger("runner"),
	}, nil
}

// Pool exposes the admission pool, mainly so shutdown can wait on it.
func (r *Runner) Pool() *Pool { return r.pool }

func (r *Runner) Handle(ctx context.Context, msg queue.Message) error {
	evt, err := events.DecodeSubmission(msg.Body)
	if err != nil {
		return err
	}
	rec, err := evt.Record()
	if err != nil {
		return err
	}
	log := r.logger.With(zap.String("job_id", rec.JobID))

	if err := r.deps.Registry.Create(ctx, rec); err != nil {
		if !errors.Is(err, jobregistry.ErrAlreadyExists) {
			return fmt.Errorf("create job %s: %w", rec.JobID, err)
		}
		existing, err := r.deps.Registry.Get(ctx, rec.JobID)
		if err != nil {
			return err
		}
		if existing.JobStatus != jobregistry.JobStatusPending {
			return fmt.Errorf("%w: job %s is %s", worker.ErrAlreadyHandled, rec.JobID, existing.JobStatus)
		}
		rec = existing
	}

	release, ok := r.pool.TryAdmit()
	if !ok {
		return fmt.Errorf("%w: runner at capacity (%d jobs)", worker.ErrNotReady, r.pool.Limit())
	}
	launched := false
	defer func() {
		if !launched {
			release()
		}
	}()

	// A duplicate delivery may launch before the first one claims the job,
	// so every delivery stages into a directory of its own.
	if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	jobDir, err := os.MkdirTemp(r.cfg.WorkDir, rec.JobID+"-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if !launched {
			_ = os.RemoveAll(jobDir)
		}
	}()
	inputPath := filepath.Join(jobDir, inputFileName(rec))
	if err := r.fetchInput(ctx, rec.InputLocation, inputPath); err != nil {
		return err
	}

	job := Job{JobID: rec.JobID, InputPath: inputPath, WorkDir: jobDir}
	if err := r.launcher.Launch(ctx, job, release); err != nil {
		return fmt.Errorf("launch job %s: %w", rec.JobID, err)
	}
	launched = true
	log.Info("job launched",
		zap.String("input", rec.InputLocation),
		zap.Int("in_flight", r.pool.InFlight()))
	return nil
}

func (r *Runner) fetchInput(ctx context.Context, key, dst string) error {
	body, size, err := r.deps.Hot.Get(ctx, key)
	if err != nil {
		if provider.IsNotFound(err) {
			return worker.Permanent(fmt.Errorf("input %s: %w", key, err))
		}
		return fmt.Errorf("fetch input %s: %w", key, err)
	}
	defer func() { _ = body.Close() }()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create input file: %w", err)
	}
	n, err := io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write input file: %w", err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("fetch input %s: got %d bytes, expected %d", key, n, size)
	}
	return nil
}

// inputFileName keeps the user's file name but never lets it escape the job
// directory.
func inputFileName(rec *jobregistry.JobRecord) string {
	name := filepath.Base(filepath.Clean("/" + rec.InputName))
	if name == "/" || name == "." || name == "" {
		name = filepath.Base(rec.InputLocation)
	}
	if name == "/" || name == "." || name == "" {
		return "input"
	}
	return name
}
