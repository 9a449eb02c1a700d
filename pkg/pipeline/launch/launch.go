// Package launch starts pipeline jobs as isolated units of work.
//
// Process spawns a child "annopipe execute" per job so a crash or runaway
// allocation in one job cannot take down the runner or its siblings.
// InProcess runs the executor on a goroutine and is meant for tests and the
// single-process local mode.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/annopipe/pkg/pipeline"
)

// ProcessConfig configures the child-process launcher.
type ProcessConfig struct {
	// Executable is the annopipe binary. Empty uses the running executable.
	Executable string

	// GlobalArgs are passed before the subcommand, e.g. --config.
	GlobalArgs []string

	// LogDir receives <job_id>.log with the child's stdout and stderr. It
	// must live outside the job's work dir, which the child removes.
	LogDir string
}

// Process launches each job as a child process running:
//
//	annopipe [global args] execute --job-id <id> --input <path> --work-dir <dir>
type Process struct {
	exe    string
	args   []string
	logDir string
	logger *zap.Logger
}

var _ pipeline.Launcher = (*Process)(nil)

func NewProcess(cfg ProcessConfig, logger *zap.Logger) (*Process, error) {
	exe := strings.TrimSpace(cfg.Executable)
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		exe = self
	}
	if strings.TrimSpace(cfg.LogDir) == "" {
		return nil, errors.New("launch: log dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Process{
		exe:    exe,
		args:   append([]string(nil), cfg.GlobalArgs...),
		logDir: cfg.LogDir,
		logger: logger.Named("launch"),
	}, nil
}

// LogPath returns the child log file for jobID.
func (p *Process) LogPath(jobID string) string {
	return filepath.Join(p.logDir, jobID+".log")
}

// Command builds the child command for job without starting it.
func (p *Process) Command(job pipeline.Job) *exec.Cmd {
	args := append(append([]string(nil), p.args...),
		"execute",
		"--job-id", job.JobID,
		"--input", job.InputPath,
		"--work-dir", job.WorkDir,
	)
	cmd := exec.Command(p.exe, args...)
	cmd.Env = os.Environ()
	return cmd
}

// Launch starts the child and returns. The child is not tied to ctx: a
// runner shutting down leaves in-flight jobs to finish.
func (p *Process) Launch(ctx context.Context, job pipeline.Job, done func()) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(p.logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.Create(p.LogPath(job.JobID))
	if err != nil {
		return fmt.Errorf("create job log: %w", err)
	}

	cmd := p.Command(job)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("start executor: %w", err)
	}

	log := p.logger.With(zap.String("job_id", job.JobID), zap.Int("pid", cmd.Process.Pid))
	log.Info("executor started", zap.String("log", logFile.Name()))
	go func() {
		defer done()
		err := cmd.Wait()
		_ = logFile.Close()
		if err != nil {
			log.Error("executor failed", zap.Error(err))
			return
		}
		log.Info("executor exited")
	}()
	return nil
}

// InProcess runs the executor on a goroutine per job.
type InProcess struct {
	exec   *pipeline.Executor
	logger *zap.Logger
	wg     sync.WaitGroup
}

var _ pipeline.Launcher = (*InProcess)(nil)

func NewInProcess(e *pipeline.Executor, logger *zap.Logger) *InProcess {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InProcess{exec: e, logger: logger.Named("launch")}
}

// Launch runs the job detached from ctx cancellation, so stopping the runner
// loop does not abort jobs mid-upload.
func (l *InProcess) Launch(ctx context.Context, job pipeline.Job, done func()) error {
	if err := job.Validate(); err != nil {
		return err
	}
	runCtx := context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer done()
		log := l.logger.With(zap.String("job_id", job.JobID))
		defer func() {
			if r := recover(); r != nil {
				log.Error("executor panic", zap.Any("panic", r))
			}
		}()
		if err := l.exec.Run(runCtx, job); err != nil {
			log.Error("executor failed", zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every launched job has returned.
func (l *InProcess) Wait() {
	l.wg.Wait()
}
