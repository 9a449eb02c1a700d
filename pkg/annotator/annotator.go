// Package annotator runs the external annotation tool and classifies the
// files it leaves in the job's working directory.
package annotator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Default artifact patterns, matched against file names in the work dir.
const (
	DefaultResultPattern = "*.annot.vcf"
	DefaultLogPattern    = "*.count.log"
)

// ErrNoResult means the tool finished without producing a result artifact.
var ErrNoResult = errors.New("no result artifact produced")

// Invocation describes one run of the tool.
type Invocation struct {
	// InputPath is the absolute path of the fetched input file.
	InputPath string

	// WorkDir is the job's working directory. The tool writes its
	// artifacts here.
	WorkDir string

	// Output receives the tool's stdout and stderr. Nil discards it.
	Output io.Writer
}

// Runner executes the annotation computation synchronously.
type Runner interface {
	Run(ctx context.Context, inv Invocation) error
}

// Command runs an external program as "<Path> <Args...> <input>" inside the
// work dir. There is no timeout; the run ends when the program exits or ctx
// is cancelled.
type Command struct {
	Path string
	Args []string
}

var _ Runner = (*Command)(nil)

func (c *Command) Run(ctx context.Context, inv Invocation) error {
	if strings.TrimSpace(c.Path) == "" {
		return errors.New("annotator command is not configured")
	}
	args := append(append([]string(nil), c.Args...), inv.InputPath)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Dir = inv.WorkDir
	cmd.Env = os.Environ()
	out := inv.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("annotator exited with code %d: %w", exitErr.ExitCode(), err)
		}
		return fmt.Errorf("run annotator: %w", err)
	}
	return nil
}

// Patterns classifies artifacts by file name.
type Patterns struct {
	Result string `mapstructure:"result_pattern"`
	Log    string `mapstructure:"log_pattern"`
}

// DefaultPatterns returns the standard artifact patterns.
func DefaultPatterns() Patterns {
	return Patterns{Result: DefaultResultPattern, Log: DefaultLogPattern}
}

// Validate checks that both patterns are well formed.
func (p Patterns) Validate() error {
	if !doublestar.ValidatePattern(p.Result) {
		return fmt.Errorf("invalid result pattern %q", p.Result)
	}
	if !doublestar.ValidatePattern(p.Log) {
		return fmt.Errorf("invalid log pattern %q", p.Log)
	}
	return nil
}

func (p Patterns) withDefaults() Patterns {
	if p.Result == "" {
		p.Result = DefaultResultPattern
	}
	if p.Log == "" {
		p.Log = DefaultLogPattern
	}
	return p
}

// Artifacts lists the files a run produced, by name relative to the work dir.
type Artifacts struct {
	// Result is the annotated output. Always set.
	Result string

	// Log is the run log. Empty when the tool wrote none.
	Log string

	// All holds every artifact to upload, sorted, including Result and Log.
	All []string
}

// Collect enumerates regular files directly under workDir, skipping the
// names in exclude, and classifies them with p. When several files match a
// pattern the lexically first wins.
func Collect(workDir string, p Patterns, exclude ...string) (*Artifacts, error) {
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, fmt.Errorf("read work dir: %w", err)
	}
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[filepath.Base(name)] = true
	}

	out := &Artifacts{}
	for _, e := range entries {
		if !e.Type().IsRegular() || skip[e.Name()] {
			continue
		}
		out.All = append(out.All, e.Name())
	}
	sort.Strings(out.All)

	for _, name := range out.All {
		if out.Result == "" && doublestar.MatchUnvalidated(p.Result, name) {
			out.Result = name
			continue
		}
		if out.Log == "" && doublestar.MatchUnvalidated(p.Log, name) {
			out.Log = name
		}
	}
	if out.Result == "" {
		return nil, fmt.Errorf("%w: no file matches %q in %s", ErrNoResult, p.Result, workDir)
	}
	return out, nil
}
