package jobregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// FileRegistry persists JobRecords as JSON files in an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/job.lock
//
// Writes go through a temp file and rename so readers never observe a torn
// record. Every mutation holds the job's flock, which makes Claim atomic
// across processes sharing the directory.
type FileRegistry struct {
	root string
}

var _ Registry = (*FileRegistry)(nil)

func NewFileRegistry(root string) *FileRegistry {
	return &FileRegistry{root: strings.TrimSpace(root)}
}

func (s *FileRegistry) RootDir() string {
	return s.root
}

func (s *FileRegistry) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *FileRegistry) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *FileRegistry) lockPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.lock")
}

func (s *FileRegistry) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// withLock runs fn while holding the job's exclusive lock.
func (s *FileRegistry) withLock(ctx context.Context, jobID string, fn func() error) error {
	lock := flock.New(s.lockPath(jobID))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock job %s: %w", jobID, err)
	}
	defer func() { _ = lock.Unlock() }()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

func (s *FileRegistry) Create(ctx context.Context, rec *JobRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}
	if strings.ContainsAny(rec.JobID, `/\`) {
		return fmt.Errorf("job_id %q contains a path separator", rec.JobID)
	}
	if err := os.MkdirAll(s.JobDir(rec.JobID), 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	return s.withLock(ctx, rec.JobID, func() error {
		if _, err := os.Stat(s.JobPath(rec.JobID)); err == nil {
			return ErrAlreadyExists
		}
		return s.write(rec)
	})
}

func (s *FileRegistry) write(record *JobRecord) error {
	jobDir := s.JobDir(record.JobID)

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(record.JobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

func (s *FileRegistry) read(jobID string) (*JobRecord, error) {
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &record, nil
}

func (s *FileRegistry) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	_ = ctx
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	return s.read(jobID)
}

func (s *FileRegistry) List(ctx context.Context) ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(ctx, entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sortNewestFirst(out)
	return out, nil
}

func (s *FileRegistry) ListByAccount(ctx context.Context, accountID string) ([]JobRecord, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.AccountID == accountID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *FileRegistry) Claim(ctx context.Context, c Claim) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	if _, err := os.Stat(s.JobPath(c.JobID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, ErrNotFound
		}
		return false, err
	}

	won := false
	err := s.withLock(ctx, c.JobID, func() error {
		rec, err := s.read(c.JobID)
		if err != nil {
			return err
		}
		if !matches(rec, c.Field, c.Expected) {
			return nil
		}
		set(rec, c.Field, c.Next)
		c.Also.apply(rec)
		if err := s.write(rec); err != nil {
			return err
		}
		won = true
		return nil
	})
	return won, err
}

func (s *FileRegistry) SetAccountClass(ctx context.Context, jobID string, class AccountClass) error {
	if err := checkClass(class); err != nil {
		return err
	}
	if _, err := os.Stat(s.JobPath(jobID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return s.withLock(ctx, jobID, func() error {
		rec, err := s.read(jobID)
		if err != nil {
			return err
		}
		if rec.AccountClass == class {
			return nil
		}
		rec.AccountClass = class
		return s.write(rec)
	})
}

func (s *FileRegistry) Close() error { return nil }
