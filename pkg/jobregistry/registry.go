// Package jobregistry is the state store for annotation jobs.
//
// Every worker in the pipeline coordinates exclusively through the registry:
// there are no cross-record transactions, and the only synchronization
// primitive is the per-record conditional update exposed as Claim.
package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for registry operations.
var (
	// ErrNotFound indicates no record exists for the job id.
	ErrNotFound = errors.New("job record not found")

	// ErrAlreadyExists indicates Create found an existing record.
	ErrAlreadyExists = errors.New("job record already exists")

	// ErrInvalidTransition indicates a claim that does not move a field one
	// step forward. It is raised before the store is touched.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Field names a claimable record field.
type Field string

const (
	FieldJobStatus    Field = "job_status"
	FieldStorageState Field = "storage_state"
)

// Valid reports whether f is a claimable field.
func (f Field) Valid() bool {
	return f == FieldJobStatus || f == FieldStorageState
}

// Assign carries optional field writes applied in the same atomic update as
// a successful claim. Nil pointers leave the stored value untouched.
type Assign struct {
	CompleteTime   *time.Time
	ResultLocation *string
	LogLocation    *string
	ArchiveRef     *string
	StorageState   *StorageState
}

// apply writes the non-nil assignments onto rec.
func (a Assign) apply(rec *JobRecord) {
	if a.CompleteTime != nil {
		t := a.CompleteTime.UTC()
		rec.CompleteTime = &t
	}
	if a.ResultLocation != nil {
		rec.ResultLocation = *a.ResultLocation
	}
	if a.LogLocation != nil {
		rec.LogLocation = *a.LogLocation
	}
	if a.ArchiveRef != nil {
		rec.ArchiveRef = *a.ArchiveRef
	}
	if a.StorageState != nil {
		rec.StorageState = *a.StorageState
	}
}

// Claim is a compare-and-set request: Field := Next only if the stored value
// of Field equals Expected. Also is written atomically with the claim.
type Claim struct {
	JobID    string
	Field    Field
	Expected string
	Next     string
	Also     Assign
}

// Validate checks the request shape; it does not check transition legality.
func (c Claim) Validate() error {
	if c.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if !c.Field.Valid() {
		return fmt.Errorf("field %q is not claimable", string(c.Field))
	}
	if c.Also.StorageState != nil && c.Field == FieldStorageState {
		return fmt.Errorf("storage_state cannot be both claimed and assigned")
	}
	return nil
}

// Registry is the keyed job record store.
//
// Implementations must make Claim atomic per record: of any number of
// concurrent claims with the same Expected value, at most one succeeds.
type Registry interface {
	// Create stores a new record. Returns ErrAlreadyExists if the job id is taken.
	Create(ctx context.Context, rec *JobRecord) error

	// Get returns the current record. Returns ErrNotFound if absent.
	Get(ctx context.Context, jobID string) (*JobRecord, error)

	// ListByAccount returns every record owned by accountID.
	ListByAccount(ctx context.Context, accountID string) ([]JobRecord, error)

	// List returns all records, newest submission first. Intended for
	// operator tooling, not for worker hot paths.
	List(ctx context.Context) ([]JobRecord, error)

	// Claim performs the conditional update. It returns false with no side
	// effect when the stored value differs from Expected, and ErrNotFound
	// when the record does not exist.
	Claim(ctx context.Context, c Claim) (bool, error)

	// SetAccountClass writes account_class unconditionally. The write is
	// idempotent and is not a state transition.
	SetAccountClass(ctx context.Context, jobID string, class AccountClass) error

	// Close releases any resources held by the registry.
	Close() error
}

// matches reports whether rec's current value of f equals expected.
func matches(rec *JobRecord, f Field, expected string) bool {
	switch f {
	case FieldJobStatus:
		return string(rec.JobStatus) == expected
	case FieldStorageState:
		return string(rec.StorageState) == expected
	}
	return false
}

// set writes next into field f of rec.
func set(rec *JobRecord, f Field, next string) {
	switch f {
	case FieldJobStatus:
		rec.JobStatus = JobStatus(next)
	case FieldStorageState:
		rec.StorageState = StorageState(next)
	}
}

func checkClass(class AccountClass) error {
	if !class.Valid() {
		return fmt.Errorf("invalid account_class %q", string(class))
	}
	return nil
}
