package jobregistry

import (
	"context"
	"fmt"
)

// ClaimStatus advances job_status one step forward.
//
// It returns false when another worker already moved the record (or the
// record is in some other state); the caller treats that as already handled.
func ClaimStatus(ctx context.Context, r Registry, jobID string, from, to JobStatus, also Assign) (bool, error) {
	if !from.CanAdvanceTo(to) {
		return false, fmt.Errorf("%w: job_status %s -> %s", ErrInvalidTransition, from, to)
	}
	return r.Claim(ctx, Claim{
		JobID:    jobID,
		Field:    FieldJobStatus,
		Expected: string(from),
		Next:     string(to),
		Also:     also,
	})
}

// ClaimStorage advances storage_state one step along its cycle.
func ClaimStorage(ctx context.Context, r Registry, jobID string, from, to StorageState, also Assign) (bool, error) {
	if !from.CanAdvanceTo(to) {
		return false, fmt.Errorf("%w: storage_state %s -> %s", ErrInvalidTransition, from, to)
	}
	if also.StorageState != nil {
		return false, fmt.Errorf("storage_state cannot be both claimed and assigned")
	}
	return r.Claim(ctx, Claim{
		JobID:    jobID,
		Field:    FieldStorageState,
		Expected: string(from),
		Next:     string(to),
		Also:     also,
	})
}

// Ptr returns a pointer to v. It keeps Assign literals short at call sites.
func Ptr[T any](v T) *T {
	return &v
}
