package jobregistry

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of an annotation job.
//
// NOTE: These values are persisted in every registry backend and are part of
// the stable record contract.
type JobStatus string

const (
	JobStatusPending  JobStatus = "PENDING"
	JobStatusRunning  JobStatus = "RUNNING"
	JobStatusComplete JobStatus = "COMPLETE"
)

var jobStatusOrder = map[JobStatus]int{
	JobStatusPending:  0,
	JobStatusRunning:  1,
	JobStatusComplete: 2,
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	_, ok := jobStatusOrder[s]
	return ok
}

// CanAdvanceTo reports whether next is the single forward step after s.
func (s JobStatus) CanAdvanceTo(next JobStatus) bool {
	from, ok := jobStatusOrder[s]
	if !ok {
		return false
	}
	to, ok := jobStatusOrder[next]
	if !ok {
		return false
	}
	return to == from+1
}

// StorageState tracks where the result of a completed job currently lives.
//
// The zero value means the job has no stored result yet.
type StorageState string

const (
	StorageAbsent    StorageState = ""
	StorageHot       StorageState = "HOT"
	StorageArchiving StorageState = "ARCHIVING"
	StorageCold      StorageState = "COLD"
	StorageRestoring StorageState = "RESTORING"
)

// storageNext lists the only legal successor of each state. The cycle
// HOT -> ARCHIVING -> COLD -> RESTORING -> HOT may repeat.
var storageNext = map[StorageState]StorageState{
	StorageAbsent:    StorageHot,
	StorageHot:       StorageArchiving,
	StorageArchiving: StorageCold,
	StorageCold:      StorageRestoring,
	StorageRestoring: StorageHot,
}

// Valid reports whether s is a known storage state.
func (s StorageState) Valid() bool {
	_, ok := storageNext[s]
	return ok
}

// CanAdvanceTo reports whether next is the legal successor of s.
func (s StorageState) CanAdvanceTo(next StorageState) bool {
	want, ok := storageNext[s]
	return ok && want == next
}

// String renders the absent state as "absent" for logs.
func (s StorageState) String() string {
	if s == StorageAbsent {
		return "absent"
	}
	return string(s)
}

// AccountClass is the closed set of account tiers.
type AccountClass string

const (
	AccountStandard AccountClass = "standard"
	AccountElevated AccountClass = "elevated"
)

// ParseAccountClass parses a persisted or user-supplied account class.
func ParseAccountClass(s string) (AccountClass, error) {
	switch AccountClass(strings.ToLower(strings.TrimSpace(s))) {
	case AccountStandard:
		return AccountStandard, nil
	case AccountElevated:
		return AccountElevated, nil
	default:
		return "", fmt.Errorf("unknown account class %q", s)
	}
}

// Valid reports whether c is one of the known account classes.
func (c AccountClass) Valid() bool {
	return c == AccountStandard || c == AccountElevated
}

// UnmarshalText rejects unknown classes so invalid records never load.
func (c *AccountClass) UnmarshalText(b []byte) error {
	parsed, err := ParseAccountClass(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (c AccountClass) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown account class %q", string(c))
	}
	return []byte(c), nil
}

// JobRecord is the persistent record for one submitted job.
//
// Records are created at submission, mutated by every worker and never
// deleted. The schema is designed for backward-compatible extension
// (additive fields).
type JobRecord struct {
	JobID         string       `json:"job_id" dynamodbav:"job_id"`
	AccountID     string       `json:"account_id" dynamodbav:"account_id"`
	AccountClass  AccountClass `json:"account_class" dynamodbav:"account_class"`
	AccountEmail  string       `json:"account_email,omitempty" dynamodbav:"account_email,omitempty"`
	AccountName   string       `json:"account_name,omitempty" dynamodbav:"account_name,omitempty"`
	InputName     string       `json:"input_name" dynamodbav:"input_name"`
	InputLocation string       `json:"input_location" dynamodbav:"input_location"`
	SubmitTime    time.Time    `json:"submit_time" dynamodbav:"submit_time,unixtime"`

	JobStatus JobStatus `json:"job_status" dynamodbav:"job_status"`

	CompleteTime   *time.Time `json:"complete_time,omitempty" dynamodbav:"complete_time,omitempty,unixtime"`
	ResultLocation string     `json:"result_location,omitempty" dynamodbav:"result_location,omitempty"`
	LogLocation    string     `json:"log_location,omitempty" dynamodbav:"log_location,omitempty"`

	StorageState StorageState `json:"storage_state,omitempty" dynamodbav:"storage_state,omitempty"`
	ArchiveRef   string       `json:"archive_ref,omitempty" dynamodbav:"archive_ref,omitempty"`
}

// Validate checks the fields every new record must carry.
func (r *JobRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("job record is nil")
	}
	if strings.TrimSpace(r.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	if strings.TrimSpace(r.AccountID) == "" {
		return fmt.Errorf("account_id is required")
	}
	if !r.AccountClass.Valid() {
		return fmt.Errorf("invalid account_class %q", string(r.AccountClass))
	}
	if strings.TrimSpace(r.InputLocation) == "" {
		return fmt.Errorf("input_location is required")
	}
	if !r.JobStatus.Valid() {
		return fmt.Errorf("invalid job_status %q", string(r.JobStatus))
	}
	if !r.StorageState.Valid() {
		return fmt.Errorf("invalid storage_state %q", string(r.StorageState))
	}
	return nil
}

// Clone returns a deep copy so callers never share pointer fields with a
// backend's internal state.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.CompleteTime != nil {
		t := *r.CompleteTime
		c.CompleteTime = &t
	}
	return &c
}
