// Package events defines the JSON documents carried on pipeline topics.
//
// Every stage decodes exactly one document type. A document that cannot be
// decoded, or that is missing a required field, yields an error wrapping
// ErrMalformed so the consumer loop dead-letters it instead of retrying.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/annopipe/pkg/jobregistry"
)

// ErrMalformed marks a payload that will never decode.
var ErrMalformed = errors.New("malformed event payload")

// Topic names.
const (
	TopicJobRequests     = "job-requests"
	TopicJobResults      = "job-results"
	TopicArchiveRequests = "archive-requests"
	TopicThawRequests    = "thaw-requests"
	TopicRestoreResults  = "restore-results"
)

// Topics lists every topic in pipeline order.
func Topics() []string {
	return []string{TopicJobRequests, TopicJobResults, TopicArchiveRequests, TopicThawRequests, TopicRestoreResults}
}

// SubmissionEvent is published on job-requests when a user submits a file.
// It carries every field of the initial record.
type SubmissionEvent struct {
	JobID         string `json:"job_id"`
	AccountID     string `json:"account_id"`
	AccountClass  string `json:"account_class"`
	AccountEmail  string `json:"account_email,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
	InputName     string `json:"input_name"`
	InputLocation string `json:"input_location"`
	SubmitTime    int64  `json:"submit_time"`
	JobStatus     string `json:"job_status,omitempty"`
}

// NewSubmission builds the event for a freshly created record.
func NewSubmission(rec *jobregistry.JobRecord) SubmissionEvent {
	return SubmissionEvent{
		JobID:         rec.JobID,
		AccountID:     rec.AccountID,
		AccountClass:  string(rec.AccountClass),
		AccountEmail:  rec.AccountEmail,
		AccountName:   rec.AccountName,
		InputName:     rec.InputName,
		InputLocation: rec.InputLocation,
		SubmitTime:    rec.SubmitTime.Unix(),
		JobStatus:     string(rec.JobStatus),
	}
}

// Record converts the event to a PENDING record, validating every field.
func (e SubmissionEvent) Record() (*jobregistry.JobRecord, error) {
	class, err := jobregistry.ParseAccountClass(e.AccountClass)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.JobStatus != "" && e.JobStatus != string(jobregistry.JobStatusPending) {
		return nil, fmt.Errorf("%w: submission with job_status %q", ErrMalformed, e.JobStatus)
	}
	rec := &jobregistry.JobRecord{
		JobID:         strings.TrimSpace(e.JobID),
		AccountID:     strings.TrimSpace(e.AccountID),
		AccountClass:  class,
		AccountEmail:  e.AccountEmail,
		AccountName:   e.AccountName,
		InputName:     e.InputName,
		InputLocation: e.InputLocation,
		SubmitTime:    time.Unix(e.SubmitTime, 0).UTC(),
		JobStatus:     jobregistry.JobStatusPending,
	}
	if rec.InputName == "" {
		rec.InputName = lastSegment(rec.InputLocation)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return rec, nil
}

// JobEvent names a job. It is published on job-results and archive-requests.
type JobEvent struct {
	JobID string `json:"job_id"`
}

// UpgradeEvent names an account whose class was raised to elevated.
type UpgradeEvent struct {
	AccountID string `json:"account_id"`
}

// RetrievalCompleteEvent announces that a cold-tier retrieval finished.
//
// The field names follow the vault's own job-completion notification so the
// vault can publish straight to restore-results.
type RetrievalCompleteEvent struct {
	RetrievalID string `json:"JobId"`
	StatusCode  string `json:"StatusCode"`
	ArchiveRef  string `json:"ArchiveId,omitempty"`
	Action      string `json:"Action,omitempty"`
}

// Retrieval status codes reported by the vault.
const (
	StatusSucceeded  = "Succeeded"
	StatusFailed     = "Failed"
	StatusInProgress = "InProgress"
)

// Succeeded reports whether the retrieval output is ready to fetch.
func (e RetrievalCompleteEvent) Succeeded() bool {
	return e.StatusCode == "" || e.StatusCode == StatusSucceeded
}

// Encode marshals any event document.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeSubmission parses a job-requests body.
func DecodeSubmission(body []byte) (SubmissionEvent, error) {
	var e SubmissionEvent
	if err := strictUnmarshal(body, &e); err != nil {
		return SubmissionEvent{}, err
	}
	if strings.TrimSpace(e.JobID) == "" {
		return SubmissionEvent{}, fmt.Errorf("%w: job_id is required", ErrMalformed)
	}
	return e, nil
}

// DecodeJob parses a job-results or archive-requests body. A bare JSON string
// is accepted as the job id.
func DecodeJob(body []byte) (JobEvent, error) {
	var e JobEvent
	if s, ok := bareString(body); ok {
		e.JobID = s
	} else if err := strictUnmarshal(body, &e); err != nil {
		return JobEvent{}, err
	}
	e.JobID = strings.TrimSpace(e.JobID)
	if e.JobID == "" {
		return JobEvent{}, fmt.Errorf("%w: job_id is required", ErrMalformed)
	}
	return e, nil
}

// DecodeUpgrade parses a thaw-requests body. A bare JSON string is accepted
// as the account id.
func DecodeUpgrade(body []byte) (UpgradeEvent, error) {
	var e UpgradeEvent
	if s, ok := bareString(body); ok {
		e.AccountID = s
	} else if err := strictUnmarshal(body, &e); err != nil {
		return UpgradeEvent{}, err
	}
	e.AccountID = strings.TrimSpace(e.AccountID)
	if e.AccountID == "" {
		return UpgradeEvent{}, fmt.Errorf("%w: account_id is required", ErrMalformed)
	}
	return e, nil
}

// DecodeRetrievalComplete parses a restore-results body.
func DecodeRetrievalComplete(body []byte) (RetrievalCompleteEvent, error) {
	var e RetrievalCompleteEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return RetrievalCompleteEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(e.RetrievalID) == "" {
		return RetrievalCompleteEvent{}, fmt.Errorf("%w: JobId is required", ErrMalformed)
	}
	return e, nil
}

func strictUnmarshal(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return nil
}

func bareString(body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", false
	}
	return s, true
}

func lastSegment(loc string) string {
	if i := strings.LastIndex(loc, "/"); i >= 0 {
		return loc[i+1:]
	}
	return loc
}
