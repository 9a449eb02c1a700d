// Package provider defines the hot object store that holds job inputs and
// results.
//
// Objects are addressed by locator, a bucket-relative key such as
// "inputs/<account_id>/<job_id>/sample.vcf" or
// "results/<account_id>/<job_id>/sample.annot.vcf". Authentication uses SDK
// default credential chains; stores do not implement custom auth logic.
package provider

import (
	"context"
	"io"
	"path"
	"strings"
)

// ObjectStore reads, writes and deletes objects by locator.
//
// Implementations should:
//   - Map provider failures to the sentinels in errors.go
//   - Be safe for concurrent use
type ObjectStore interface {
	// Get opens the object for streaming. The caller closes the body.
	// Returns ErrNotFound if the object does not exist.
	Get(ctx context.Context, key string) (body io.ReadCloser, size int64, err error)

	// Put creates or overwrites the object. size is the exact body length.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// ProviderType identifies a hot storage backend.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local directory.
	ProviderFile ProviderType = "file"

	// ProviderMemory represents an in-process store.
	ProviderMemory ProviderType = "memory"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// InputKey is the locator of a submitted input file.
func InputKey(accountID, jobID, name string) string {
	return path.Join("inputs", accountID, jobID, path.Base(name))
}

// ResultPrefix is the locator prefix under which a job's artifacts live.
func ResultPrefix(accountID, jobID string) string {
	return path.Join("results", accountID, jobID) + "/"
}

// ResultKey is the locator of one artifact of a job.
func ResultKey(accountID, jobID, name string) string {
	return ResultPrefix(accountID, jobID) + path.Base(strings.ReplaceAll(name, `\`, "/"))
}
