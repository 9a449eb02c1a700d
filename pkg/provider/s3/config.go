// Package s3 implements the hot object store on AWS S3 and S3-compatible storage.
package s3

// Config selects the bucket holding inputs and results and how to reach it.
//
// Credentials come from the SDK default chain (environment, shared files,
// instance or task role) unless AccessKeyID and SecretAccessKey are both set.
// When Endpoint is empty and no region resolves, DefaultAWSRegion is used;
// an Endpoint (LocalStack, MinIO) suppresses that fallback.
type Config struct {
	Bucket string
	Region string

	// Endpoint overrides the service URL, e.g. http://localhost:4566.
	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path. Most emulators need it.
	ForcePathStyle bool

	// SpoolMaxMemoryBytes bounds how much of a non-seekable upload body is
	// buffered in memory before spooling to disk. Zero uses the default.
	SpoolMaxMemoryBytes int64
}

// DefaultAWSRegion applies when neither config nor environment names a region.
const DefaultAWSRegion = "us-east-1"

// Validate reports a missing bucket or a half-set static credential pair.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
