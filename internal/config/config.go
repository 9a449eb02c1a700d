// Package config loads the process configuration.
//
// Sources are layered, lowest first: built-in defaults, an optional YAML
// file, a .env file, ANNOPIPE_* environment variables and finally runtime
// overrides (CLI flags). The result is validated once and then treated as
// immutable for the life of the worker.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/annopipe/pkg/annotator"
	"github.com/3leaps/annopipe/pkg/coldstore"
)

// Config is the full process configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Health  HealthConfig  `mapstructure:"health" yaml:"health"`
	Debug   DebugConfig   `mapstructure:"debug" yaml:"debug"`

	AWS       AWSConfig       `mapstructure:"aws" yaml:"aws"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Hot       HotConfig       `mapstructure:"hot" yaml:"hot"`
	Cold      ColdConfig      `mapstructure:"cold" yaml:"cold"`
	Runner    RunnerConfig    `mapstructure:"runner" yaml:"runner"`
	Executor  ExecutorConfig  `mapstructure:"executor" yaml:"executor"`
	Annotator AnnotatorConfig `mapstructure:"annotator" yaml:"annotator"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	Thaw      ThawConfig      `mapstructure:"thaw" yaml:"thaw"`
	Notify    NotifyConfig    `mapstructure:"notify" yaml:"notify"`
}

// ServerConfig configures the ops HTTP server (health, metrics, job lookup).
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled" yaml:"pprof_enabled"`
}

// AWSConfig is shared by every AWS-backed component.
type AWSConfig struct {
	Region          string `mapstructure:"region" yaml:"region"`
	Profile         string `mapstructure:"profile" yaml:"profile"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"-"`
}

// Backend names.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
	BackendSQS      = "sqs"
	BackendRedis    = "redis"
	BackendS3       = "s3"
	BackendGlacier  = "glacier"
	BackendLog      = "log"
	BackendSES      = "ses"
)

type RegistryConfig struct {
	// Backend is one of memory, file, sqlite, postgres, dynamodb.
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Path is the directory of the file backend.
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// DSN is the sqlite file or postgres connection string.
	DSN string `mapstructure:"dsn" yaml:"dsn,omitempty"`

	Table        string `mapstructure:"table" yaml:"table,omitempty"`
	AccountIndex string `mapstructure:"account_index" yaml:"account_index,omitempty"`
}

// QueueEndpoint locates one SQS queue and its dead-letter queue.
type QueueEndpoint struct {
	URL           string `mapstructure:"url" yaml:"url"`
	DeadLetterURL string `mapstructure:"dead_letter_url" yaml:"dead_letter_url,omitempty"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Group    string `mapstructure:"group" yaml:"group,omitempty"`
	MaxLen   int64  `mapstructure:"max_len" yaml:"max_len,omitempty"`
}

type QueueConfig struct {
	// Backend is one of memory, sqs, redis. The memory backend only
	// connects stages running in the same process.
	Backend string `mapstructure:"backend" yaml:"backend"`

	WaitTime          time.Duration `mapstructure:"wait_time" yaml:"wait_time"`
	MaxMessages       int           `mapstructure:"max_messages" yaml:"max_messages"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`

	// Topics maps logical topic names to SNS topic ARNs.
	Topics map[string]string `mapstructure:"topics" yaml:"topics,omitempty"`

	// Queues maps logical queue names to SQS queues.
	Queues map[string]QueueEndpoint `mapstructure:"queues" yaml:"queues,omitempty"`

	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

type HotConfig struct {
	// Backend is one of memory, file, s3.
	Backend        string `mapstructure:"backend" yaml:"backend"`
	Dir            string `mapstructure:"dir" yaml:"dir,omitempty"`
	Bucket         string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

type ColdConfig struct {
	// Backend is one of memory, glacier.
	Backend     string `mapstructure:"backend" yaml:"backend"`
	Vault       string `mapstructure:"vault" yaml:"vault,omitempty"`
	AccountID   string `mapstructure:"account_id" yaml:"account_id,omitempty"`
	SNSTopicARN string `mapstructure:"sns_topic_arn" yaml:"sns_topic_arn,omitempty"`
}

// Launcher names.
const (
	LauncherProcess   = "process"
	LauncherInProcess = "inprocess"
)

type RunnerConfig struct {
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`

	// MaxConcurrentJobs bounds in-flight jobs per runner. Zero is unbounded.
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`

	// Launcher is process (one child per job) or inprocess.
	Launcher string `mapstructure:"launcher" yaml:"launcher"`

	// LogDir receives one <job_id>.log per child process.
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`
}

type ExecutorConfig struct {
	UploadAttempts int           `mapstructure:"upload_attempts" yaml:"upload_attempts"`
	UploadDelay    time.Duration `mapstructure:"upload_delay" yaml:"upload_delay"`
}

type AnnotatorConfig struct {
	Command       string   `mapstructure:"command" yaml:"command"`
	Args          []string `mapstructure:"args" yaml:"args,omitempty"`
	ResultPattern string   `mapstructure:"result_pattern" yaml:"result_pattern"`
	LogPattern    string   `mapstructure:"log_pattern" yaml:"log_pattern"`
}

// Patterns returns the artifact patterns.
func (a AnnotatorConfig) Patterns() annotator.Patterns {
	return annotator.Patterns{Result: a.ResultPattern, Log: a.LogPattern}
}

type ArchiveConfig struct {
	// Retention is how long a standard account's result stays hot after
	// completion.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

type ThawConfig struct {
	// Tiers is the retrieval tier order tried for each archived result:
	// a first choice and at most one fallback, no repeats.
	Tiers []string `mapstructure:"tiers" yaml:"tiers"`
}

// ParsedTiers converts Tiers to coldstore tiers.
func (t ThawConfig) ParsedTiers() ([]coldstore.Tier, error) {
	out := make([]coldstore.Tier, 0, len(t.Tiers))
	for _, s := range t.Tiers {
		tier, err := coldstore.ParseTier(s)
		if err != nil {
			return nil, err
		}
		out = append(out, tier)
	}
	if err := coldstore.ValidateTiers(out); err != nil {
		return nil, err
	}
	return out, nil
}

type NotifyConfig struct {
	// Backend is log or ses.
	Backend string `mapstructure:"backend" yaml:"backend"`
	From    string `mapstructure:"from" yaml:"from,omitempty"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Subject string `mapstructure:"subject" yaml:"subject,omitempty"`
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported value %q (want one of %s)", field, value, strings.Join(allowed, ", "))
}

// Validate checks cross-field requirements of the selected backends.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add(fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	add(oneOf("logging.profile", c.Logging.Profile, ProfileStructured, ProfileConsole))

	add(oneOf("registry.backend", c.Registry.Backend, BackendMemory, BackendFile, BackendSQLite, BackendPostgres, BackendDynamoDB))
	switch c.Registry.Backend {
	case BackendFile:
		if c.Registry.Path == "" {
			add(errors.New("registry.path is required for the file backend"))
		}
	case BackendSQLite, BackendPostgres:
		if c.Registry.DSN == "" {
			add(fmt.Errorf("registry.dsn is required for the %s backend", c.Registry.Backend))
		}
	case BackendDynamoDB:
		if c.Registry.Table == "" {
			add(errors.New("registry.table is required for the dynamodb backend"))
		}
	}

	add(oneOf("queue.backend", c.Queue.Backend, BackendMemory, BackendSQS, BackendRedis))
	if c.Queue.MaxMessages < 0 {
		add(errors.New("queue.max_messages must be >= 0"))
	}
	switch c.Queue.Backend {
	case BackendRedis:
		if c.Queue.Redis.Addr == "" {
			add(errors.New("queue.redis.addr is required for the redis backend"))
		}
	}

	add(oneOf("hot.backend", c.Hot.Backend, BackendMemory, BackendFile, BackendS3))
	switch c.Hot.Backend {
	case BackendFile:
		if c.Hot.Dir == "" {
			add(errors.New("hot.dir is required for the file backend"))
		}
	case BackendS3:
		if c.Hot.Bucket == "" {
			add(errors.New("hot.bucket is required for the s3 backend"))
		}
	}

	add(oneOf("cold.backend", c.Cold.Backend, BackendMemory, BackendGlacier))
	if c.Cold.Backend == BackendGlacier && c.Cold.Vault == "" {
		add(errors.New("cold.vault is required for the glacier backend"))
	}

	add(oneOf("runner.launcher", c.Runner.Launcher, LauncherProcess, LauncherInProcess))
	if c.Runner.MaxConcurrentJobs < 0 {
		add(errors.New("runner.max_concurrent_jobs must be >= 0"))
	}
	if c.Executor.UploadAttempts < 1 {
		add(errors.New("executor.upload_attempts must be >= 1"))
	}
	if err := c.Annotator.Patterns().Validate(); err != nil {
		add(fmt.Errorf("annotator: %w", err))
	}
	if c.Archive.Retention < 0 {
		add(errors.New("archive.retention must be >= 0"))
	}
	if tiers, err := c.Thaw.ParsedTiers(); err != nil {
		add(fmt.Errorf("thaw.tiers: %w", err))
	} else if len(tiers) == 0 {
		add(errors.New("thaw.tiers must name at least one tier"))
	}

	add(oneOf("notify.backend", c.Notify.Backend, BackendLog, BackendSES))
	if c.Notify.Backend == BackendSES && c.Notify.From == "" {
		add(errors.New("notify.from is required for the ses backend"))
	}

	return errors.Join(errs...)
}

// Endpoint returns the SQS endpoint for queueName.
func (q QueueConfig) Endpoint(queueName string) (QueueEndpoint, error) {
	ep, ok := q.Queues[queueName]
	if !ok || ep.URL == "" {
		return QueueEndpoint{}, fmt.Errorf("queue.queues.%s.url is not configured", queueName)
	}
	return ep, nil
}
