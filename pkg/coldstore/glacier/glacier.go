// Package glacier implements the cold store on an Amazon S3 Glacier vault.
package glacier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/annopipe/pkg/coldstore"
	"github.com/3leaps/annopipe/pkg/provider"
)

// API is the subset of the Glacier client used by Vault.
type API interface {
	UploadArchive(ctx context.Context, params *glacier.UploadArchiveInput, optFns ...func(*glacier.Options)) (*glacier.UploadArchiveOutput, error)
	InitiateJob(ctx context.Context, params *glacier.InitiateJobInput, optFns ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error)
	GetJobOutput(ctx context.Context, params *glacier.GetJobOutputInput, optFns ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error)
}

// Config configures a Glacier vault.
type Config struct {
	// Vault is the vault name (required).
	Vault string

	// AccountID owns the vault. "-" means the credentials' account.
	AccountID string

	// SNSTopicARN receives retrieval-completion notifications; it should be
	// the restore-results topic.
	SNSTopicARN string

	// SpoolMaxMemoryBytes bounds in-memory buffering of uploads, which must
	// be seekable for the tree-hash checksum. Zero uses the default.
	SpoolMaxMemoryBytes int64
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vault) == "" {
		return errors.New("glacier vault name is required")
	}
	return nil
}

// Vault implements coldstore.Vault.
type Vault struct {
	client   API
	vault    string
	account  string
	snsTopic string
	spoolMax int64
}

var _ coldstore.Vault = (*Vault)(nil)

func New(client API, cfg Config) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	account := cfg.AccountID
	if account == "" {
		account = "-"
	}
	return &Vault{
		client:   client,
		vault:    cfg.Vault,
		account:  account,
		snsTopic: cfg.SNSTopicARN,
		spoolMax: cfg.SpoolMaxMemoryBytes,
	}, nil
}

// Store uploads body as a single archive. The metadata is stored as the
// archive description.
func (v *Vault) Store(ctx context.Context, body io.Reader, size int64, meta coldstore.Metadata) (string, error) {
	desc, err := coldstore.EncodeMetadata(meta)
	if err != nil {
		return "", err
	}
	spooled, err := provider.Spool(body, size, v.spoolMax)
	if err != nil {
		return "", fmt.Errorf("glacier store %s: buffer body: %w", meta.JobID, err)
	}
	defer func() { _ = spooled.Close() }()

	out, err := v.client.UploadArchive(ctx, &glacier.UploadArchiveInput{
		AccountId:          aws.String(v.account),
		VaultName:          aws.String(v.vault),
		ArchiveDescription: aws.String(desc),
		Body:               spooled.Reader(),
	})
	if err != nil {
		return "", v.wrapError("UploadArchive", err)
	}
	ref := aws.ToString(out.ArchiveId)
	if ref == "" {
		return "", fmt.Errorf("glacier store %s: empty archive id", meta.JobID)
	}
	return ref, nil
}

// RequestRetrieval initiates an archive-retrieval job at tier.
func (v *Vault) RequestRetrieval(ctx context.Context, archiveRef string, tier coldstore.Tier) (string, error) {
	params := &types.JobParameters{
		Type:      aws.String("archive-retrieval"),
		ArchiveId: aws.String(archiveRef),
		Tier:      aws.String(string(tier)),
	}
	if v.snsTopic != "" {
		params.SNSTopic = aws.String(v.snsTopic)
	}
	out, err := v.client.InitiateJob(ctx, &glacier.InitiateJobInput{
		AccountId:     aws.String(v.account),
		VaultName:     aws.String(v.vault),
		JobParameters: params,
	})
	if err != nil {
		return "", v.wrapError("InitiateJob", err)
	}
	return aws.ToString(out.JobId), nil
}

// FetchRetrieval streams the output of a completed retrieval job.
func (v *Vault) FetchRetrieval(ctx context.Context, retrievalID string) (*coldstore.Retrieval, error) {
	out, err := v.client.GetJobOutput(ctx, &glacier.GetJobOutputInput{
		AccountId: aws.String(v.account),
		VaultName: aws.String(v.vault),
		JobId:     aws.String(retrievalID),
	})
	if err != nil {
		return nil, v.wrapError("GetJobOutput", err)
	}
	meta, err := coldstore.DecodeMetadata(aws.ToString(out.ArchiveDescription))
	if err != nil {
		_ = out.Body.Close()
		return nil, err
	}
	return &coldstore.Retrieval{Meta: meta, Body: out.Body, Size: -1}, nil
}

// wrapError joins the matching coldstore sentinel, if any, with the SDK error.
func (v *Vault) wrapError(op string, err error) error {
	var (
		capacity *types.InsufficientCapacityException
		notFound *types.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &capacity):
		return fmt.Errorf("glacier %s %s: %w: %w", op, v.vault, coldstore.ErrCapacity, err)
	case errors.As(err, &notFound):
		return fmt.Errorf("glacier %s %s: %w: %w", op, v.vault, coldstore.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InsufficientCapacityException":
			return fmt.Errorf("glacier %s %s: %w: %w", op, v.vault, coldstore.ErrCapacity, err)
		case "ResourceNotFoundException":
			return fmt.Errorf("glacier %s %s: %w: %w", op, v.vault, coldstore.ErrNotFound, err)
		case "InvalidParameterValueException":
			if strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "not currently available") {
				return fmt.Errorf("glacier %s %s: %w: %w", op, v.vault, coldstore.ErrRetrievalPending, err)
			}
		}
	}
	return fmt.Errorf("glacier %s %s: %w", op, v.vault, err)
}
