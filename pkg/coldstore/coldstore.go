// Package coldstore defines the archival vault that holds results of
// standard-class accounts after the retention window.
//
// Archives are written once and read back through an asynchronous retrieval:
// RequestRetrieval starts a job at a chosen speed tier, the vault announces
// completion on the restore-results topic, and FetchRetrieval streams the
// bytes.
package coldstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrCapacity means the vault cannot accept a retrieval at the requested
	// tier right now. Callers may retry at a slower tier.
	ErrCapacity = errors.New("insufficient retrieval capacity")

	// ErrNotFound means the archive or retrieval does not exist.
	ErrNotFound = errors.New("archive or retrieval not found")

	// ErrRetrievalPending means the retrieval has not finished yet.
	ErrRetrievalPending = errors.New("retrieval not complete")
)

// Tier is a retrieval speed class.
type Tier string

const (
	TierExpedited Tier = "Expedited"
	TierStandard  Tier = "Standard"
	TierBulk      Tier = "Bulk"
)

// DefaultTiers is the retrieval order used by the thaw worker: try the fast
// tier first and fall back exactly once.
func DefaultTiers() []Tier {
	return []Tier{TierExpedited, TierStandard}
}

// ParseTier accepts tier names case-insensitively.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "expedited":
		return TierExpedited, nil
	case "standard":
		return TierStandard, nil
	case "bulk":
		return TierBulk, nil
	default:
		return "", fmt.Errorf("unknown retrieval tier %q", s)
	}
}

// MaxTiers bounds a tier list to a first choice plus one downgrade.
const MaxTiers = 2

// ParseTiers parses an ordered tier list. An empty list yields DefaultTiers.
func ParseTiers(names []string) ([]Tier, error) {
	if len(names) == 0 {
		return DefaultTiers(), nil
	}
	out := make([]Tier, 0, len(names))
	for _, n := range names {
		t, err := ParseTier(n)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := ValidateTiers(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateTiers checks a tier list: at most MaxTiers entries, none repeated.
func ValidateTiers(tiers []Tier) error {
	if len(tiers) > MaxTiers {
		return fmt.Errorf("at most %d retrieval tiers allowed, got %d", MaxTiers, len(tiers))
	}
	seen := make(map[Tier]bool, len(tiers))
	for _, t := range tiers {
		if seen[t] {
			return fmt.Errorf("retrieval tier %s listed twice", t)
		}
		seen[t] = true
	}
	return nil
}

// Metadata is stored alongside each archive and returned with every
// retrieval, so a completed retrieval can be tied back to its job.
type Metadata struct {
	JobID string `json:"job_id"`
}

// EncodeMetadata renders the archive description.
func EncodeMetadata(m Metadata) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMetadata parses an archive description.
func DecodeMetadata(s string) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Metadata{}, fmt.Errorf("decode archive metadata: %w", err)
	}
	if strings.TrimSpace(m.JobID) == "" {
		return Metadata{}, errors.New("archive metadata has no job_id")
	}
	return m, nil
}

// Retrieval is the output of a finished retrieval job.
type Retrieval struct {
	Meta Metadata

	// Body streams the archived bytes. The caller closes it.
	Body io.ReadCloser

	// Size is the body length, or -1 when the vault does not report it.
	Size int64
}

// Vault is the cold storage contract.
type Vault interface {
	// Store uploads body and returns the archive reference.
	Store(ctx context.Context, body io.Reader, size int64, meta Metadata) (string, error)

	// RequestRetrieval starts an asynchronous retrieval at tier. It returns
	// ErrCapacity when the tier cannot take the request.
	RequestRetrieval(ctx context.Context, archiveRef string, tier Tier) (string, error)

	// FetchRetrieval returns the output of a completed retrieval.
	FetchRetrieval(ctx context.Context, retrievalID string) (*Retrieval, error)
}
