//go:build cloudintegration

package s3_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annopipe/pkg/provider"
	"github.com/3leaps/annopipe/pkg/provider/s3"
	"github.com/3leaps/annopipe/test/cloudtest"
)

func newProvider(t *testing.T, ctx context.Context, bucket string) *s3.Provider {
	t.Helper()
	p, err := s3.New(ctx, s3.Config{
		Bucket:          bucket,
		Endpoint:        cloudtest.Endpoint,
		Region:          cloudtest.Region,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProvider_RoundTrip_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	p := newProvider(t, ctx, bucket)

	key := provider.ResultKey("acct-1", "job-1", "sample.annot.vcf")
	payload := []byte("##fileformat=VCFv4.2\n")
	require.NoError(t, p.Put(ctx, key, bytes.NewReader(payload), int64(len(payload))))

	body, size, err := p.Get(ctx, key)
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	_ = body.Close()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, int64(len(payload)), size)

	require.NoError(t, p.Delete(ctx, key))
	_, _, err = p.Get(ctx, key)
	assert.True(t, provider.IsNotFound(err))

	// Deleting again is a no-op.
	require.NoError(t, p.Delete(ctx, key))
}

func TestProvider_MissingBucket_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	p := newProvider(t, ctx, "nonexistent-bucket-12345")
	_, _, err := p.Get(ctx, "inputs/a.vcf")
	require.Error(t, err)

	var provErr *provider.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.ErrorIs(t, provErr.Err, provider.ErrBucketNotFound)
}
