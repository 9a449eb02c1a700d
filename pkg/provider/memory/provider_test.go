package memory

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annopipe/pkg/provider"
)

func TestProvider_RoundTrip(t *testing.T) {
	ctx := context.Background()
	p := New()

	require.NoError(t, p.Put(ctx, "inputs/a.vcf", strings.NewReader("vcf"), 3))
	assert.True(t, p.Has("inputs/a.vcf"))
	assert.Equal(t, []string{"inputs/a.vcf"}, p.Keys())

	body, size, err := p.Get(ctx, "inputs/a.vcf")
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	assert.Equal(t, "vcf", string(data))
	assert.Equal(t, int64(3), size)

	require.NoError(t, p.Delete(ctx, "inputs/a.vcf"))
	_, _, err = p.Get(ctx, "inputs/a.vcf")
	assert.True(t, provider.IsNotFound(err))
	assert.Empty(t, p.Keys())
}

func TestProvider_ShortBody(t *testing.T) {
	err := New().Put(context.Background(), "k", strings.NewReader("ab"), 5)
	assert.Error(t, err)
}
