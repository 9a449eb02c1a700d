package coldstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTiers(t *testing.T) {
	tiers, err := ParseTiers(nil)
	require.NoError(t, err)
	assert.Equal(t, []Tier{TierExpedited, TierStandard}, tiers)

	tiers, err = ParseTiers([]string{"BULK", " standard "})
	require.NoError(t, err)
	assert.Equal(t, []Tier{TierBulk, TierStandard}, tiers)

	_, err = ParseTiers([]string{"instant"})
	assert.Error(t, err)

	_, err = ParseTiers([]string{"expedited", "standard", "bulk"})
	assert.ErrorContains(t, err, "at most 2")

	_, err = ParseTiers([]string{"standard", "Standard"})
	assert.ErrorContains(t, err, "twice")
}

func TestMetadataRoundTrip(t *testing.T) {
	s, err := EncodeMetadata(Metadata{JobID: "job-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":"job-1"}`, s)

	m, err := DecodeMetadata(s)
	require.NoError(t, err)
	assert.Equal(t, "job-1", m.JobID)

	_, err = DecodeMetadata(`{}`)
	assert.Error(t, err)
	_, err = DecodeMetadata(`annotation results`)
	assert.Error(t, err)
}
