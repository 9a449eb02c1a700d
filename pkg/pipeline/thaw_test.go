package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annopipe/pkg/coldstore"
	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/jobregistry"
	"github.com/3leaps/annopipe/pkg/worker"
)

// seedCold drives a seeded record through a real archive cycle.
func seedCold(t *testing.T, h *harness, jobID, account string, result []byte) *jobregistry.JobRecord {
	t.Helper()
	h.seedComplete(t, jobID, account, jobregistry.AccountStandard, result)
	h.clock.Advance(retention + time.Second)
	a, err := NewArchiver(h.deps, ArchiveConfig{Retention: retention})
	require.NoError(t, err)
	require.NoError(t, a.Handle(context.Background(), message(t, events.JobEvent{JobID: jobID})))
	rec := h.get(t, jobID)
	require.Equal(t, jobregistry.StorageCold, rec.StorageState)
	return rec
}

func newThawer(t *testing.T, h *harness) *Thawer {
	t.Helper()
	th, err := NewThawer(h.deps, ThawConfig{})
	require.NoError(t, err)
	return th
}

func TestThawer_UpgradesAndRequestsRetrieval(t *testing.T) {
	h := newHarness(t)
	seedCold(t, h, "job-cold", "acct-1", []byte("cold result"))
	h.seedComplete(t, "job-hot", "acct-1", jobregistry.AccountStandard, []byte("hot result"))
	h.seedComplete(t, "job-other", "acct-2", jobregistry.AccountStandard, []byte("other"))

	require.NoError(t, newThawer(t, h).Handle(context.Background(), message(t, events.UpgradeEvent{AccountID: "acct-1"})))

	cold := h.get(t, "job-cold")
	assert.Equal(t, jobregistry.AccountElevated, cold.AccountClass)
	assert.Equal(t, jobregistry.StorageRestoring, cold.StorageState)

	hot := h.get(t, "job-hot")
	assert.Equal(t, jobregistry.AccountElevated, hot.AccountClass)
	assert.Equal(t, jobregistry.StorageHot, hot.StorageState)

	assert.Equal(t, jobregistry.AccountStandard, h.get(t, "job-other").AccountClass)

	reqs := h.vault.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, coldstore.TierExpedited, reqs[0].Tier)
	assert.Equal(t, cold.ArchiveRef, reqs[0].ArchiveRef)
	assert.Equal(t, 1, h.broker.Depth(events.TopicRestoreResults))
}

func TestThawer_DowngradesTierExactlyOnce(t *testing.T) {
	h := newHarness(t)
	seedCold(t, h, "job-1", "acct-1", []byte("result"))
	h.vault.SetCapacity(coldstore.TierExpedited, false)

	require.NoError(t, newThawer(t, h).Handle(context.Background(), message(t, events.UpgradeEvent{AccountID: "acct-1"})))

	reqs := h.vault.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, coldstore.TierStandard, reqs[0].Tier)
	assert.Equal(t, jobregistry.StorageRestoring, h.get(t, "job-1").StorageState)
}

// countingVault counts retrieval requests per tier, including rejected ones.
type countingVault struct {
	coldstore.Vault
	tiers   []coldstore.Tier
	failRef string
}

func (c *countingVault) RequestRetrieval(ctx context.Context, ref string, tier coldstore.Tier) (string, error) {
	c.tiers = append(c.tiers, tier)
	if ref == c.failRef {
		return "", errors.New("vault unreachable")
	}
	return c.Vault.RequestRetrieval(ctx, ref, tier)
}

func TestThawer_CapacityExhaustedPropagates(t *testing.T) {
	h := newHarness(t)
	seedCold(t, h, "job-1", "acct-1", []byte("result"))
	h.vault.SetCapacity(coldstore.TierExpedited, false)
	h.vault.SetCapacity(coldstore.TierStandard, false)
	counting := &countingVault{Vault: h.vault}
	h.deps.Cold = counting

	err := newThawer(t, h).Handle(context.Background(), message(t, events.UpgradeEvent{AccountID: "acct-1"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, coldstore.ErrCapacity)
	assertDisposition(t, worker.DispositionDeadLetter, err)

	assert.Equal(t, []coldstore.Tier{coldstore.TierExpedited, coldstore.TierStandard}, counting.tiers)
	rec := h.get(t, "job-1")
	assert.Equal(t, jobregistry.StorageCold, rec.StorageState)
	assert.Equal(t, jobregistry.AccountElevated, rec.AccountClass)
}

func TestThawer_ContinuesPastFailedRecord(t *testing.T) {
	h := newHarness(t)
	bad := seedCold(t, h, "job-bad", "acct-1", []byte("bad"))
	seedCold(t, h, "job-good", "acct-1", []byte("good"))
	h.deps.Cold = &countingVault{Vault: h.vault, failRef: bad.ArchiveRef}

	err := newThawer(t, h).Handle(context.Background(), message(t, events.UpgradeEvent{AccountID: "acct-1"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job-bad")
	assertDisposition(t, worker.DispositionLeave, err)

	assert.Equal(t, jobregistry.StorageCold, h.get(t, "job-bad").StorageState)
	assert.Equal(t, jobregistry.StorageRestoring, h.get(t, "job-good").StorageState)
}

func TestThawer_RerunIsSafe(t *testing.T) {
	h := newHarness(t)
	seedCold(t, h, "job-1", "acct-1", []byte("result"))
	th := newThawer(t, h)
	msg := message(t, events.UpgradeEvent{AccountID: "acct-1"})

	require.NoError(t, th.Handle(context.Background(), msg))
	require.NoError(t, th.Handle(context.Background(), msg))
	assert.Len(t, h.vault.Requests(), 1)
	assert.Equal(t, jobregistry.StorageRestoring, h.get(t, "job-1").StorageState)
}

func TestThawer_CustomTierOrder(t *testing.T) {
	h := newHarness(t)
	seedCold(t, h, "job-1", "acct-1", []byte("result"))
	th, err := NewThawer(h.deps, ThawConfig{Tiers: []coldstore.Tier{coldstore.TierBulk}})
	require.NoError(t, err)

	require.NoError(t, th.Handle(context.Background(), message(t, events.UpgradeEvent{AccountID: "acct-1"})))
	reqs := h.vault.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, coldstore.TierBulk, reqs[0].Tier)
}

func TestNewThawer_RejectsLongTierList(t *testing.T) {
	h := newHarness(t)
	_, err := NewThawer(h.deps, ThawConfig{Tiers: []coldstore.Tier{coldstore.TierExpedited, coldstore.TierStandard, coldstore.TierBulk}})
	assert.Error(t, err)
	_, err = NewThawer(h.deps, ThawConfig{Tiers: []coldstore.Tier{coldstore.TierBulk, coldstore.TierBulk}})
	assert.Error(t, err)
}

func TestThawer_UnknownAccount(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, newThawer(t, h).Handle(context.Background(), queueMessage([]byte(`"nobody"`))))

	err := newThawer(t, h).Handle(context.Background(), queueMessage([]byte(`{}`)))
	assertDisposition(t, worker.DispositionDeadLetter, err)
}

func TestThawer_WaitsForInterruptedArchive(t *testing.T) {
	h := newHarness(t)
	h.seedComplete(t, "job-1", "acct-1", jobregistry.AccountStandard, []byte("result"))
	h.clock.Advance(time.Hour)
	ok, err := jobregistry.ClaimStorage(context.Background(), h.reg, "job-1",
		jobregistry.StorageHot, jobregistry.StorageArchiving, jobregistry.Assign{})
	require.NoError(t, err)
	require.True(t, ok)

	th := newThawer(t, h)
	upgrade := message(t, events.UpgradeEvent{AccountID: "acct-1"})
	err = th.Handle(context.Background(), upgrade)
	assertDisposition(t, worker.DispositionLeave, err)
	assert.Equal(t, jobregistry.AccountElevated, h.get(t, "job-1").AccountClass)
	assert.Empty(t, h.vault.Requests())

	// The archive event is redelivered and the cycle completes.
	require.NoError(t, newArchiver(t, h).Handle(context.Background(), message(t, events.JobEvent{JobID: "job-1"})))
	require.Equal(t, jobregistry.StorageCold, h.get(t, "job-1").StorageState)

	require.NoError(t, th.Handle(context.Background(), upgrade))
	assert.Equal(t, jobregistry.StorageRestoring, h.get(t, "job-1").StorageState)
	assert.Len(t, h.vault.Requests(), 1)
}
