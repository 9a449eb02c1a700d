package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/jobregistry"
	"github.com/3leaps/annopipe/pkg/queue"
)

// TestScenario_FullLifecycle drives one standard job through every stage
// over the in-memory topics: submit, run, notify, archive, upgrade, thaw,
// restore, and a late archive request after the upgrade.
func TestScenario_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ann := &fakeAnnotator{}

	exec := newExecutor(t, h, ann)
	runner, err := NewRunner(h.deps, RunnerConfig{WorkDir: t.TempDir(), MaxConcurrentJobs: 2}, &syncLauncher{exec: exec})
	require.NoError(t, err)
	archiver, err := NewArchiver(h.deps, ArchiveConfig{Retention: retention})
	require.NoError(t, err)
	thawer := newThawer(t, h)
	restorer := newRestorer(t, h)
	rn := &recordingNotifier{}
	notifier, err := NewNotifier(h.deps, rn, NotifyConfig{BaseURL: "https://annopipe.example.com/annotations"})
	require.NoError(t, err)

	// Submit and run.
	require.NoError(t, queue.PublishJSON(ctx, h.broker, events.TopicJobRequests,
		h.putInput(t, "job-1", "acct-1", jobregistry.AccountStandard)))
	stats := h.drain(t, events.TopicJobRequests, runner)
	assert.Equal(t, int64(1), stats.Acked)
	assert.Equal(t, 1, ann.Calls())
	assert.Equal(t, 0, runner.Pool().InFlight())

	rec := h.get(t, "job-1")
	require.Equal(t, jobregistry.JobStatusComplete, rec.JobStatus)
	require.Equal(t, jobregistry.StorageHot, rec.StorageState)
	result := readAll(t, h.hot, rec.ResultLocation)
	assert.Equal(t, "annotated #VCF job-1", string(result))

	// Notify.
	stats = h.drain(t, events.TopicJobResults, notifier)
	assert.Equal(t, int64(1), stats.Acked)
	require.Len(t, rn.sent, 1)
	assert.Equal(t, []string{"acct-1@example.com"}, rn.sent[0].To)

	// Archive waits out the retention window, then runs on redelivery.
	stats = h.drain(t, events.TopicArchiveRequests, archiver)
	assert.Equal(t, int64(1), stats.Left)
	assert.Equal(t, jobregistry.StorageHot, h.get(t, "job-1").StorageState)

	h.clock.Advance(retention + time.Minute)
	stats = h.drain(t, events.TopicArchiveRequests, archiver)
	assert.Equal(t, int64(1), stats.Acked)
	rec = h.get(t, "job-1")
	assert.Equal(t, jobregistry.StorageCold, rec.StorageState)
	assert.NotEmpty(t, rec.ArchiveRef)
	assert.False(t, h.hot.Has(rec.ResultLocation))

	// Upgrade thaws the result.
	require.NoError(t, queue.PublishJSON(ctx, h.broker, events.TopicThawRequests, events.UpgradeEvent{AccountID: "acct-1"}))
	stats = h.drain(t, events.TopicThawRequests, thawer)
	assert.Equal(t, int64(1), stats.Acked)
	rec = h.get(t, "job-1")
	assert.Equal(t, jobregistry.AccountElevated, rec.AccountClass)
	assert.Equal(t, jobregistry.StorageRestoring, rec.StorageState)

	stats = h.drain(t, events.TopicRestoreResults, restorer)
	assert.Equal(t, int64(1), stats.Acked)
	rec = h.get(t, "job-1")
	assert.Equal(t, jobregistry.StorageHot, rec.StorageState)
	assert.Equal(t, result, readAll(t, h.hot, rec.ResultLocation))

	// A duplicate completion and a stale archive request are both no-ops.
	require.NoError(t, queue.PublishJSON(ctx, h.broker, events.TopicRestoreResults, completion(t, h)))
	stats = h.drain(t, events.TopicRestoreResults, restorer)
	assert.Equal(t, int64(1), stats.Acked)

	require.NoError(t, queue.PublishJSON(ctx, h.broker, events.TopicArchiveRequests, events.JobEvent{JobID: "job-1"}))
	h.clock.Advance(retention + time.Minute)
	stats = h.drain(t, events.TopicArchiveRequests, archiver)
	assert.Equal(t, int64(1), stats.Acked)
	assert.Equal(t, jobregistry.StorageHot, h.get(t, "job-1").StorageState)

	for _, name := range h.broker.Queues() {
		assert.Zero(t, h.broker.Depth(name), "queue %s", name)
		assert.Empty(t, h.broker.DeadLetters(name), "queue %s", name)
	}
	assert.Len(t, h.vault.Requests(), 1)
}
