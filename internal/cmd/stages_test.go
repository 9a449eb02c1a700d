package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/annopipe/internal/app"
	"github.com/3leaps/annopipe/internal/config"
	"github.com/3leaps/annopipe/pkg/events"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Registry:  config.RegistryConfig{Backend: config.BackendMemory},
		Queue:     config.QueueConfig{Backend: config.BackendMemory, MaxMessages: 10, WaitTime: 10 * time.Millisecond},
		Hot:       config.HotConfig{Backend: config.BackendMemory},
		Cold:      config.ColdConfig{Backend: config.BackendMemory},
		Runner:    config.RunnerConfig{WorkDir: t.TempDir(), LogDir: t.TempDir(), Launcher: config.LauncherInProcess},
		Executor:  config.ExecutorConfig{UploadAttempts: 1, UploadDelay: time.Millisecond},
		Annotator: config.AnnotatorConfig{Command: "true"},
		Archive:   config.ArchiveConfig{Retention: time.Minute},
		Thaw:      config.ThawConfig{Tiers: []string{"expedited", "standard"}},
		Notify:    config.NotifyConfig{Backend: config.BackendLog, BaseURL: "http://localhost/annotations"},
	}
}

func TestLauncherFor_ProcessNeedsSharedBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runner.Launcher = config.LauncherProcess
	b, err := app.Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, _, err = launcherFor(cfg, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inprocess")
}

func TestLauncherFor_InProcessWaits(t *testing.T) {
	cfg := testConfig(t)
	b, err := app.Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	l, wait, err := launcherFor(cfg, b)
	require.NoError(t, err)
	assert.NotNil(t, l)
	require.NotNil(t, wait)
	wait()
}

func TestStages_BuildAgainstMemoryBackends(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	b, err := app.Open(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	stages := []stage{runnerStage(cfg), notifyStage(cfg), archiveStage(cfg), thawStage(cfg), restoreStage()}
	wantQueues := []string{
		events.TopicJobRequests,
		events.TopicJobResults,
		events.TopicArchiveRequests,
		events.TopicThawRequests,
		events.TopicRestoreResults,
	}
	for i, s := range stages {
		t.Run(s.name, func(t *testing.T) {
			assert.Equal(t, wantQueues[i], s.queue)
			h, drain, err := s.build(ctx, b)
			require.NoError(t, err)
			assert.NotNil(t, h)
			if drain != nil {
				drain()
			}
		})
	}
}

func TestThawStage_RejectsUnknownTier(t *testing.T) {
	cfg := testConfig(t)
	cfg.Thaw.Tiers = []string{"instant"}
	b, err := app.Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, _, err = thawStage(cfg).build(context.Background(), b)
	assert.Error(t, err)
}
