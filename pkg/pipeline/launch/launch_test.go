package launch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annopipe/pkg/annotator"
	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/jobregistry"
	"github.com/3leaps/annopipe/pkg/pipeline"
	"github.com/3leaps/annopipe/pkg/provider"
	hotmem "github.com/3leaps/annopipe/pkg/provider/memory"
	"github.com/3leaps/annopipe/pkg/queue"
	"github.com/3leaps/annopipe/pkg/queue/memq"
)

func TestProcess_Command(t *testing.T) {
	p, err := NewProcess(ProcessConfig{
		Executable: "/usr/local/bin/annopipe",
		GlobalArgs: []string{"--config", "/etc/annopipe.yaml"},
		LogDir:     t.TempDir(),
	}, nil)
	require.NoError(t, err)

	cmd := p.Command(pipeline.Job{JobID: "job-1", InputPath: "/w/job-1/a.vcf", WorkDir: "/w/job-1"})
	assert.Equal(t, []string{
		"/usr/local/bin/annopipe",
		"--config", "/etc/annopipe.yaml",
		"execute",
		"--job-id", "job-1",
		"--input", "/w/job-1/a.vcf",
		"--work-dir", "/w/job-1",
	}, cmd.Args)
}

func TestNewProcess_RequiresLogDir(t *testing.T) {
	_, err := NewProcess(ProcessConfig{Executable: "annopipe"}, nil)
	assert.Error(t, err)
}

func TestProcess_LaunchCapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	logDir := t.TempDir()
	script := filepath.Join(t.TempDir(), "fake-annopipe")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\"\n"), 0o755))

	p, err := NewProcess(ProcessConfig{Executable: script, LogDir: logDir}, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	job := pipeline.Job{JobID: "job-1", InputPath: "/in/a.vcf", WorkDir: "/work/job-1"}
	require.NoError(t, p.Launch(context.Background(), job, func() { close(done) }))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("child did not exit")
	}
	out, err := os.ReadFile(p.LogPath("job-1"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "execute --job-id job-1 --input /in/a.vcf --work-dir /work/job-1")
}

func TestLaunch_RejectsIncompleteJob(t *testing.T) {
	p, err := NewProcess(ProcessConfig{Executable: "annopipe", LogDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Error(t, p.Launch(context.Background(), pipeline.Job{JobID: "job-1"}, func() {}))

	l := NewInProcess(nil, nil)
	assert.Error(t, l.Launch(context.Background(), pipeline.Job{}, func() {}))
}

func TestInProcess_RunsExecutor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	ctx := context.Background()
	reg := jobregistry.NewMemoryRegistry()
	hot := hotmem.New()
	broker := memq.NewBroker(queue.DefaultSubscriptions(events.Topics()...))

	require.NoError(t, reg.Create(ctx, &jobregistry.JobRecord{
		JobID:         "job-1",
		AccountID:     "acct-1",
		AccountClass:  jobregistry.AccountElevated,
		InputName:     "sample.vcf",
		InputLocation: provider.InputKey("acct-1", "job-1", "sample.vcf"),
		SubmitTime:    time.Now().UTC(),
		JobStatus:     jobregistry.JobStatusPending,
	}))
	dir := filepath.Join(t.TempDir(), "job-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	input := filepath.Join(dir, "sample.vcf")
	require.NoError(t, os.WriteFile(input, []byte("#VCF"), 0o644))

	var out bytes.Buffer
	exec, err := pipeline.NewExecutor(
		pipeline.Deps{Registry: reg, Hot: hot, Publisher: broker},
		&annotator.Command{Path: "sh", Args: []string{"-c", `cp "$0" sample.annot.vcf`}},
		pipeline.ExecutorConfig{UploadDelay: time.Millisecond, Output: &out},
	)
	require.NoError(t, err)

	l := NewInProcess(exec, nil)
	released := make(chan struct{})
	require.NoError(t, l.Launch(ctx, pipeline.Job{JobID: "job-1", InputPath: input, WorkDir: dir}, func() { close(released) }))
	l.Wait()
	<-released

	rec, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStatusComplete, rec.JobStatus)
	assert.True(t, hot.Has(rec.ResultLocation))
	assert.NoDirExists(t, dir)
	assert.Equal(t, 1, broker.Depth(events.TopicJobResults))
	assert.Zero(t, broker.Depth(events.TopicArchiveRequests))
}
