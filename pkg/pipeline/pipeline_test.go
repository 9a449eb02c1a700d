package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annopipe/pkg/annotator"
	coldmem "github.com/3leaps/annopipe/pkg/coldstore/memory"
	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/jobregistry"
	"github.com/3leaps/annopipe/pkg/provider"
	hotmem "github.com/3leaps/annopipe/pkg/provider/memory"
	"github.com/3leaps/annopipe/pkg/queue"
	"github.com/3leaps/annopipe/pkg/queue/memq"
	"github.com/3leaps/annopipe/pkg/worker"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// clock is a settable time source shared by handlers and the broker.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	reg    *jobregistry.MemoryRegistry
	hot    *hotmem.Provider
	vault  *coldmem.Vault
	broker *memq.Broker
	clock  *clock
	deps   Deps
}

func newHarness(t *testing.T, vaultOpts ...coldmem.Option) *harness {
	t.Helper()
	c := &clock{now: epoch}
	broker := memq.NewBroker(queue.DefaultSubscriptions(events.Topics()...), memq.WithClock(c.Now))
	opts := append([]coldmem.Option{coldmem.WithNotifier(broker, events.TopicRestoreResults)}, vaultOpts...)
	h := &harness{
		reg:    jobregistry.NewMemoryRegistry(),
		hot:    hotmem.New(),
		vault:  coldmem.New(opts...),
		broker: broker,
		clock:  c,
	}
	h.deps = Deps{
		Registry:  h.reg,
		Hot:       h.hot,
		Cold:      h.vault,
		Publisher: broker,
		Now:       c.Now,
	}
	return h
}

// message wraps v as a queue delivery.
func message(t *testing.T, v any) queue.Message {
	t.Helper()
	body, err := events.Encode(v)
	require.NoError(t, err)
	return queue.Message{ID: "m-1", Body: body, Receipt: "r-1", Attempts: 1}
}

// drain runs one receive on queueName through h.
func (h *harness) drain(t *testing.T, queueName string, handler worker.Handler) worker.Stats {
	t.Helper()
	c, err := h.broker.Consumer(queueName)
	require.NoError(t, err)
	l := worker.New(c, handler, worker.Config{Stage: queueName, WaitTime: time.Millisecond}, nil)
	_, err = l.RunOnce(context.Background())
	require.NoError(t, err)
	return l.Stats()
}

// putInput stores an input object and returns its submission event.
func (h *harness) putInput(t *testing.T, jobID, account string, class jobregistry.AccountClass) events.SubmissionEvent {
	t.Helper()
	key := provider.InputKey(account, jobID, "sample.vcf")
	data := []byte("#VCF " + jobID)
	require.NoError(t, h.hot.Put(context.Background(), key, bytes.NewReader(data), int64(len(data))))
	return events.SubmissionEvent{
		JobID:         jobID,
		AccountID:     account,
		AccountClass:  string(class),
		AccountEmail:  account + "@example.com",
		AccountName:   account,
		InputName:     "sample.vcf",
		InputLocation: key,
		SubmitTime:    h.clock.Now().Unix(),
	}
}

// seedComplete stores a COMPLETE, HOT record with its result object.
func (h *harness) seedComplete(t *testing.T, jobID, account string, class jobregistry.AccountClass, result []byte) *jobregistry.JobRecord {
	t.Helper()
	ctx := context.Background()
	done := h.clock.Now()
	rec := &jobregistry.JobRecord{
		JobID:          jobID,
		AccountID:      account,
		AccountClass:   class,
		InputName:      "sample.vcf",
		InputLocation:  provider.InputKey(account, jobID, "sample.vcf"),
		SubmitTime:     done.Add(-time.Minute),
		JobStatus:      jobregistry.JobStatusComplete,
		CompleteTime:   &done,
		ResultLocation: provider.ResultKey(account, jobID, "sample.annot.vcf"),
		StorageState:   jobregistry.StorageHot,
	}
	require.NoError(t, h.reg.Create(ctx, rec))
	require.NoError(t, h.hot.Put(ctx, rec.ResultLocation, bytes.NewReader(result), int64(len(result))))
	return rec
}

func (h *harness) get(t *testing.T, jobID string) *jobregistry.JobRecord {
	t.Helper()
	rec, err := h.reg.Get(context.Background(), jobID)
	require.NoError(t, err)
	return rec
}

// fakeAnnotator copies the input to <name>.annot.vcf and writes a count log.
type fakeAnnotator struct {
	mu    sync.Mutex
	calls int
	err   error
	noLog bool
}

func (f *fakeAnnotator) Run(ctx context.Context, inv annotator.Invocation) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	in, err := os.ReadFile(inv.InputPath)
	if err != nil {
		return err
	}
	base := filepath.Base(inv.InputPath)
	stem := base[:len(base)-len(filepath.Ext(base))]
	if err := os.WriteFile(filepath.Join(inv.WorkDir, stem+".annot.vcf"), append([]byte("annotated "), in...), 0o644); err != nil {
		return err
	}
	if f.noLog {
		return nil
	}
	return os.WriteFile(filepath.Join(inv.WorkDir, base+".count.log"), []byte("counts"), 0o644)
}

func (f *fakeAnnotator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// syncLauncher runs the executor inline, so a handled submission has a
// finished job by the time Handle returns.
type syncLauncher struct {
	exec *Executor
	jobs []Job
	errs []error
}

func (l *syncLauncher) Launch(ctx context.Context, job Job, done func()) error {
	defer done()
	l.jobs = append(l.jobs, job)
	if l.exec != nil {
		l.errs = append(l.errs, l.exec.Run(ctx, job))
	}
	return nil
}

// holdLauncher records jobs and keeps their pool slots until released.
type holdLauncher struct {
	jobs  []Job
	dones []func()
	err   error
}

func (l *holdLauncher) Launch(ctx context.Context, job Job, done func()) error {
	if l.err != nil {
		return l.err
	}
	l.jobs = append(l.jobs, job)
	l.dones = append(l.dones, done)
	return nil
}

// readAll reads key from the hot store.
func readAll(t *testing.T, store provider.ObjectStore, key string) []byte {
	t.Helper()
	body, _, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	return data
}

func TestDeps_Require(t *testing.T) {
	_, err := NewArchiver(Deps{}, ArchiveConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry")

	_, err = NewRunner(Deps{Registry: jobregistry.NewMemoryRegistry(), Hot: hotmem.New()}, RunnerConfig{}, &holdLauncher{})
	assert.Error(t, err)
}

func TestJob_Validate(t *testing.T) {
	assert.NoError(t, Job{JobID: "j", InputPath: "/in", WorkDir: "/w"}.Validate())
	assert.Error(t, Job{InputPath: "/in", WorkDir: "/w"}.Validate())
	assert.Error(t, Job{JobID: "j", WorkDir: "/w"}.Validate())
	assert.Error(t, Job{JobID: "j", InputPath: "/in"}.Validate())
}

func assertDisposition(t *testing.T, want worker.Disposition, err error) {
	t.Helper()
	assert.Equal(t, want, worker.Classify(err), "error: %v", err)
}

var errBoom = errors.New("boom")

func queueMessage(body []byte) queue.Message {
	return queue.Message{ID: "m-raw", Body: body, Receipt: "r-raw", Attempts: 1}
}
