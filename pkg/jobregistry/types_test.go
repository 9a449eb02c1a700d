package jobregistry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_CanAdvanceTo(t *testing.T) {
	assert.True(t, JobStatusPending.CanAdvanceTo(JobStatusRunning))
	assert.True(t, JobStatusRunning.CanAdvanceTo(JobStatusComplete))
	assert.False(t, JobStatusPending.CanAdvanceTo(JobStatusComplete))
	assert.False(t, JobStatusComplete.CanAdvanceTo(JobStatusPending))
	assert.False(t, JobStatusRunning.CanAdvanceTo(JobStatusRunning))
	assert.False(t, JobStatus("FAILED").CanAdvanceTo(JobStatusPending))
}

func TestStorageState_Cycle(t *testing.T) {
	steps := []StorageState{StorageAbsent, StorageHot, StorageArchiving, StorageCold, StorageRestoring, StorageHot}
	for i := 0; i+1 < len(steps); i++ {
		assert.True(t, steps[i].CanAdvanceTo(steps[i+1]), "%s -> %s", steps[i], steps[i+1])
	}
	assert.False(t, StorageHot.CanAdvanceTo(StorageCold))
	assert.False(t, StorageCold.CanAdvanceTo(StorageHot))
	assert.False(t, StorageRestoring.CanAdvanceTo(StorageAbsent))
	assert.Equal(t, "absent", StorageAbsent.String())
	assert.Equal(t, "COLD", StorageCold.String())
}

func TestParseAccountClass(t *testing.T) {
	c, err := ParseAccountClass(" Elevated ")
	require.NoError(t, err)
	assert.Equal(t, AccountElevated, c)

	_, err = ParseAccountClass("premium_plus")
	assert.Error(t, err)
}

func TestJobRecord_JSONRejectsUnknownClass(t *testing.T) {
	var rec JobRecord
	err := json.Unmarshal([]byte(`{"job_id":"j","account_class":"gold"}`), &rec)
	assert.Error(t, err)

	_, err = json.Marshal(&JobRecord{JobID: "j", AccountClass: "gold"})
	assert.Error(t, err)
}

func TestJobRecord_JSONOmitsAbsentFields(t *testing.T) {
	rec := &JobRecord{
		JobID:         "job-1",
		AccountID:     "acct-1",
		AccountClass:  AccountStandard,
		InputName:     "a.vcf",
		InputLocation: "inputs/a.vcf",
		SubmitTime:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		JobStatus:     JobStatusPending,
	}
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "storage_state")
	assert.NotContains(t, string(b), "complete_time")
}

func TestJobRecord_CloneIsDeep(t *testing.T) {
	done := time.Now()
	rec := &JobRecord{JobID: "job-1", CompleteTime: &done}
	c := rec.Clone()
	require.NotNil(t, c.CompleteTime)
	*c.CompleteTime = done.Add(time.Hour)
	assert.True(t, rec.CompleteTime.Equal(done))
}
