package glacier

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annopipe/pkg/coldstore"
)

type fakeGlacier struct {
	upload    *glacier.UploadArchiveInput
	uploaded  []byte
	initiate  *glacier.InitiateJobInput
	initErr   error
	output    *glacier.GetJobOutputOutput
	outputErr error
}

func (f *fakeGlacier) UploadArchive(ctx context.Context, in *glacier.UploadArchiveInput, _ ...func(*glacier.Options)) (*glacier.UploadArchiveOutput, error) {
	f.upload = in
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.uploaded = data
	return &glacier.UploadArchiveOutput{ArchiveId: aws.String("archive-1")}, nil
}

func (f *fakeGlacier) InitiateJob(ctx context.Context, in *glacier.InitiateJobInput, _ ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error) {
	f.initiate = in
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &glacier.InitiateJobOutput{JobId: aws.String("retrieval-1")}, nil
}

func (f *fakeGlacier) GetJobOutput(ctx context.Context, in *glacier.GetJobOutputInput, _ ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error) {
	if f.outputErr != nil {
		return nil, f.outputErr
	}
	return f.output, nil
}

type apiError struct{ code, msg string }

func (e *apiError) Error() string                 { return e.code + ": " + e.msg }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.msg }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

type plainReader struct{ r io.Reader }

func (p plainReader) Read(b []byte) (int, error) { return p.r.Read(b) }

func newVault(t *testing.T, f *fakeGlacier) *Vault {
	t.Helper()
	v, err := New(f, Config{Vault: "results-vault", SNSTopicARN: "arn:aws:sns:us-east-1:1:restore-results"})
	require.NoError(t, err)
	return v
}

func TestVault_Store(t *testing.T) {
	f := &fakeGlacier{}
	v := newVault(t, f)

	ref, err := v.Store(context.Background(), plainReader{strings.NewReader("annotated")}, 9, coldstore.Metadata{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "archive-1", ref)
	assert.Equal(t, "-", aws.ToString(f.upload.AccountId))
	assert.JSONEq(t, `{"job_id":"job-1"}`, aws.ToString(f.upload.ArchiveDescription))
	_, seekable := f.upload.Body.(io.Seeker)
	assert.True(t, seekable)
	assert.Equal(t, "annotated", string(f.uploaded))
}

func TestVault_RequestRetrieval(t *testing.T) {
	f := &fakeGlacier{}
	v := newVault(t, f)

	id, err := v.RequestRetrieval(context.Background(), "archive-1", coldstore.TierExpedited)
	require.NoError(t, err)
	assert.Equal(t, "retrieval-1", id)
	p := f.initiate.JobParameters
	assert.Equal(t, "archive-retrieval", aws.ToString(p.Type))
	assert.Equal(t, "Expedited", aws.ToString(p.Tier))
	assert.Equal(t, "arn:aws:sns:us-east-1:1:restore-results", aws.ToString(p.SNSTopic))
}

func TestVault_RequestRetrievalCapacity(t *testing.T) {
	f := &fakeGlacier{initErr: &types.InsufficientCapacityException{}}
	v := newVault(t, f)
	_, err := v.RequestRetrieval(context.Background(), "archive-1", coldstore.TierExpedited)
	assert.ErrorIs(t, err, coldstore.ErrCapacity)

	f.initErr = &apiError{code: "InsufficientCapacityException"}
	_, err = v.RequestRetrieval(context.Background(), "archive-1", coldstore.TierExpedited)
	assert.ErrorIs(t, err, coldstore.ErrCapacity)

	f.initErr = &apiError{code: "ThrottlingException"}
	_, err = v.RequestRetrieval(context.Background(), "archive-1", coldstore.TierStandard)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, coldstore.ErrCapacity))
}

func TestVault_FetchRetrieval(t *testing.T) {
	f := &fakeGlacier{output: &glacier.GetJobOutputOutput{
		ArchiveDescription: aws.String(`{"job_id":"job-1"}`),
		Body:               io.NopCloser(bytes.NewReader([]byte("annotated"))),
	}}
	v := newVault(t, f)

	r, err := v.FetchRetrieval(context.Background(), "retrieval-1")
	require.NoError(t, err)
	defer func() { _ = r.Body.Close() }()
	assert.Equal(t, "job-1", r.Meta.JobID)
	assert.Equal(t, int64(-1), r.Size)
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, "annotated", string(data))
}

func TestVault_FetchRetrievalErrors(t *testing.T) {
	f := &fakeGlacier{outputErr: &apiError{code: "InvalidParameterValueException", msg: "The job is not currently available for download"}}
	v := newVault(t, f)
	_, err := v.FetchRetrieval(context.Background(), "retrieval-1")
	assert.ErrorIs(t, err, coldstore.ErrRetrievalPending)

	f.outputErr = &types.ResourceNotFoundException{}
	_, err = v.FetchRetrieval(context.Background(), "retrieval-1")
	assert.ErrorIs(t, err, coldstore.ErrNotFound)

	f.outputErr = nil
	f.output = &glacier.GetJobOutputOutput{
		ArchiveDescription: aws.String("legacy description"),
		Body:               io.NopCloser(bytes.NewReader(nil)),
	}
	_, err = v.FetchRetrieval(context.Background(), "retrieval-1")
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	_, err := New(&fakeGlacier{}, Config{})
	assert.Error(t, err)
}
