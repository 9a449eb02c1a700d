package provider

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// onlyReader hides any Seek method of the wrapped reader.
type onlyReader struct{ r io.Reader }

func (o onlyReader) Read(p []byte) (int, error) { return o.r.Read(p) }

func TestSpool_InMemory_IsSeekable(t *testing.T) {
	b, err := Spool(onlyReader{strings.NewReader("hello")}, 5, 1024)
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Close()) }()

	out1, err := io.ReadAll(b.Reader())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out1))

	_, err = b.Reader().Seek(0, io.SeekStart)
	require.NoError(t, err)
	out2, err := io.ReadAll(b.Reader())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out2))
	assert.Equal(t, int64(5), b.Size())
}

func TestSpool_PassesThroughSeekers(t *testing.T) {
	src := bytes.NewReader([]byte("abc"))
	b, err := Spool(src, 3, 0)
	require.NoError(t, err)
	assert.Same(t, src, b.Reader())
	assert.NoError(t, b.Close())
}

func TestSpool_ShortBody(t *testing.T) {
	_, err := Spool(onlyReader{strings.NewReader("abc")}, 10, 1024)
	assert.Error(t, err)
}

func TestSpool_SpoolsToFile_CleansUp(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 1024)

	b, err := Spool(onlyReader{bytes.NewReader(payload)}, int64(len(payload)), 16)
	require.NoError(t, err)

	file, ok := b.Reader().(*os.File)
	require.True(t, ok)
	name := file.Name()

	out1, err := io.ReadAll(b.Reader())
	require.NoError(t, err)
	assert.Len(t, out1, len(payload))

	_, err = b.Reader().Seek(0, io.SeekStart)
	require.NoError(t, err)
	out2, err := io.ReadAll(b.Reader())
	require.NoError(t, err)
	assert.Len(t, out2, len(payload))
	assert.Equal(t, int64(len(payload)), b.Size())

	require.NoError(t, b.Close())
	_, statErr := os.Stat(name)
	assert.Error(t, statErr)
}

func TestSpool_UnknownSizeSpools(t *testing.T) {
	b, err := Spool(onlyReader{strings.NewReader("xyz")}, -1, 1024)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, ok := b.Reader().(*os.File)
	assert.True(t, ok)
	assert.Equal(t, int64(3), b.Size())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "inputs/acct-1/job-1/sample.vcf", InputKey("acct-1", "job-1", "/tmp/up/sample.vcf"))
	assert.Equal(t, "results/acct-1/job-1/", ResultPrefix("acct-1", "job-1"))
	assert.Equal(t, "results/acct-1/job-1/sample.annot.vcf", ResultKey("acct-1", "job-1", "work/sample.annot.vcf"))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&ProviderError{Err: ErrThrottled}))
	assert.True(t, IsTransient(ErrProviderUnavailable))
	assert.False(t, IsTransient(ErrNotFound))
	assert.False(t, IsTransient(ErrAccessDenied))
}

func TestIsMisconfigured(t *testing.T) {
	for _, err := range []error{ErrAccessDenied, ErrBucketNotFound, &ProviderError{Op: "Put", Err: ErrInvalidCredentials}} {
		assert.True(t, IsMisconfigured(err), err.Error())
		assert.False(t, IsTransient(err), err.Error())
	}
	assert.False(t, IsMisconfigured(ErrThrottled))
	assert.False(t, IsMisconfigured(ErrNotFound))
}
