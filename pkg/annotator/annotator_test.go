package annotator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "sample.vcf")
	touch(t, dir, "sample.annot.vcf")
	touch(t, dir, "sample.vcf.count.log")
	touch(t, dir, "runner.log")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "tmp"), 0o755))

	a, err := Collect(dir, Patterns{}, "sample.vcf", "runner.log")
	require.NoError(t, err)
	assert.Equal(t, "sample.annot.vcf", a.Result)
	assert.Equal(t, "sample.vcf.count.log", a.Log)
	assert.Equal(t, []string{"sample.annot.vcf", "sample.vcf.count.log"}, a.All)
}

func TestCollect_MissingResult(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "sample.vcf.count.log")

	_, err := Collect(dir, DefaultPatterns())
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestCollect_CustomPatterns(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "out.json")
	touch(t, dir, "out.txt")

	a, err := Collect(dir, Patterns{Result: "*.json", Log: "*.{txt,log}"})
	require.NoError(t, err)
	assert.Equal(t, "out.json", a.Result)
	assert.Equal(t, "out.txt", a.Log)
}

func TestPatterns_Validate(t *testing.T) {
	assert.NoError(t, DefaultPatterns().Validate())
	assert.Error(t, Patterns{Result: "[", Log: "*"}.Validate())
}

func TestCommand_Run(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	input := filepath.Join(dir, "sample.vcf")
	require.NoError(t, os.WriteFile(input, []byte("#vcf"), 0o644))

	var out bytes.Buffer
	cmd := &Command{Path: "sh", Args: []string{"-c", `cp "$0" sample.annot.vcf && echo done`}}
	require.NoError(t, cmd.Run(context.Background(), Invocation{InputPath: input, WorkDir: dir, Output: &out}))

	assert.FileExists(t, filepath.Join(dir, "sample.annot.vcf"))
	assert.Contains(t, out.String(), "done")
}

func TestCommand_RunFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	cmd := &Command{Path: "sh", Args: []string{"-c", "exit 3"}}
	err := cmd.Run(context.Background(), Invocation{InputPath: "x", WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 3")

	assert.Error(t, (&Command{}).Run(context.Background(), Invocation{}))
}
