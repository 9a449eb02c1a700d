package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annopipe/internal/config"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	SetVersionInfo("0.4.0", "9c1e2d7", "2026-03-01")
	assert.Equal(t, buildInfo{Version: "0.4.0", Commit: "9c1e2d7", BuildDate: "2026-03-01"}, versionInfo)

	SetVersionInfo("", "", "")
	assert.Empty(t, versionInfo.Version)
}

func TestGetAppIdentity(t *testing.T) {
	orig := appIdentity
	defer func() { appIdentity = orig }()

	appIdentity = nil
	assert.Nil(t, GetAppIdentity())

	id := config.DefaultIdentity
	appIdentity = &id
	assert.Same(t, appIdentity, GetAppIdentity())
}

func TestSetDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setDefaults()

	assert.Equal(t, 8080, viper.GetInt("server.port"))
	assert.Equal(t, "10s", viper.GetString("server.shutdown_timeout"))
	assert.True(t, viper.GetBool("metrics.enabled"))

	assert.Equal(t, "memory", viper.GetString("registry.backend"))
	assert.Equal(t, "memory", viper.GetString("queue.backend"))
	assert.Equal(t, "process", viper.GetString("runner.launcher"))
	assert.Equal(t, 0, viper.GetInt("runner.max_concurrent_jobs"))
	assert.Equal(t, "5m", viper.GetString("archive.retention"))
	assert.Equal(t, []string{"expedited", "standard"}, viper.GetStringSlice("thaw.tiers"))
	assert.Equal(t, "log", viper.GetString("notify.backend"))
}

func TestRootCommand_RegistersStages(t *testing.T) {
	want := []string{"runner", "execute", "archive", "thaw", "restore", "notify", "local", "submit", "upgrade", "jobs", "config", "version"}
	var got []string
	for _, c := range rootCmd.Commands() {
		got = append(got, c.Name())
	}
	for _, name := range want {
		assert.Contains(t, got, name)
	}
	assert.NotContains(t, got, "serve")
}

func TestVersionCommand_SkipsConfig(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--json"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()

	require.NoError(t, rootCmd.Execute())

	var info map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, versionInfo.Version, info["version"])
	assert.NotEmpty(t, info["go_version"])
}

func TestConfigExampleCommand(t *testing.T) {
	var out bytes.Buffer
	configExampleCmd.SetOut(&out)
	defer configExampleCmd.SetOut(nil)

	require.NoError(t, configExampleCmd.RunE(configExampleCmd, nil))
	assert.Contains(t, out.String(), "registry:")
	assert.Contains(t, out.String(), "tiers: [expedited, standard]")
}
