package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"zab/internal/config"
)

func writeYaml(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yml"), []byte(body), 0o640))
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeYaml(t, dir, "application", `
zab:
  server-id: s1
  servers: s1,s2,s3
  logdir: /tmp/zab/s1
`)

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(config.DefaultTimeoutMs), cfg.Zab.Timeout)
	require.Equal(t, config.DefaultSyncMaxBatchSize, cfg.Zab.SyncMaxBatchSize)
	require.Equal(t, "info", cfg.Application.LogLevel)
	require.Len(t, cfg.PeerIDs(), 3)
}

func TestLoadProfileOverlay(t *testing.T) {
	dir := t.TempDir()
	writeYaml(t, dir, "application", `
app:
  profile: test
zab:
  server-id: s1
  servers: s1
  logdir: /tmp/zab/s1
  timeout: 5000
`)
	writeYaml(t, dir, "application-test", `
zab:
  timeout: 200
`)

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(200), cfg.Zab.Timeout)
	require.Equal(t, "s1", cfg.Zab.ServerID)
}

func TestLoadExpandsEnvStrictly(t *testing.T) {
	dir := t.TempDir()
	writeYaml(t, dir, "application", `
zab:
  server-id: ${ZAB_TEST_SERVER_ID}
  servers: ${ZAB_TEST_SERVER_ID}
  logdir: /tmp/zab
`)

	_, err := config.Load(dir)
	require.Error(t, err)

	t.Setenv("ZAB_TEST_SERVER_ID", "s9")
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	require.Equal(t, "s9", cfg.Zab.ServerID)
}

func TestValidateRejectsMissingIdentity(t *testing.T) {
	dir := t.TempDir()
	writeYaml(t, dir, "application", `
zab:
  servers: s1,s2
  logdir: /tmp/zab
`)

	_, err := config.Load(dir)
	require.ErrorContains(t, err, "server-id")
}

func TestValidateRejectsSelfNotInServers(t *testing.T) {
	dir := t.TempDir()
	writeYaml(t, dir, "application", `
zab:
  server-id: s4
  servers: s1,s2,s3
  logdir: /tmp/zab
`)

	_, err := config.Load(dir)
	require.ErrorContains(t, err, "does not contain")
}
