package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvDir, dir)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const sampleYAML = `
defaults:
  ssh_user: alice
  local_hostname: workstation
  output_dir: ~/analysis
  filename_filters:
    - '\.csv$'
profiles:
  cluster:
    pem_file: ~/.ssh/id_cluster
    project_path: https://svn.example.org/model
    filename_filter: '^summary'
  laptop:
    copy_local: true
`

func TestLoadDefaultLocation(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)

	f, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, path, f.Path())
	assert.Equal(t, "alice", f.Defaults.SSHUser)
	assert.Len(t, f.Profiles, 2)
}

func TestLoadMissingDefaultIsNil(t *testing.T) {
	t.Setenv(EnvDir, t.TempDir())
	f, err := Load("")
	require.NoError(t, err)
	assert.Nil(t, f)

	p, err := f.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, Profile{}, p)

	_, err = f.Resolve("cluster")
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "other.json", `{"defaults": {"db_url": "postgres://u:p@db/runs"}, "profiles": {"x": {"runset": "calib"}}}`)

	f, err := Load(path)
	require.NoError(t, err)
	p, err := f.Resolve("x")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db/runs", p.DBURL)
	assert.Equal(t, "calib", p.Runset)
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeConfig(t, "config.yaml", "\n\n")
	f, err := Load(path)
	require.NoError(t, err)
	assert.NotNil(t, f.Profiles)
}

func TestLoadMalformed(t *testing.T) {
	path := writeConfig(t, "config.yaml", "defaults: [unterminated")
	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestResolveOverlaysProfile(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)
	f, err := Load(path)
	require.NoError(t, err)

	p, err := f.Resolve("cluster")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.SSHUser)
	assert.Equal(t, "workstation", p.LocalHostname)
	assert.Equal(t, "~/.ssh/id_cluster", p.PemFile)
	assert.Equal(t, []string{"^summary"}, p.Patterns())

	p, err = f.Resolve("laptop")
	require.NoError(t, err)
	require.NotNil(t, p.CopyLocal)
	assert.True(t, *p.CopyLocal)
	assert.Equal(t, []string{`\.csv$`}, p.Patterns())

	_, err = f.Resolve("missing")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestDatabasePrecedence(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvDir, home)
	t.Setenv(EnvDBURL, "postgres://env/runs")

	cfg, err := Database("postgres://flag/runs", Profile{DBURL: "postgres://profile/runs"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://flag/runs", cfg.URL)

	cfg, err = Database("", Profile{DBURL: "postgres://profile/runs"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://profile/runs", cfg.URL)

	cfg, err = Database("", Profile{})
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/runs", cfg.URL)

	t.Setenv(EnvDBURL, "")
	cfg, err = Database("", Profile{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "runs.db"), cfg.URL)
	assert.Equal(t, 5*time.Second, cfg.PingTimeout)
}

func TestDatabasePoolTuningFromEnv(t *testing.T) {
	t.Setenv(EnvDir, t.TempDir())
	t.Setenv(EnvDBMaxOpenConns, "8")
	t.Setenv(EnvDBMaxIdleConns, "3")
	t.Setenv(EnvDBPingTimeout, "1s")

	cfg, err := Database("postgres://db/runs", Profile{})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxOpenConns)
	assert.Equal(t, 3, cfg.MaxIdleConns)
	assert.Equal(t, time.Second, cfg.PingTimeout)

	t.Setenv(EnvDBMaxIdleConns, "20")
	_, err = Database("postgres://db/runs", Profile{})
	assert.ErrorIs(t, err, ErrConfig)

	t.Setenv(EnvDBMaxOpenConns, "many")
	_, err = Database("postgres://db/runs", Profile{})
	assert.ErrorContains(t, err, EnvDBMaxOpenConns)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandPath("~/results")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "results"), got)

	got, err = ExpandPath("~")
	require.NoError(t, err)
	assert.Equal(t, home, got)

	got, err = ExpandPath("")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("MODELRUN_TEST_BOOL", "true")
	b, err := EnvBool("MODELRUN_TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, b)

	t.Setenv("MODELRUN_TEST_BOOL", "nah")
	_, err = EnvBool("MODELRUN_TEST_BOOL", false)
	assert.Error(t, err)

	assert.Equal(t, "fallback", EnvString("MODELRUN_TEST_UNSET", "fallback"))
}
