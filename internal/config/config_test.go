package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
log_level: debug
tool:
  path: /usr/local/bin/vcxfer
  timeout: 10m
  expire_days: 14
source:
  root: vc://cluster/root
destination:
  root: dest://store/backup
auth:
  token_command: ["vcauth", "print-token"]
  refresh_after: 45m
  user: operator
categories:
  - name: logs
    prefix: data/logs
  - name: audit
    prefix: data/logs/audit
    exclude: ["tmp*"]
run:
  threads: 4
  days_back: 7
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML), newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10*time.Minute, cfg.Tool.Timeout)
	assert.Equal(t, 2*time.Hour, cfg.Tool.ListTimeout)
	assert.Equal(t, 14, cfg.Tool.ExpireDays)
	assert.Equal(t, 45*time.Minute, cfg.Auth.RefreshAfter)
	assert.Equal(t, []string{"vcauth", "print-token"}, cfg.Auth.TokenCommand)
	assert.Equal(t, 4, cfg.Run.Threads)
	assert.Equal(t, 7, cfg.Run.DaysBack)
	assert.Equal(t, []string{PhaseList, PhaseDownload, PhaseUpload}, cfg.Run.Phases)
	require.Len(t, cfg.Categories, 2)
	assert.Equal(t, []string{"tmp*"}, cfg.Categories[1].Exclude)

	r := cfg.Resolver()
	assert.Equal(t, "vc://cluster/root", r.SourceRoot)
	assert.Equal(t, "dest://store/backup", r.DestinationRoot)
	assert.Equal(t, "./staging", r.StagingDir)
}

func TestFlagsOverrideFile(t *testing.T) {
	fs := newFlags(t,
		"--phase", "upload,download",
		"--threads", "16",
		"--category", "audit",
		"--retry",
		"--error-file", "/tmp/download_errors.csv",
		"--use-token",
		"--days-back", "3",
		"--log-level", "warn",
	)
	cfg, err := Load(writeConfig(t, sampleYAML), fs)
	require.NoError(t, err)

	assert.Equal(t, []string{PhaseDownload, PhaseUpload}, cfg.Run.Phases, "phases run in pipeline order")
	assert.Equal(t, 16, cfg.Run.Threads)
	assert.Equal(t, []string{"audit"}, cfg.Run.Categories)
	assert.True(t, cfg.Run.Retry)
	assert.Equal(t, "/tmp/download_errors.csv", cfg.Run.ErrorFile)
	assert.True(t, cfg.Auth.UseToken)
	assert.Equal(t, 3, cfg.Run.DaysBack)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.HasPhase(PhaseUpload))
	assert.False(t, cfg.HasPhase(PhaseList))
}

func TestPhaseAll(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML), newFlags(t, "--phase", "ALL"))
	require.NoError(t, err)
	assert.Equal(t, []string{PhaseList, PhaseDownload, PhaseUpload}, cfg.Run.Phases)
}

func TestS3DestinationRoot(t *testing.T) {
	_, err := Load(writeConfig(t, sampleYAML), newFlags(t, "--destination", "s3"))
	require.Error(t, err, "s3 needs endpoint and bucket")

	cfg := Default()
	cfg.Destination.Kind = DestinationS3
	cfg.Destination.S3.Bucket = "backup"
	cfg.Destination.S3.Prefix = "/archive/"
	assert.Equal(t, "s3://backup/archive", cfg.Resolver().DestinationRoot)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
		body string
	}{
		{"unknown phase", []string{"--phase", "sync"}, sampleYAML},
		{"zero threads", []string{"--threads", "0"}, sampleYAML},
		{"negative days", []string{"--days-back", "-1"}, sampleYAML},
		{"unknown destination", []string{"--destination", "ftp"}, sampleYAML},
		{"no tool", nil, "source:\n  root: vc://x\ndestination:\n  root: d://y\ncategories:\n  - name: a\n    prefix: a\n"},
		{"no categories", nil, "tool:\n  path: t\nsource:\n  root: vc://x\ndestination:\n  root: d://y\n"},
		{"duplicate category", nil, "tool:\n  path: t\nsource:\n  root: vc://x\ndestination:\n  root: d://y\ncategories:\n  - name: a\n    prefix: a\n  - name: A\n    prefix: b\n"},
		{"token without source", []string{"--use-token"}, "tool:\n  path: t\nsource:\n  root: vc://x\ndestination:\n  root: d://y\ncategories:\n  - name: a\n    prefix: a\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body), newFlags(t, tt.args...))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}
