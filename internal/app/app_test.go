package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bulkxfer/internal/catalog"
	"bulkxfer/internal/config"
	"bulkxfer/internal/failure"
	"bulkxfer/internal/job"
	"bulkxfer/internal/source"
	"bulkxfer/internal/tool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sourceRoot = "vc://cluster/root"

// fakeTool answers list, mkdir and copy like the transfer tool. Downloads
// write the staged file so uploads can find it.
type fakeTool struct {
	listing string
	listErr bool
	fail    func(source string) (string, bool)
	onCopy  func()

	mu     sync.Mutex
	copies map[string]int
}

func (f *fakeTool) Invoke(_ context.Context, args ...string) (*tool.Result, error) {
	cmd := tool.CommandLine("vcxfer", args)
	switch args[0] {
	case "list":
		if f.listErr {
			return &tool.Result{Command: cmd, Output: "connection refused", ExitCode: 2}, tool.ErrExit
		}
		return &tool.Result{Command: cmd, Stdout: f.listing, Output: f.listing}, nil
	case "mkdir":
		return &tool.Result{Command: cmd}, nil
	case "copy":
		src, dst := args[1], args[2]
		f.mu.Lock()
		if f.copies == nil {
			f.copies = make(map[string]int)
		}
		f.copies[src]++
		f.mu.Unlock()
		if f.onCopy != nil {
			f.onCopy()
		}

		if f.fail != nil {
			if msg, ok := f.fail(src); ok {
				return &tool.Result{Command: cmd, Output: msg, ExitCode: 1}, tool.ErrExit
			}
		}
		if strings.HasPrefix(src, sourceRoot) {
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(dst, []byte("payload"), 0o644); err != nil {
				return nil, err
			}
		}
		return &tool.Result{Command: cmd, Duration: time.Millisecond}, nil
	}
	return &tool.Result{Command: cmd, Output: "unknown command", ExitCode: 2}, tool.ErrExit
}

func (f *fakeTool) copyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.copies {
		n += c
	}
	return n
}

func listing(n int) string {
	var b strings.Builder
	b.WriteString("Directory: " + sourceRoot + "/logs\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "  Stream %s/logs/file_%03d.bin 7\n", sourceRoot, i)
	}
	return b.String()
}

var diagnostics = []string{
	"Permission denied",
	"No such file or directory",
	"read: connection reset by peer",
	"",
}

// failEveryFifth fails 20 of 100 files with mixed diagnostics
func failEveryFifth(src string) (string, bool) {
	var i int
	if _, err := fmt.Sscanf(filepath.Base(src), "file_%03d.bin", &i); err != nil || i%5 != 0 {
		return "", false
	}
	return diagnostics[(i/5)%len(diagnostics)], true
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Tool.Path = "vcxfer"
	cfg.Source.Root = sourceRoot
	cfg.Destination.Root = "dest://store/backup"
	cfg.Categories = []catalog.Rule{{Name: "logs", Prefix: "logs"}}
	cfg.Run.Threads = 5
	cfg.Run.StagingDir = filepath.Join(dir, "staging")
	cfg.Run.OutputDir = filepath.Join(dir, "output")
	cfg.Run.ShowProgress = false
	cfg.Run.GracePeriod = time.Second
	return cfg
}

func runPipeline(t *testing.T, cfg *config.Config, ft *fakeTool) (*Pipeline, string, error) {
	t.Helper()
	return runPipelineContext(context.Background(), t, cfg, ft)
}

func runPipelineContext(ctx context.Context, t *testing.T, cfg *config.Config, ft *fakeTool) (*Pipeline, string, error) {
	t.Helper()
	var out bytes.Buffer
	p, err := New(cfg, zaptest.NewLogger(t), WithInvoker(ft), WithOutput(&out))
	require.NoError(t, err)
	runErr := p.Run(ctx)
	require.NoError(t, p.Close())
	return p, out.String(), runErr
}

func phaseSummary(t *testing.T, p *Pipeline, phase string) job.PhaseSummary {
	t.Helper()
	for _, s := range p.Summaries() {
		if s.Phase == phase {
			return s
		}
	}
	t.Fatalf("no %s summary", phase)
	return job.PhaseSummary{}
}

func TestPipelineRetryRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	ft := &fakeTool{listing: listing(100), fail: failEveryFifth}

	p, out, err := runPipeline(t, cfg, ft)
	require.NoError(t, err)

	assert.Equal(t, 100, phaseSummary(t, p, job.PhaseList).Listed)
	dl := phaseSummary(t, p, job.PhaseDownload)
	assert.Equal(t, 80, dl.Downloaded)
	assert.Equal(t, 20, dl.Failed)
	require.NotEmpty(t, dl.RetryFile)
	assert.NotEmpty(t, dl.Report)
	up := phaseSummary(t, p, job.PhaseUpload)
	assert.Equal(t, 80, up.Uploaded)
	assert.Zero(t, up.Failed)
	assert.Empty(t, up.RetryFile)

	assert.Contains(t, out, "--retry --error-file "+dl.RetryFile)
	assert.FileExists(t, filepath.Join(cfg.Run.OutputDir, ListDir, "catalog_detailed.txt"))

	records, err := failure.LoadRetryFile(dl.RetryFile)
	require.NoError(t, err)
	require.Len(t, records, 20)
	failed := make(map[string]bool)
	for _, r := range records {
		failed[r.RelativePath] = true
	}
	for i := 0; i < 100; i += 5 {
		assert.True(t, failed[fmt.Sprintf("logs/file_%03d.bin", i)], "file %d missing from retry file", i)
	}

	// Second run: conditions fixed, the latest retry file is picked up.
	retryCfg := testConfig(t)
	retryCfg.Run.StagingDir = cfg.Run.StagingDir
	retryCfg.Run.OutputDir = cfg.Run.OutputDir
	retryCfg.Run.Phases = []string{config.PhaseDownload, config.PhaseUpload}
	retryCfg.Run.Retry = true
	fixed := &fakeTool{}

	p, _, err = runPipeline(t, retryCfg, fixed)
	require.NoError(t, err)

	dl = phaseSummary(t, p, job.PhaseDownload)
	assert.Equal(t, 20, dl.Downloaded)
	assert.Zero(t, dl.Failed)
	assert.Empty(t, dl.RetryFile)
	up = phaseSummary(t, p, job.PhaseUpload)
	assert.Equal(t, 20, up.Uploaded)
	assert.Equal(t, 40, fixed.copyCount())

	// Third run: the cleared retry file leaves nothing to repeat.
	again := &fakeTool{}
	p, _, err = runPipeline(t, retryCfg, again)
	require.NoError(t, err)
	assert.Zero(t, phaseSummary(t, p, job.PhaseDownload).Downloaded)
	assert.Zero(t, phaseSummary(t, p, job.PhaseUpload).Uploaded)
	assert.Zero(t, again.copyCount())
}

func TestPipelineCancelDuringFinalPhase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Phases = []string{config.PhaseList, config.PhaseDownload}
	cfg.Run.Threads = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ft := &fakeTool{listing: listing(10), onCopy: cancel}

	p, out, err := runPipelineContext(ctx, t, cfg, ft)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	dl := phaseSummary(t, p, job.PhaseDownload)
	assert.Equal(t, 1, dl.Downloaded, "the in-flight copy finishes")
	assert.Equal(t, 9, dl.Skipped)
	require.NotEmpty(t, dl.RetryFile)
	assert.Contains(t, out, "not started: 9")

	records, err := failure.LoadRetryFile(dl.RetryFile)
	require.NoError(t, err)
	require.Len(t, records, 9)
	for _, r := range records {
		assert.Equal(t, failure.NotStartedMessage, r.OriginalError)
	}
}

func TestPipelineExplicitErrorFile(t *testing.T) {
	cfg := testConfig(t)
	ft := &fakeTool{listing: listing(10), fail: failEveryFifth}
	cfg.Run.Phases = []string{config.PhaseList, config.PhaseDownload}

	p, _, err := runPipeline(t, cfg, ft)
	require.NoError(t, err)
	retryFile := phaseSummary(t, p, job.PhaseDownload).RetryFile
	require.NotEmpty(t, retryFile)

	retryCfg := testConfig(t)
	retryCfg.Run.Phases = []string{config.PhaseDownload}
	retryCfg.Run.Retry = true
	retryCfg.Run.ErrorFile = retryFile

	p, _, err = runPipeline(t, retryCfg, &fakeTool{})
	require.NoError(t, err)
	assert.Equal(t, 2, phaseSummary(t, p, job.PhaseDownload).Downloaded)
}

func TestPipelineZeroJobs(t *testing.T) {
	cfg := testConfig(t)
	p, _, err := runPipeline(t, cfg, &fakeTool{listing: "Directory: " + sourceRoot + "\n"})
	require.NoError(t, err)

	assert.Zero(t, phaseSummary(t, p, job.PhaseList).Listed)
	dl := phaseSummary(t, p, job.PhaseDownload)
	assert.Zero(t, dl.Downloaded)
	assert.Zero(t, dl.Failed)
	assert.Empty(t, dl.RetryFile)

	matches, err := filepath.Glob(filepath.Join(cfg.Run.OutputDir, "*_errors_*.csv"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestPipelineListingFailureAbortsDependentPhases(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Phases = []string{config.PhaseList, config.PhaseDownload}

	p, _, err := runPipeline(t, cfg, &fakeTool{listErr: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrListing)
	assert.ErrorIs(t, err, ErrNoJobSource)
	assert.Error(t, phaseSummary(t, p, job.PhaseList).Err)
	assert.Error(t, phaseSummary(t, p, job.PhaseDownload).Err)
}

func TestPipelineUnreadableRetryFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Phases = []string{config.PhaseDownload}
	cfg.Run.Retry = true
	cfg.Run.ErrorFile = filepath.Join(t.TempDir(), "missing.csv")

	_, _, err := runPipeline(t, cfg, &fakeTool{})
	assert.ErrorIs(t, err, source.ErrRetryFile)
}

func TestPipelineLedgerSkipsCompleted(t *testing.T) {
	ledger := filepath.Join(t.TempDir(), "ledger.db")

	cfg := testConfig(t)
	cfg.Run.Phases = []string{config.PhaseList, config.PhaseDownload}
	cfg.Run.Ledger = ledger
	_, _, err := runPipeline(t, cfg, &fakeTool{listing: listing(100), fail: failEveryFifth})
	require.NoError(t, err)

	next := testConfig(t)
	next.Run.Phases = []string{config.PhaseList, config.PhaseDownload}
	next.Run.Ledger = ledger
	next.Run.SkipCompleted = true
	ft := &fakeTool{listing: listing(100)}

	p, _, err := runPipeline(t, next, ft)
	require.NoError(t, err)
	dl := phaseSummary(t, p, job.PhaseDownload)
	assert.Equal(t, 20, dl.Downloaded)
	assert.Equal(t, 80, dl.Skipped)
	assert.Equal(t, 20, ft.copyCount())
}

func TestOutstandingFailuresComparesLedgerWithRetryJobs(t *testing.T) {
	ledger := filepath.Join(t.TempDir(), "ledger.db")

	cfg := testConfig(t)
	cfg.Run.Phases = []string{config.PhaseList, config.PhaseDownload}
	cfg.Run.Ledger = ledger
	p, _, err := runPipeline(t, cfg, &fakeTool{listing: listing(100), fail: failEveryFifth})
	require.NoError(t, err)
	records, err := failure.LoadRetryFile(phaseSummary(t, p, job.PhaseDownload).RetryFile)
	require.NoError(t, err)
	require.Len(t, records, 20)

	next := testConfig(t)
	next.Run.Phases = []string{config.PhaseDownload}
	next.Run.Ledger = ledger
	next.Run.Retry = true
	retry, err := New(next, zaptest.NewLogger(t), WithInvoker(&fakeTool{}), WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	defer retry.Close()

	var jobs []job.Job
	for _, r := range records[:5] {
		jobs = append(jobs, job.New(catalog.FileRecord{RelativePath: r.RelativePath, FileName: r.FileName}, job.Download))
	}
	assert.Equal(t, 15, retry.outstandingFailures(job.Download, jobs))
	assert.Zero(t, retry.outstandingFailures(job.Upload, nil))
}
