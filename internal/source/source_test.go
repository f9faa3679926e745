package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"bulkxfer/internal/catalog"
	"bulkxfer/internal/checkpoint"
	"bulkxfer/internal/failure"
	"bulkxfer/internal/job"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var fixedNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func testResolver(t *testing.T) *catalog.Resolver {
	return &catalog.Resolver{
		Rules: []catalog.Rule{
			{Name: "logs", Prefix: "data/logs"},
			{Name: "audit", Prefix: "data/logs/audit", Exclude: []string{"tmp*"}},
			{Name: "images", Prefix: "media/images"},
		},
		SourceRoot:      "vc://cluster/root",
		DestinationRoot: "dest://store/backup",
		StagingDir:      t.TempDir(),
	}
}

func record(t *testing.T, r *catalog.Resolver, rel string) catalog.FileRecord {
	t.Helper()
	rec, ok := r.Record(rel, 128)
	require.True(t, ok, rel)
	return rec
}

func failedJob(t *testing.T, rec catalog.FileRecord, dir job.Direction, msg string) job.Job {
	t.Helper()
	j := job.New(rec, dir)
	require.NoError(t, j.Start(fixedNow))
	require.NoError(t, j.Fail(fixedNow.Add(time.Second), job.Outcome{Message: msg, ExitCode: 1}))
	return j
}

type pair struct{ name, rel string }

func pairsOf(jobs []job.Job) []pair {
	out := make([]pair, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, pair{j.Record.FileName, j.Record.RelativePath})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].rel < out[b].rel })
	return out
}

func TestFromCatalogAgeFilter(t *testing.T) {
	r := testResolver(t)
	records := []catalog.FileRecord{
		record(t, r, "data/logs/20240314_0900_recent.log"),
		record(t, r, "data/logs/20240101_0900_old.log"),
		record(t, r, "data/logs/plain.log"),
		record(t, r, "data/logs/20241399_0900_badmonth.log"),
	}

	tests := []struct {
		name     string
		daysBack int
		want     []string
	}{
		{"filter disabled", 0, []string{"20240314_0900_recent.log", "20240101_0900_old.log", "plain.log", "20241399_0900_badmonth.log"}},
		{"seven days", 7, []string{"20240314_0900_recent.log", "plain.log", "20241399_0900_badmonth.log"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &FromCatalog{Records: records, Direction: job.Download, DaysBack: tt.daysBack, Now: func() time.Time { return fixedNow }}
			jobs, err := BuildJobs(context.Background(), src)
			require.NoError(t, err)

			var names []string
			for _, j := range jobs {
				assert.Equal(t, job.StatusPending, j.Status)
				assert.Equal(t, job.Download, j.Direction)
				names = append(names, j.Record.FileName)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestFromCatalogEmpty(t *testing.T) {
	jobs, err := BuildJobs(context.Background(), &FromCatalog{Direction: job.Upload})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestBuildJobsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := BuildJobs(ctx, &FromCatalog{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFromFileList(t *testing.T) {
	r := testResolver(t)
	path := filepath.Join(t.TempDir(), "catalog_detailed.txt")
	lines := []string{
		"vc://cluster/root/data/logs/a.log|a.log|data/logs/a.log|.log||10|",
		"vc://cluster/root/data/logs/audit/b.log|b.log|data/logs/audit/b.log|.log|2024-03-14T09:00:00Z|20|",
		"vc://cluster/root/data/logs/audit/tmp1/c.log|c.log|data/logs/audit/tmp1/c.log|.log||30|",
		"vc://cluster/root/other/d.bin|d.bin|other/d.bin|.bin||40|",
		"broken|line",
		"vc://cluster/root/media/images/20200101_0000_e.png|20200101_0000_e.png|media/images/20200101_0000_e.png|.png||unknown|",
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	src := &FromFileList{
		Path:      path,
		Direction: job.Download,
		Resolver:  r,
		DaysBack:  30,
		Now:       func() time.Time { return fixedNow },
		Logger:    zaptest.NewLogger(t),
	}
	jobs, err := src.Jobs(context.Background())
	require.NoError(t, err)

	require.Len(t, jobs, 2)
	assert.Equal(t, "logs", jobs[0].Record.Category)
	assert.Equal(t, int64(10), jobs[0].Record.Size)
	assert.Equal(t, "audit", jobs[1].Record.Category)
	assert.Equal(t, time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC), jobs[1].Record.CreatedAt)
	assert.Equal(t, 3, src.Dropped(), "malformed, excluded and unmatched lines")

	src.Categories = []string{"AUDIT"}
	jobs, err = src.Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "b.log", jobs[0].Record.FileName)
}

func TestFromFileListMissing(t *testing.T) {
	src := &FromFileList{Path: filepath.Join(t.TempDir(), "nope.txt"), Resolver: testResolver(t), Logger: zaptest.NewLogger(t)}
	_, err := BuildJobs(context.Background(), src)
	assert.Error(t, err)
}

func TestRetryRoundTripDownload(t *testing.T) {
	r := testResolver(t)
	rs := job.NewResultSet(job.Download)

	messages := []string{"401 Unauthorized", "permission denied", "no such file", "timed out after 30s", "connection reset", "boom"}
	for i := 0; i < 30; i++ {
		rec := record(t, r, fmt.Sprintf("data/logs/app/file-%02d.log", i))
		if i%3 == 0 {
			require.NoError(t, rs.Append(failedJob(t, rec, job.Download, messages[i%len(messages)])))
			continue
		}
		j := job.New(rec, job.Download)
		require.NoError(t, j.Start(fixedNow))
		require.NoError(t, j.Succeed(fixedNow, job.Outcome{Bytes: 128}))
		require.NoError(t, rs.Append(j))
	}

	grouped := failure.NewClassifier().Classify(rs)
	path, err := failure.PersistRetryFile(t.TempDir(), job.Download, failure.Flatten(grouped))
	require.NoError(t, err)

	src := &FromRetryFile{Path: path, Direction: job.Download, Resolver: r, Logger: zaptest.NewLogger(t)}
	jobs, err := BuildJobs(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, pairsOf(rs.Failed()), pairsOf(jobs))
	assert.Zero(t, src.Dropped())
	for _, j := range jobs {
		orig := record(t, r, j.Record.RelativePath)
		assert.Equal(t, orig.SourceAddress, j.Record.SourceAddress)
		assert.Equal(t, orig.LocalPath, j.Record.LocalPath)
		assert.Equal(t, int64(128), j.Record.Size)
		assert.Equal(t, job.StatusPending, j.Status)
	}
}

func TestRetryUploadLocatesStagedFiles(t *testing.T) {
	r := testResolver(t)

	recorded := record(t, r, "data/logs/recorded.log")
	searched := record(t, r, "media/images/sub/searched.png")
	missing := record(t, r, "data/logs/missing.log")

	require.NoError(t, os.MkdirAll(filepath.Dir(recorded.LocalPath), 0o755))
	require.NoError(t, os.WriteFile(recorded.LocalPath, []byte("x"), 0o644))

	// staged flat under the category instead of at its remainder path
	flat := filepath.Join(r.StagingDir, "images", "searched.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(flat), 0o755))
	require.NoError(t, os.WriteFile(flat, []byte("y"), 0o644))

	rs := job.NewResultSet(job.Upload)
	for _, rec := range []catalog.FileRecord{recorded, searched, missing} {
		require.NoError(t, rs.Append(failedJob(t, rec, job.Upload, "network unreachable")))
	}
	records := failure.Flatten(failure.NewClassifier().Classify(rs))
	for i := range records {
		if records[i].FileName == "searched.png" {
			records[i].LocalPath = ""
		}
	}
	path, err := failure.PersistRetryFile(t.TempDir(), job.Upload, records)
	require.NoError(t, err)

	src := &FromRetryFile{Path: path, Direction: job.Upload, Resolver: r, Logger: zaptest.NewLogger(t)}
	jobs, err := src.Jobs(context.Background())
	require.NoError(t, err)

	require.Len(t, jobs, 2)
	assert.Equal(t, 1, src.Dropped())
	byName := map[string]job.Job{}
	for _, j := range jobs {
		byName[j.Record.FileName] = j
	}
	assert.Equal(t, recorded.LocalPath, byName["recorded.log"].Record.LocalPath)
	assert.Equal(t, flat, byName["searched.png"].Record.LocalPath)
	assert.Equal(t, searched.DestinationAddress, byName["searched.png"].Record.DestinationAddress)
}

func TestRetryFileUnreadable(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("Foo,Bar\n1,2\n"), 0o644))

	for _, path := range []string{filepath.Join(dir, "missing.csv"), bad} {
		src := &FromRetryFile{Path: path, Direction: job.Download, Resolver: testResolver(t), Logger: zaptest.NewLogger(t)}
		_, err := BuildJobs(context.Background(), src)
		assert.ErrorIs(t, err, ErrRetryFile, path)
	}
}

func TestRetryFileDeduplicates(t *testing.T) {
	r := testResolver(t)
	rec := failure.Project(failedJob(t, record(t, r, "data/logs/dup.log"), job.Download, "boom"))
	path, err := failure.PersistRetryFile(t.TempDir(), job.Download, []failure.ErrorRecord{rec, rec})
	require.NoError(t, err)

	jobs, err := (&FromRetryFile{Path: path, Direction: job.Download, Resolver: r, Logger: zaptest.NewLogger(t)}).Jobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSkipCompleted(t *testing.T) {
	r := testResolver(t)
	store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), "run")
	require.NoError(t, err)
	defer store.Close()

	done := record(t, r, "data/logs/done.log")
	failed := record(t, r, "data/logs/failed.log")
	fresh := record(t, r, "data/logs/fresh.log")
	require.NoError(t, store.SaveTransfer(&checkpoint.TransferRecord{Direction: "download", RelativePath: done.RelativePath, FileName: done.FileName, Status: checkpoint.StatusSucceeded}))
	require.NoError(t, store.SaveTransfer(&checkpoint.TransferRecord{Direction: "download", RelativePath: failed.RelativePath, FileName: failed.FileName, Status: checkpoint.StatusFailed}))
	require.NoError(t, store.SaveTransfer(&checkpoint.TransferRecord{Direction: "upload", RelativePath: fresh.RelativePath, FileName: fresh.FileName, Status: checkpoint.StatusSucceeded}))

	jobs := job.FromRecords([]catalog.FileRecord{done, failed, fresh}, job.Download)
	kept, skipped, err := SkipCompleted(jobs, store)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, []pair{{"failed.log", failed.RelativePath}, {"fresh.log", fresh.RelativePath}}, pairsOf(kept))

	kept, skipped, err = SkipCompleted(jobs, nil)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Len(t, kept, 3)
}

func TestFromResultsKeepsSuccesses(t *testing.T) {
	r := testResolver(t)
	rs := job.NewResultSet(job.Download)

	ok := job.New(record(t, r, "data/logs/a.log"), job.Download)
	require.NoError(t, ok.Start(fixedNow))
	require.NoError(t, ok.Succeed(fixedNow.Add(time.Second), job.Outcome{Bytes: 128}))
	require.NoError(t, rs.Append(ok))
	require.NoError(t, rs.Append(failedJob(t, record(t, r, "data/logs/b.log"), job.Download, "Permission denied")))

	jobs, err := BuildJobs(context.Background(), &FromResults{Results: rs, Direction: job.Upload})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "data/logs/a.log", jobs[0].Record.RelativePath)
	assert.Equal(t, job.Upload, jobs[0].Direction)
	assert.Equal(t, job.StatusPending, jobs[0].Status)
}
