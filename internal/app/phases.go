package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"bulkxfer/internal/catalog"
	"bulkxfer/internal/checkpoint"
	"bulkxfer/internal/config"
	"bulkxfer/internal/failure"
	"bulkxfer/internal/job"
	"bulkxfer/internal/report"
	"bulkxfer/internal/source"
	"bulkxfer/internal/worker"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// ErrNoJobSource is returned when a transfer phase has nothing to build jobs from
var ErrNoJobSource = errors.New("no job source")

// ListDir is the output subdirectory holding the catalog list files
const ListDir = "lists"

func (p *Pipeline) runList(ctx context.Context) error {
	start := p.now()
	summary := job.PhaseSummary{Phase: job.PhaseList, Start: start}
	defer func() {
		summary.End = p.now()
		summary.Duration = summary.End.Sub(start)
		p.summaries = append(p.summaries, summary)
	}()

	cat, err := p.lister.ListCatalog(ctx, p.cfg.Run.Categories)
	if err != nil {
		summary.Err = err
		return err
	}
	p.catalog = cat
	summary.Listed = len(cat.Records)
	for _, r := range cat.Records {
		if r.Size > 0 {
			summary.Bytes += r.Size
		}
	}

	dir := filepath.Join(p.cfg.Run.OutputDir, ListDir)
	written, err := catalog.WriteListFiles(dir, cat)
	if err != nil {
		summary.Err = err
		return err
	}
	p.logger.Info("Catalog saved",
		zap.String("dir", dir),
		zap.Int("files", len(written)),
		zap.Strings("categories", cat.Categories()),
	)
	return nil
}

func (p *Pipeline) runTransfer(ctx context.Context, dir job.Direction) error {
	start := p.now()
	phase := string(dir)

	src, err := p.jobSource(dir)
	if err != nil {
		p.summaries = append(p.summaries, job.PhaseSummary{Phase: phase, Start: start, End: p.now(), Err: err})
		return err
	}
	jobs, err := source.BuildJobs(ctx, src)
	if err != nil {
		p.summaries = append(p.summaries, job.PhaseSummary{Phase: phase, Start: start, End: p.now(), Err: err})
		return err
	}
	if d, ok := src.(interface{ Dropped() int }); ok && d.Dropped() > 0 {
		p.logger.Warn("Entries dropped while building jobs",
			zap.String("source", src.Name()),
			zap.Int("dropped", d.Dropped()),
		)
	}

	if p.cfg.Run.Retry {
		p.outstandingFailures(dir, jobs)
	}

	alreadyDone := 0
	if p.cfg.Run.SkipCompleted {
		jobs, alreadyDone, err = source.SkipCompleted(jobs, p.ledger)
		if err != nil {
			p.summaries = append(p.summaries, job.PhaseSummary{Phase: phase, Start: start, End: p.now(), Err: err})
			return err
		}
		if alreadyDone > 0 {
			p.logger.Info("Skipping files the ledger records as transferred",
				zap.String("direction", phase),
				zap.Int("skipped", alreadyDone),
			)
		}
	}

	p.logger.Info("Starting transfer phase",
		zap.String("direction", phase),
		zap.String("source", src.Name()),
		zap.Int("jobs", len(jobs)),
	)

	engineCfg := worker.Config{
		Direction:        dir,
		GracePeriod:      p.cfg.Run.GracePeriod,
		SkipExisting:     p.cfg.Run.SkipExisting && dir == job.Download,
		ProgressInterval: p.cfg.Run.ProgressInterval,
	}
	if p.cfg.Run.ShowProgress {
		engineCfg.Progress = p.out
	}
	engine := worker.NewEngine(engineCfg, p.transports[dir], p.ledger, p.metrics, p.logger.Named("worker"))
	rs := engine.Run(ctx, jobs, p.cfg.Run.Threads)
	rs.AddSkipped(alreadyDone)
	if alreadyDone > 0 {
		p.metrics.IncSkipped(phase, alreadyDone)
	}

	p.results = append(p.results, rs)
	if dir == job.Download {
		p.downloads = rs
	}

	summary := job.Summarize(rs, start, p.now())
	summary.RetryFile = p.recordFailures(dir, rs)

	kind := report.KindDownload
	if dir == job.Upload {
		kind = report.KindUpload
	}
	if path, err := p.reports.Generate(kind, rs); err != nil {
		p.logger.Error("Failed to generate report", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		summary.Report = path
		p.logger.Info("Report written", zap.String("kind", string(kind)), zap.String("path", path))
	}

	p.summaries = append(p.summaries, summary)
	return nil
}

// recordFailures logs the grouped failures and persists them, together
// with the jobs a cancelled run never started, as a retry file. When
// nothing is left to retry but an older retry file exists, an empty retry
// file supersedes it so a later retry run does not repeat finished files.
// It returns the retry file path, empty when nothing is left to retry.
func (p *Pipeline) recordFailures(dir job.Direction, rs *job.ResultSet) string {
	grouped := p.classifier.Classify(rs)
	failed := failure.Flatten(grouped)
	pending := failure.NotStarted(rs)
	records := append(failed, pending...)

	if len(records) == 0 {
		previous, err := failure.LatestRetryFile(p.cfg.Run.OutputDir, dir)
		if err != nil {
			return ""
		}
		path, err := failure.PersistRetryFile(p.cfg.Run.OutputDir, dir, nil)
		if err != nil {
			p.logger.Error("Failed to clear retry file", zap.String("direction", string(dir)), zap.Error(err))
			return ""
		}
		p.logger.Info("Nothing left to retry, retry file cleared",
			zap.String("direction", string(dir)),
			zap.String("previous", previous),
			zap.String("path", path),
		)
		return ""
	}

	if len(failed) > 0 {
		p.logger.Warn("Transfers failed",
			zap.String("direction", string(dir)),
			zap.Int("failed", len(failed)),
			zap.Strings("by_category", failure.Summary(grouped)),
		)
	}
	if len(pending) > 0 {
		p.logger.Warn("Transfers not started before cancellation",
			zap.String("direction", string(dir)),
			zap.Int("not_started", len(pending)),
		)
	}

	path, err := failure.PersistRetryFile(p.cfg.Run.OutputDir, dir, records)
	if err != nil {
		p.logger.Error("Failed to write retry file", zap.String("direction", string(dir)), zap.Error(err))
		return ""
	}
	p.logger.Info("Retry file written", zap.String("path", path), zap.Int("records", len(records)))

	detail := failure.SummaryLine(grouped)
	if len(pending) > 0 {
		if detail != "" {
			detail += ", "
		}
		detail += fmt.Sprintf("not started: %d", len(pending))
	}
	fmt.Fprintf(p.out, "%d %s(s) left to retry (%s). Retry with: --phase %s --retry --error-file %s\n",
		len(records), dir, detail, dir, path)
	return path
}

// outstandingFailures compares the ledger's failed files of dir with the
// retry jobs and returns how many failures the retry run will not repeat
func (p *Pipeline) outstandingFailures(dir job.Direction, jobs []job.Job) int {
	if p.ledger == nil {
		return 0
	}
	failed, err := p.ledger.ListByStatus(string(dir), checkpoint.StatusFailed)
	if err != nil {
		p.logger.Warn("Failed to read ledger failures", zap.String("direction", string(dir)), zap.Error(err))
		return 0
	}

	queued := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		queued[j.Record.RelativePath] = true
	}
	var missing []string
	for _, r := range failed {
		if !queued[r.RelativePath] {
			missing = append(missing, r.RelativePath)
		}
	}

	p.logger.Info("Ledger failures before retry",
		zap.String("direction", string(dir)),
		zap.Int("failed", len(failed)),
		zap.Int("queued", len(failed)-len(missing)),
	)
	if len(missing) > 0 {
		sample := missing
		if len(sample) > 10 {
			sample = sample[:10]
		}
		p.logger.Warn("Ledger failures missing from the retry file",
			zap.String("direction", string(dir)),
			zap.Int("missing", len(missing)),
			zap.Strings("sample", sample),
		)
	}
	return len(missing)
}

// jobSource picks where a transfer phase gets its jobs from
func (p *Pipeline) jobSource(dir job.Direction) (source.JobSource, error) {
	run := p.cfg.Run

	if dir == job.Upload && p.downloads != nil {
		return &source.FromResults{Results: p.downloads, Direction: job.Upload}, nil
	}

	if run.Retry {
		path, err := p.retryFile(dir)
		if err != nil {
			return nil, err
		}
		return &source.FromRetryFile{
			Path:      path,
			Direction: dir,
			Resolver:  p.resolver,
			Logger:    p.logger.Named("source"),
		}, nil
	}

	if dir == job.Download && p.catalog != nil {
		return &source.FromCatalog{
			Records:   p.catalog.Records,
			Direction: dir,
			DaysBack:  run.DaysBack,
			Now:       p.now,
		}, nil
	}
	if run.InputFile != "" {
		return &source.FromFileList{
			Path:       run.InputFile,
			Direction:  dir,
			Resolver:   p.resolver,
			Categories: run.Categories,
			DaysBack:   run.DaysBack,
			Now:        p.now,
			Logger:     p.logger.Named("source"),
		}, nil
	}
	if p.catalog != nil {
		return &source.FromCatalog{
			Records:   p.catalog.Records,
			Direction: dir,
			DaysBack:  run.DaysBack,
			Now:       p.now,
		}, nil
	}
	return nil, fmt.Errorf("%w for %s: run the list phase, pass --input-file or use --retry", ErrNoJobSource, dir)
}

// retryFile returns the explicit error file for the first phase that
// asks, and the newest retry file of the direction otherwise
func (p *Pipeline) retryFile(dir job.Direction) (string, error) {
	if p.cfg.Run.ErrorFile != "" && !p.errorFileUsed {
		p.errorFileUsed = true
		return p.cfg.Run.ErrorFile, nil
	}
	path, err := failure.LatestRetryFile(p.cfg.Run.OutputDir, dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", source.ErrRetryFile, err)
	}
	p.logger.Info("Using latest retry file", zap.String("direction", string(dir)), zap.String("path", path))
	return path, nil
}

func (p *Pipeline) finish(start time.Time) {
	end := p.now()
	for _, s := range p.summaries {
		fmt.Fprintln(p.out, summaryLine(s))
	}

	var listed, downloaded, uploaded, failed, skipped int
	for _, s := range p.summaries {
		listed += s.Listed
		downloaded += s.Downloaded
		uploaded += s.Uploaded
		failed += s.Failed
		skipped += s.Skipped
	}
	p.logger.Info("Run finished",
		zap.Duration("duration", end.Sub(start)),
		zap.Int("listed", listed),
		zap.Int("downloaded", downloaded),
		zap.Int("uploaded", uploaded),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
	)

	if len(p.summaries) == 0 {
		return
	}
	path, err := p.reports.GenerateSummary(p.summaries, p.results...)
	if err != nil {
		p.logger.Error("Failed to generate summary report", zap.Error(err))
		return
	}
	p.logger.Info("Summary report written", zap.String("path", path))
}

func summaryLine(s job.PhaseSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", s.Phase, s.Duration.Round(time.Millisecond))
	switch s.Phase {
	case config.PhaseList:
		fmt.Fprintf(&b, " | listed %d (%s)", s.Listed, humanize.IBytes(uint64(s.Bytes)))
	default:
		done := s.Downloaded
		if s.Phase == config.PhaseUpload {
			done = s.Uploaded
		}
		fmt.Fprintf(&b, " | ok %d failed %d skipped %d | %s", done, s.Failed, s.Skipped, humanize.IBytes(uint64(s.Bytes)))
	}
	if s.RetryFile != "" {
		fmt.Fprintf(&b, " | retry file %s", s.RetryFile)
	}
	if s.Err != nil {
		fmt.Fprintf(&b, " | aborted: %v", s.Err)
	}
	return b.String()
}
