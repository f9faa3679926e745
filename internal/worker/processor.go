package worker

import (
	"context"
	"errors"
	"os"
	"time"

	"bulkxfer/internal/checkpoint"
	"bulkxfer/internal/failure"
	"bulkxfer/internal/job"
	"bulkxfer/internal/metrics"

	"go.uber.org/zap"
)

// TaskProcessor runs single jobs for one worker
type TaskProcessor struct {
	config     Config
	transport  Transport
	checkpoint checkpoint.Store
	metrics    *metrics.Collector
	classifier *failure.Classifier
	logger     *zap.Logger
}

// Process runs one job to a terminal state and records it
func (p *TaskProcessor) Process(ctx context.Context, j *job.Job, run *runState) {
	if p.config.SkipExisting && j.Direction == job.Download && alreadyStaged(j) {
		p.logger.Debug("Skipping staged file", zap.String("path", j.Record.LocalPath))
		run.rs.AddPresent(*j)
		run.tracker.AddSkipped(1)
		p.metrics.IncSkipped(string(j.Direction), 1)
		p.markSucceeded(j)
		return
	}

	if err := j.Start(time.Now()); err != nil {
		p.logger.Error("Cannot start job", zap.String("relative_path", j.Record.RelativePath), zap.Error(err))
		return
	}
	p.markRunning(j)

	p.metrics.WorkerStarted()
	outcome, err := p.transport.Transfer(ctx, j)
	p.metrics.WorkerFinished()

	now := time.Now()
	if err != nil {
		if outcome.Message == "" {
			outcome.Message = err.Error()
		}
		if ferr := j.Fail(now, outcome); ferr != nil {
			p.logger.Error("Cannot fail job", zap.Error(ferr))
			return
		}
		category := p.classifier.ClassifyMessage(outcome.Message)
		p.metrics.IncFailure(string(category))
		run.tracker.AddFailed(string(category))
		p.logger.Warn("Transfer failed",
			zap.String("relative_path", j.Record.RelativePath),
			zap.String("category", string(category)),
			zap.Int("exit_code", outcome.ExitCode),
			zap.String("diagnostic", outcome.Message),
		)
		p.markFailed(j)
	} else {
		if serr := j.Succeed(now, outcome); serr != nil {
			p.logger.Error("Cannot complete job", zap.Error(serr))
			return
		}
		run.tracker.AddSuccess(j.Outcome.Bytes, j.Outcome.Duration)
		p.logger.Info("Transfer completed",
			zap.String("relative_path", j.Record.RelativePath),
			zap.String("size", j.Outcome.SizeLabel),
			zap.Duration("duration", j.Outcome.Duration),
		)
		p.markSucceeded(j)
	}
	p.metrics.ObserveTransfer(string(j.Direction), string(j.Status), j.Outcome.Bytes, j.Outcome.Duration)

	if err := run.rs.Append(*j); err != nil {
		p.logger.Error("Failed to record result",
			zap.String("relative_path", j.Record.RelativePath),
			zap.Error(err),
		)
	}
}

// alreadyStaged reports whether the download target exists with the
// catalogued size. An unknown size never matches.
func alreadyStaged(j *job.Job) bool {
	if j.Record.Size < 0 {
		return false
	}
	info, err := os.Stat(j.Record.LocalPath)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Size() == j.Record.Size
}

func (p *TaskProcessor) markRunning(j *job.Job) {
	p.save(j, checkpoint.StatusRunning, "")
}

func (p *TaskProcessor) markSucceeded(j *job.Job) {
	p.save(j, checkpoint.StatusSucceeded, "")
}

func (p *TaskProcessor) markFailed(j *job.Job) {
	p.save(j, checkpoint.StatusFailed, j.Outcome.Message)
}

func (p *TaskProcessor) save(j *job.Job, status checkpoint.TransferStatus, lastError string) {
	if p.checkpoint == nil {
		return
	}
	size := j.Record.Size
	if j.Outcome.Bytes > 0 {
		size = j.Outcome.Bytes
	}
	record := &checkpoint.TransferRecord{
		Direction:    string(j.Direction),
		RelativePath: j.Record.RelativePath,
		FileName:     j.Record.FileName,
		Size:         size,
		Status:       status,
		LastError:    lastError,
	}

	if err := p.checkpoint.SaveTransfer(record); err != nil {
		if errors.Is(err, checkpoint.ErrClosed) {
			p.logger.Warn("Cannot save transfer - ledger is closed",
				zap.String("relative_path", j.Record.RelativePath))
			return
		}
		p.logger.Error("Failed to save transfer",
			zap.String("relative_path", j.Record.RelativePath),
			zap.Error(err))
	}
}
