// Package source builds the job list of a transfer phase from one of its
// three origins: a fresh catalog, a saved list file or a retry file.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bulkxfer/internal/catalog"
	"bulkxfer/internal/checkpoint"
	"bulkxfer/internal/job"
)

// ErrRetryFile is returned when a supplied retry file cannot be used
var ErrRetryFile = errors.New("retry file unusable")

// JobSource produces the pending jobs of one phase
type JobSource interface {
	Jobs(ctx context.Context) ([]job.Job, error)
	Name() string
}

// BuildJobs asks src for its jobs. An error here aborts the phase.
func BuildJobs(ctx context.Context, src JobSource) ([]job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jobs, err := src.Jobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build jobs from %s: %w", src.Name(), err)
	}
	return jobs, nil
}

// Cutoff is the creation time below which records are too old. It is zero
// when daysBack disables the filter.
func Cutoff(daysBack int, now time.Time) time.Time {
	if daysBack <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -daysBack)
}

// keepRecent drops records created before the cutoff. Records whose
// name carries no timestamp are always kept.
func keepRecent(records []catalog.FileRecord, daysBack int, now func() time.Time) []catalog.FileRecord {
	if daysBack <= 0 {
		return records
	}
	if now == nil {
		now = time.Now
	}
	cutoff := Cutoff(daysBack, now())
	out := make([]catalog.FileRecord, 0, len(records))
	for _, r := range records {
		if r.OlderThan(cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// FromCatalog turns the records of this run's listing into jobs
type FromCatalog struct {
	Records   []catalog.FileRecord
	Direction job.Direction
	DaysBack  int
	Now       func() time.Time
}

// Name implements JobSource
func (s *FromCatalog) Name() string { return "catalog" }

// Jobs implements JobSource
func (s *FromCatalog) Jobs(context.Context) ([]job.Job, error) {
	return job.FromRecords(keepRecent(s.Records, s.DaysBack, s.Now), s.Direction), nil
}

// FromResults turns the successful jobs of an earlier phase of this run,
// and those skipped because their file was already present, into jobs of
// another direction, typically downloads into uploads
type FromResults struct {
	Results   *job.ResultSet
	Direction job.Direction
}

// Name implements JobSource
func (s *FromResults) Name() string { return string(s.Results.Phase()) + " results" }

// Jobs implements JobSource
func (s *FromResults) Jobs(context.Context) ([]job.Job, error) {
	var out []job.Job
	for _, j := range s.Results.Jobs() {
		if j.Status == job.StatusSuccess {
			out = append(out, job.New(j.Record, s.Direction))
		}
	}
	for _, j := range s.Results.Present() {
		out = append(out, job.New(j.Record, s.Direction))
	}
	return out, nil
}

// SkipCompleted drops jobs the ledger already records as successful for
// the same direction and returns how many were dropped.
func SkipCompleted(jobs []job.Job, store checkpoint.Store) ([]job.Job, int, error) {
	if store == nil {
		return jobs, 0, nil
	}
	kept := make([]job.Job, 0, len(jobs))
	skipped := 0
	for _, j := range jobs {
		rec, err := store.GetTransfer(string(j.Direction), j.Record.RelativePath)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read ledger for %s: %w", j.Record.RelativePath, err)
		}
		if rec != nil && rec.Status == checkpoint.StatusSucceeded {
			skipped++
			continue
		}
		kept = append(kept, j)
	}
	return kept, skipped, nil
}

func allowed(filters []string, category string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.EqualFold(f, category) {
			return true
		}
	}
	return false
}
