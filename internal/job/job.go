// Package job holds the transfer job record and the per-phase result set.
package job

import (
	"errors"
	"fmt"
	"time"

	"bulkxfer/internal/catalog"
)

// Direction of a transfer
type Direction string

const (
	Download Direction = "download"
	Upload   Direction = "upload"
)

// Status of a job. Transitions are pending → running → success|failed.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// ErrInvalidTransition is returned for any status change outside the allowed order
var ErrInvalidTransition = errors.New("invalid job status transition")

// Outcome is what a finished transfer reports
type Outcome struct {
	Bytes     int64
	SizeLabel string
	Duration  time.Duration
	Message   string // full tool diagnostic on failure
	ExitCode  int
}

// Job is one file's scheduled transfer
type Job struct {
	Record    catalog.FileRecord
	Direction Direction
	Status    Status
	Outcome   Outcome
	Started   time.Time
	Finished  time.Time
}

// New creates a pending job
func New(rec catalog.FileRecord, dir Direction) Job {
	return Job{Record: rec, Direction: dir, Status: StatusPending}
}

// Key identifies a job within a phase
func (j *Job) Key() string {
	return string(j.Direction) + "\x00" + j.Record.RelativePath + "\x00" + j.Record.FileName
}

// Source returns the address or path the transfer reads from
func (j *Job) Source() string {
	if j.Direction == Upload {
		return j.Record.LocalPath
	}
	return j.Record.SourceAddress
}

// Target returns the address or path the transfer writes to
func (j *Job) Target() string {
	if j.Direction == Upload {
		return j.Record.DestinationAddress
	}
	return j.Record.LocalPath
}

// Start marks the job running
func (j *Job) Start(now time.Time) error {
	if j.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusRunning)
	}
	j.Status = StatusRunning
	j.Started = now
	return nil
}

// Succeed records a successful outcome
func (j *Job) Succeed(now time.Time, out Outcome) error {
	return j.finish(StatusSuccess, now, out)
}

// Fail records a failed outcome
func (j *Job) Fail(now time.Time, out Outcome) error {
	return j.finish(StatusFailed, now, out)
}

func (j *Job) finish(status Status, now time.Time, out Outcome) error {
	if j.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
	}
	j.Status = status
	j.Finished = now
	if out.Duration == 0 {
		out.Duration = now.Sub(j.Started)
	}
	j.Outcome = out
	return nil
}

// Terminal reports whether the job has finished
func (j *Job) Terminal() bool {
	return j.Status == StatusSuccess || j.Status == StatusFailed
}

// FromRecords creates one pending job per record
func FromRecords(records []catalog.FileRecord, dir Direction) []Job {
	jobs := make([]Job, 0, len(records))
	for _, r := range records {
		jobs = append(jobs, New(r, dir))
	}
	return jobs
}
