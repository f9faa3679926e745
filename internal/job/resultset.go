package job

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDuplicate is returned when a job is appended to a result set twice
var ErrDuplicate = errors.New("job already recorded")

// ResultSet collects finished jobs for one phase. Entries are copied on
// append and never modified afterwards.
type ResultSet struct {
	phase Direction

	mu        sync.Mutex
	jobs      []Job
	keys      map[string]struct{}
	succeeded int
	failed    int
	skipped   int
	bytes     int64
	present   []Job // skipped because the target already holds the file
	pending   []Job // never started because the run was cancelled
}

// NewResultSet creates an empty result set for a phase
func NewResultSet(phase Direction) *ResultSet {
	return &ResultSet{phase: phase, keys: make(map[string]struct{})}
}

// Phase returns the direction the set was created for
func (rs *ResultSet) Phase() Direction {
	return rs.phase
}

// Append records a terminal job
func (rs *ResultSet) Append(j Job) error {
	if !j.Terminal() {
		return fmt.Errorf("%w: cannot record job in status %s", ErrInvalidTransition, j.Status)
	}
	key := j.Key()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if _, ok := rs.keys[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, j.Record.RelativePath)
	}
	rs.keys[key] = struct{}{}
	rs.jobs = append(rs.jobs, j)
	if j.Status == StatusSuccess {
		rs.succeeded++
		if j.Outcome.Bytes > 0 {
			rs.bytes += j.Outcome.Bytes
		}
	} else {
		rs.failed++
	}
	return nil
}

// AddSkipped counts jobs that were never dispatched
func (rs *ResultSet) AddSkipped(n int) {
	rs.mu.Lock()
	rs.skipped += n
	rs.mu.Unlock()
}

// AddPresent counts j as skipped because its target already holds the
// file. Such jobs are kept apart from the recorded results.
func (rs *ResultSet) AddPresent(j Job) {
	rs.mu.Lock()
	rs.skipped++
	rs.present = append(rs.present, j)
	rs.mu.Unlock()
}

// Present returns the jobs passed to AddPresent
func (rs *ResultSet) Present() []Job {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]Job, len(rs.present))
	copy(out, rs.present)
	return out
}

// AddNotStarted counts j as skipped because the run was cancelled before
// it started
func (rs *ResultSet) AddNotStarted(j Job) {
	rs.mu.Lock()
	rs.skipped++
	rs.pending = append(rs.pending, j)
	rs.mu.Unlock()
}

// NotStarted returns the jobs passed to AddNotStarted
func (rs *ResultSet) NotStarted() []Job {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]Job, len(rs.pending))
	copy(out, rs.pending)
	return out
}

// Jobs returns a copy of the recorded jobs in completion order
func (rs *ResultSet) Jobs() []Job {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]Job, len(rs.jobs))
	copy(out, rs.jobs)
	return out
}

// Failed returns the failed subset
func (rs *ResultSet) Failed() []Job {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []Job
	for _, j := range rs.jobs {
		if j.Status == StatusFailed {
			out = append(out, j)
		}
	}
	return out
}

// Counts is a consistent snapshot of the aggregate counters
type Counts struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Bytes     int64
}

// Counts returns the current counters
func (rs *ResultSet) Counts() Counts {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return Counts{
		Total:     len(rs.jobs),
		Succeeded: rs.succeeded,
		Failed:    rs.failed,
		Skipped:   rs.skipped,
		Bytes:     rs.bytes,
	}
}

// Len returns the number of recorded jobs
func (rs *ResultSet) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.jobs)
}

// Phase names used in summaries and reports
const (
	PhaseList     = "list"
	PhaseDownload = "download"
	PhaseUpload   = "upload"
)

// PhaseSummary aggregates one phase
type PhaseSummary struct {
	Phase      string
	Start      time.Time
	End        time.Time
	Duration   time.Duration
	Listed     int
	Downloaded int
	Uploaded   int
	Failed     int
	Skipped    int
	Bytes      int64
	RetryFile  string
	Report     string
	Err        error
}

// Summarize builds the summary of a transfer phase from its result set
func Summarize(rs *ResultSet, start, end time.Time) PhaseSummary {
	c := rs.Counts()
	s := PhaseSummary{
		Phase:    string(rs.phase),
		Start:    start,
		End:      end,
		Duration: end.Sub(start),
		Failed:   c.Failed,
		Skipped:  c.Skipped,
		Bytes:    c.Bytes,
	}
	if rs.phase == Upload {
		s.Uploaded = c.Succeeded
	} else {
		s.Downloaded = c.Succeeded
	}
	return s
}
