// Package progress tracks a running transfer phase and renders its live
// status line.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// MinSuccessSamples is the number of successful transfers needed before
// the ETA switches from the overall rate to the per-success estimator.
const MinSuccessSamples = 10

// Estimator names
const (
	EstimatorOverall = "overall"
	EstimatorSuccess = "success"
)

// Status is a snapshot of a phase in progress
type Status struct {
	Total     int
	Completed int // succeeded + failed + skipped
	Succeeded int
	Failed    int
	Skipped   int
	Bytes     int64
	Workers   int

	StartTime      time.Time
	LastUpdateTime time.Time
	Elapsed        time.Duration // since StartTime, as of GetStatus
	Throughput     float64 // bytes per second since start
	ETA            time.Duration
	Estimator      string

	FailuresByCategory map[string]int
}

// SuccessRate is the share of finished transfers that succeeded, in percent
func (s Status) SuccessRate() float64 {
	done := s.Succeeded + s.Failed
	if done == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(done) * 100
}

// Percent is the share of jobs completed, in percent
func (s Status) Percent() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

// Tracker tracks phase progress
type Tracker struct {
	mu          sync.RWMutex
	status      Status
	successTime time.Duration // summed durations of successful transfers
	now         func() time.Time
}

// NewTracker creates a tracker for total jobs run by workers executors
func NewTracker(total, workers int) *Tracker {
	return newTracker(total, workers, time.Now)
}

func newTracker(total, workers int, now func() time.Time) *Tracker {
	if workers < 1 {
		workers = 1
	}
	start := now()
	return &Tracker{
		status: Status{
			Total:              total,
			Workers:            workers,
			StartTime:          start,
			LastUpdateTime:     start,
			FailuresByCategory: make(map[string]int),
		},
		now: now,
	}
}

// AddSuccess records a successful transfer and how long it took
func (t *Tracker) AddSuccess(bytes int64, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Succeeded++
	t.status.Completed++
	t.status.Bytes += bytes
	t.successTime += d
	t.update()
}

// AddFailed records a failed transfer under its failure category
func (t *Tracker) AddFailed(category string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Failed++
	t.status.Completed++
	t.status.FailuresByCategory[category]++
	t.update()
}

// AddSkipped records jobs that will not run
func (t *Tracker) AddSkipped(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Skipped += n
	t.status.Completed += n
	t.update()
}

// update recomputes throughput and ETA; must be called with lock held
func (t *Tracker) update() {
	now := t.now()
	t.status.LastUpdateTime = now

	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.Throughput = float64(t.status.Bytes) / elapsed.Seconds()
	}
	t.status.ETA, t.status.Estimator = t.estimate(elapsed)
}

// estimate picks the ETA estimator. With enough successes the remaining
// time is the mean success duration times the expected remaining
// successes, spread over the workers. Before that it extrapolates the
// overall completion rate.
func (t *Tracker) estimate(elapsed time.Duration) (time.Duration, string) {
	s := t.status
	remaining := s.Total - s.Completed
	if remaining <= 0 {
		return 0, ""
	}

	if s.Succeeded >= MinSuccessSamples {
		finished := s.Succeeded + s.Failed
		expectedSuccesses := float64(remaining) * float64(s.Succeeded) / float64(finished)
		perSuccess := t.successTime / time.Duration(s.Succeeded)
		eta := time.Duration(expectedSuccesses * float64(perSuccess) / float64(s.Workers))
		return eta, EstimatorSuccess
	}

	if s.Completed == 0 || elapsed <= 0 {
		return 0, EstimatorOverall
	}
	perJob := elapsed / time.Duration(s.Completed)
	return perJob * time.Duration(remaining), EstimatorOverall
}

// GetStatus returns a copy of the current status
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.status
	s.Elapsed = t.now().Sub(s.StartTime)
	s.FailuresByCategory = make(map[string]int, len(t.status.FailuresByCategory))
	for k, v := range t.status.FailuresByCategory {
		s.FailuresByCategory[k] = v
	}
	return s
}

// FormatSpeed formats a byte rate
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bytesPerSecond)) + "/s"
}

// FormatDuration formats a duration as 1h2m3s, or "calculating" for zero
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "calculating"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
