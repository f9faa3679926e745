package worker

import (
	"context"
	"io"
	"time"

	"bulkxfer/internal/job"
)

// Transport performs one job's transfer. It returns the outcome to record
// and a non-nil error when the transfer failed; Outcome.Message then holds
// the full diagnostic.
type Transport interface {
	Transfer(ctx context.Context, j *job.Job) (job.Outcome, error)
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, j *job.Job) (job.Outcome, error)

// Transfer implements Transport
func (f TransportFunc) Transfer(ctx context.Context, j *job.Job) (job.Outcome, error) {
	return f(ctx, j)
}

// Config contains engine configuration
type Config struct {
	Direction job.Direction

	// GracePeriod is how long in-flight transfers may continue after the
	// run is cancelled before their processes are killed.
	GracePeriod time.Duration

	// SkipExisting skips downloads whose staged file already has the
	// catalogued size.
	SkipExisting bool

	// Progress receives the live status line when set.
	Progress         io.Writer
	ProgressInterval time.Duration
}
