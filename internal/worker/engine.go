// Package worker runs transfer jobs on a bounded pool of executors.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"bulkxfer/internal/checkpoint"
	"bulkxfer/internal/failure"
	"bulkxfer/internal/job"
	"bulkxfer/internal/metrics"
	"bulkxfer/internal/progress"

	"go.uber.org/zap"
)

// DefaultGracePeriod applies when Config.GracePeriod is zero
const DefaultGracePeriod = 30 * time.Second

// Engine dispatches jobs to a pool of workers
type Engine struct {
	config     Config
	transport  Transport
	checkpoint checkpoint.Store
	metrics    *metrics.Collector
	classifier *failure.Classifier
	logger     *zap.Logger
}

// NewEngine creates an engine. checkpointStore may be nil.
func NewEngine(
	config Config,
	transport Transport,
	checkpointStore checkpoint.Store,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Engine {
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	return &Engine{
		config:     config,
		transport:  transport,
		checkpoint: checkpointStore,
		metrics:    metricsCollector,
		classifier: failure.NewClassifier(),
		logger:     logger,
	}
}

// Run executes jobs on at most maxWorkers concurrent workers and returns
// the phase's result set. Once ctx is done no further job is started; jobs
// that never started are counted as skipped. Transfers already running
// get the grace period to finish.
func (e *Engine) Run(ctx context.Context, jobs []job.Job, maxWorkers int) *job.ResultSet {
	rs := job.NewResultSet(e.config.Direction)
	if len(jobs) == 0 {
		e.logger.Info("No jobs to run", zap.String("direction", string(e.config.Direction)))
		return rs
	}

	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxWorkers > len(jobs) {
		maxWorkers = len(jobs)
	}

	tracker := progress.NewTracker(len(jobs), maxWorkers)
	if e.config.Progress != nil {
		display := progress.NewDisplay(tracker, string(e.config.Direction), e.config.Progress, e.config.ProgressInterval)
		display.Start()
		defer display.Stop()
	}

	execCtx, stopExec := e.executionContext(ctx)
	defer stopExec()

	run := &runState{rs: rs, tracker: tracker}
	tasks := make(chan *job.Job)

	var wg sync.WaitGroup
	e.logger.Info("Starting workers",
		zap.String("direction", string(e.config.Direction)),
		zap.Int("jobs", len(jobs)),
		zap.Int("workers", maxWorkers),
	)
	for i := 0; i < maxWorkers; i++ {
		wg.Add(1)
		go e.worker(ctx, execCtx, i, tasks, run, &wg)
	}

	next := 0
dispatch:
	for ; next < len(jobs); next++ {
		if ctx.Err() != nil {
			break
		}
		j := jobs[next]
		select {
		case tasks <- &j:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(tasks)
	wg.Wait()

	for _, j := range jobs[next:] {
		rs.AddNotStarted(j)
	}
	if undispatched := len(jobs) - int(run.handled.Load()); undispatched > 0 {
		tracker.AddSkipped(undispatched)
		e.metrics.IncSkipped(string(e.config.Direction), undispatched)
		e.logger.Warn("Run cancelled before all jobs started",
			zap.String("direction", string(e.config.Direction)),
			zap.Int("not_started", undispatched),
		)
	}

	c := rs.Counts()
	e.logger.Info("Workers finished",
		zap.String("direction", string(e.config.Direction)),
		zap.Int("succeeded", c.Succeeded),
		zap.Int("failed", c.Failed),
		zap.Int("skipped", c.Skipped),
	)
	return rs
}

// runState is shared by the workers of one Run
type runState struct {
	rs      *job.ResultSet
	tracker *progress.Tracker
	handled atomic.Int64 // jobs a worker took ownership of
}

// executionContext outlives ctx by the grace period so in-flight tool
// processes can finish; it is cancelled when the grace period elapses.
func (e *Engine) executionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(e.config.GracePeriod)
		defer timer.Stop()
		select {
		case <-timer.C:
			e.logger.Warn("Grace period elapsed, terminating in-flight transfers",
				zap.Duration("grace_period", e.config.GracePeriod),
			)
			cancel()
		case <-execCtx.Done():
		}
	})
	return execCtx, func() {
		stop()
		cancel()
	}
}

func (e *Engine) worker(runCtx, execCtx context.Context, id int, tasks <-chan *job.Job, run *runState, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := e.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	processor := &TaskProcessor{
		config:     e.config,
		transport:  e.transport,
		checkpoint: e.checkpoint,
		metrics:    e.metrics,
		classifier: e.classifier,
		logger:     logger,
	}

	for j := range tasks {
		if runCtx.Err() != nil {
			// received after cancellation
			run.rs.AddNotStarted(*j)
			continue
		}
		run.handled.Add(1)
		processor.Process(execCtx, j, run)
	}
	logger.Debug("Worker finished - no more tasks")
}
