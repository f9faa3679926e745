// Package app wires the components into the list, download and upload
// phases of one run.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"bulkxfer/internal/auth"
	"bulkxfer/internal/catalog"
	"bulkxfer/internal/checkpoint"
	"bulkxfer/internal/config"
	"bulkxfer/internal/failure"
	"bulkxfer/internal/job"
	"bulkxfer/internal/metrics"
	"bulkxfer/internal/report"
	"bulkxfer/internal/storage"
	"bulkxfer/internal/tool"
	"bulkxfer/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Pipeline represents one run of the requested phases
type Pipeline struct {
	cfg        *config.Config
	logger     *zap.Logger
	runID      string
	resolver   *catalog.Resolver
	lister     *catalog.Lister
	transports map[job.Direction]worker.Transport
	auth       *auth.Manager
	ledger     checkpoint.Store
	metrics    *metrics.Collector
	classifier *failure.Classifier
	reports    *report.Generator
	out        io.Writer
	now        func() time.Time

	catalog       *catalog.Catalog
	downloads     *job.ResultSet
	results       []*job.ResultSet
	summaries     []job.PhaseSummary
	errorFileUsed bool
}

// Option configures a Pipeline
type Option func(*options)

type options struct {
	invoker     tool.Invoker
	listInvoker tool.Invoker
	objectStore storage.ObjectStore
	out         io.Writer
}

// WithInvoker replaces the transfer tool for transfers and the listing
func WithInvoker(inv tool.Invoker) Option {
	return func(o *options) {
		o.invoker = inv
		o.listInvoker = inv
	}
}

// WithObjectStore replaces the S3 client of the s3 destination kind
func WithObjectStore(store storage.ObjectStore) Option {
	return func(o *options) { o.objectStore = store }
}

// WithOutput sets where the progress line, retry hints and the final
// summary are written. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// New creates a pipeline from a validated configuration
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.invoker == nil {
		o.invoker = tool.NewRunner(cfg.Tool.Path, cfg.Tool.Timeout)
		o.listInvoker = tool.NewRunner(cfg.Tool.Path, cfg.Tool.ListTimeout)
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))
	metricsCollector := metrics.New()

	p := &Pipeline{
		cfg:        cfg,
		logger:     logger,
		runID:      runID,
		resolver:   cfg.Resolver(),
		metrics:    metricsCollector,
		classifier: failure.NewClassifier(),
		reports:    report.NewGenerator(filepath.Join(cfg.Run.OutputDir, "reports"), runID),
		out:        o.out,
		now:        time.Now,
	}

	if src := tokenSource(cfg.Auth, cfg.Tool.Timeout); src != nil {
		managerOpts := []auth.Option{auth.WithObserver(metricsCollector)}
		if cfg.Auth.TokenDir != "" {
			managerOpts = append(managerOpts, auth.WithTokenDir(cfg.Auth.TokenDir))
		}
		p.auth = auth.NewManager(src, cfg.Auth.RefreshAfter, logger.Named("auth"), managerOpts...)
	}
	chainCfg := auth.ChainConfig{UseToken: cfg.Auth.UseToken, User: cfg.Auth.User}
	transferChain := auth.NewChain(o.invoker, p.auth, chainCfg, failure.IsAuth, logger.Named("auth"))
	listChain := auth.NewChain(o.listInvoker, p.auth, chainCfg, failure.IsAuth, logger.Named("auth"))
	logger.Debug("Authentication chain ready", zap.Any("modes", transferChain.Modes()))

	p.lister = catalog.NewLister(listChain, p.resolver, logger.Named("catalog"))

	toolTransport := worker.NewToolTransport(transferChain, worker.ToolConfig{
		TextExtensions: cfg.Tool.TextExtensions,
		ExpireDays:     cfg.Tool.ExpireDays,
	}, logger.Named("transport"))
	p.transports = map[job.Direction]worker.Transport{
		job.Download: toolTransport,
		job.Upload:   toolTransport,
	}

	if cfg.Destination.Kind == config.DestinationS3 {
		store := o.objectStore
		if store == nil {
			client, err := storage.NewMinIOClient(cfg.Destination.S3)
			if err != nil {
				return nil, fmt.Errorf("failed to create s3 client: %w", err)
			}
			store = client
		}
		p.transports[job.Upload] = storage.NewS3Transport(store, cfg.Destination.S3, cfg.Tool.ExpireDays, logger.Named("s3"))
	}

	if cfg.Run.Ledger != "" {
		ledger, err := checkpoint.NewSQLiteStore(cfg.Run.Ledger, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		p.ledger = ledger
	} else if cfg.Run.SkipCompleted {
		logger.Warn("Skip-completed has no effect without a ledger")
	}

	return p, nil
}

func tokenSource(cfg config.AuthConfig, timeout time.Duration) auth.TokenSource {
	switch {
	case len(cfg.TokenCommand) > 0:
		return &auth.CommandSource{
			Invoker: tool.NewRunner(cfg.TokenCommand[0], timeout),
			Args:    cfg.TokenCommand[1:],
		}
	case cfg.TokenEnv != "":
		return &auth.EnvSource{Variable: cfg.TokenEnv}
	default:
		return nil
	}
}

// RunID identifies this run in the ledger and the reports
func (p *Pipeline) RunID() string {
	return p.runID
}

// Metrics returns the collector of this run
func (p *Pipeline) Metrics() *metrics.Collector {
	return p.metrics
}

// Summaries returns the summaries of the phases run so far
func (p *Pipeline) Summaries() []job.PhaseSummary {
	return p.summaries
}

// Run executes the requested phases in order. A phase that cannot start
// or whose listing fails is aborted and the remaining phases still run.
// The returned error joins the causes of every aborted phase and the
// cancellation of ctx; failed individual transfers are reported, not returned.
func (p *Pipeline) Run(ctx context.Context) error {
	start := p.now()
	p.logger.Info("Starting run",
		zap.Strings("phases", p.cfg.Run.Phases),
		zap.Strings("categories", p.cfg.Run.Categories),
		zap.Int("threads", p.cfg.Run.Threads),
		zap.Bool("retry", p.cfg.Run.Retry),
		zap.String("destination", p.cfg.Destination.Kind),
	)

	if p.cfg.MetricsAddr != "" {
		go func() {
			if err := p.metrics.StartServer(ctx, p.cfg.MetricsAddr); err != nil {
				p.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	var errs error
	for _, phase := range p.cfg.Run.Phases {
		if ctx.Err() != nil {
			p.logger.Warn("Run cancelled, remaining phases not started", zap.String("next_phase", phase))
			break
		}

		var err error
		switch phase {
		case config.PhaseList:
			err = p.runList(ctx)
		case config.PhaseDownload:
			err = p.runTransfer(ctx, job.Download)
		case config.PhaseUpload:
			err = p.runTransfer(ctx, job.Upload)
		}
		if err != nil {
			p.logger.Error("Phase aborted", zap.String("phase", phase), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s phase: %w", phase, err))
		}
	}

	if err := ctx.Err(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("run interrupted: %w", err))
	}

	p.finish(start)
	return errs
}

// Close releases the ledger and removes the token file
func (p *Pipeline) Close() error {
	var errs error
	if p.auth != nil {
		errs = multierr.Append(errs, p.auth.Close())
	}
	if p.ledger != nil {
		errs = multierr.Append(errs, p.ledger.Close())
	}
	return errs
}
