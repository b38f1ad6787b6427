// Package app builds the long-lived services for one harvest run and
// holds them until Close.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/storeharvest/internal/browser"
	"github.com/JakeFAU/storeharvest/internal/captcha"
	"github.com/JakeFAU/storeharvest/internal/clock/system"
	"github.com/JakeFAU/storeharvest/internal/config"
	"github.com/JakeFAU/storeharvest/internal/export"
	"github.com/JakeFAU/storeharvest/internal/extract"
	"github.com/JakeFAU/storeharvest/internal/harvest"
	"github.com/JakeFAU/storeharvest/internal/id/uuid"
	"github.com/JakeFAU/storeharvest/internal/metrics"
	"github.com/JakeFAU/storeharvest/internal/orchestrator"
	"github.com/JakeFAU/storeharvest/internal/promo"
	"github.com/JakeFAU/storeharvest/internal/proxy"
	"github.com/JakeFAU/storeharvest/internal/publisher/pubsub"
	"github.com/JakeFAU/storeharvest/internal/resultset"
	"github.com/JakeFAU/storeharvest/internal/retry"
	"github.com/JakeFAU/storeharvest/internal/storage"
	"github.com/JakeFAU/storeharvest/internal/storage/gcs"
	"github.com/JakeFAU/storeharvest/internal/storage/local"
	"github.com/JakeFAU/storeharvest/internal/telemetry"
)

const exportTimeout = 2 * time.Minute

// App holds the services of one run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	out      io.Writer
	clock    harvest.Clock
	pool     *proxy.Pool
	results  *resultset.ResultSet
	orch     *orchestrator.Orchestrator
	exporter *export.Exporter
	enricher *promo.Enricher
	metrics  *http.Server
	closers  []func() error
}

// Option overrides a service, mainly for tests.
type Option func(*options)

type options struct {
	sessions  browser.Factory
	solver    harvest.Solver
	files     storage.BlobStore
	mirror    storage.BlobStore
	publisher export.Publisher
	pauser    retry.Pauser
	out       io.Writer
}

// WithSessions replaces the chromedp session factory.
func WithSessions(f browser.Factory) Option { return func(o *options) { o.sessions = f } }

// WithSolver replaces the configured CAPTCHA solver.
func WithSolver(s harvest.Solver) Option { return func(o *options) { o.solver = s } }

// WithFiles replaces the local output store.
func WithFiles(s storage.BlobStore) Option { return func(o *options) { o.files = s } }

// WithMirror replaces the bucket mirror.
func WithMirror(s storage.BlobStore) Option { return func(o *options) { o.mirror = s } }

// WithPublisher replaces the run notification publisher.
func WithPublisher(p export.Publisher) Option { return func(o *options) { o.publisher = p } }

// WithPauser replaces the retry backoff timer.
func WithPauser(p retry.Pauser) Option { return func(o *options) { o.pauser = p } }

// WithOutput sets where the summary tables are rendered.
func WithOutput(w io.Writer) Option { return func(o *options) { o.out = w } }

// New wires every component from cfg. It fails fast when a configured
// remote dependency cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	clock := system.New()
	a := &App{cfg: cfg, logger: logger, out: o.out, clock: clock}

	tp, err := telemetry.InitTracerProvider(ctx, "storeharvest")
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return tp.Shutdown(context.Background()) })

	pool, err := proxy.FromList(cfg.Proxy.List, cfg.Harvest.DirectIdentities, cfg.Pool(), clock, logger.Named("proxy"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build identity pool: %w", err)
	}
	a.pool = pool

	if o.solver == nil {
		o.solver = captcha.New(cfg.Solver(), logger.Named("captcha"))
	}
	if !o.solver.Available() {
		logger.Warn("No CAPTCHA API key configured; challenged units will be skipped")
	}
	if o.sessions == nil {
		extractor := extract.New(cfg.Extract, clock)
		o.sessions = browser.NewChromedpFactory(cfg.BrowserSettings(), extractor, logger.Named("browser"))
	}
	executor := retry.NewExecutor(pool, o.sessions, o.solver, cfg.RetryPolicy(), logger.Named("retry"))
	if o.pauser != nil {
		executor = executor.WithPauser(o.pauser)
	}

	a.results = resultset.New()
	a.orch = orchestrator.New(cfg.Traversal(), cfg.Provinces, executor, pool, a.results, uuid.New(), clock, logger.Named("orchestrator"))

	if cfg.Products.Enabled {
		client := promo.NewClient(cfg.ProductSearch(), logger.Named("promo"))
		a.enricher = promo.NewEnricher(client, pool, logger.Named("promo"))
		logger.Info("Product lookup enabled", zap.Strings("queries", cfg.Products.Queries))
	}

	if o.files == nil {
		files, err := local.New(local.Config{BaseDir: filepath.Dir(cfg.Harvest.OutputFile)})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("prepare output directory: %w", err)
		}
		o.files = files
	}
	if o.mirror == nil && cfg.Export.GCSBucket != "" {
		store, closeFn, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.Export.GCSBucket, Prefix: cfg.Export.GCSPrefix}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init gcs export: %w", err)
		}
		o.mirror = store
		a.closers = append(a.closers, closeFn)
		logger.Info("Mirroring export to GCS", zap.String("bucket", cfg.Export.GCSBucket))
	}
	if o.publisher == nil && cfg.Notify.PubSubTopic != "" {
		pub, err := pubsub.Dial(ctx, cfg.Notify.PubSubProject)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init pubsub notify: %w", err)
		}
		o.publisher = pub
		a.closers = append(a.closers, pub.Close)
		logger.Info("Publishing run notifications", zap.String("topic", cfg.Notify.PubSubTopic))
	}
	a.exporter = export.New(export.Config{Output: cfg.Harvest.OutputFile, Topic: cfg.Notify.PubSubTopic},
		o.files, o.mirror, o.publisher, logger.Named("export"))

	if cfg.Metrics.ListenAddr != "" {
		a.startMetrics(cfg.Metrics.ListenAddr)
	}
	return a, nil
}

func (a *App) startMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.logger.Info("Metrics server started", zap.String("addr", addr))
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// Report is what a finished run produced.
type Report struct {
	Summary  orchestrator.RunSummary
	Products promo.Stats
	Manifest export.Manifest
}

// Run executes the traversal, looks up products when enabled and the run
// finished normally, then exports whatever was collected. A
// cancelled, timed out or run-fatal run still exports, under partial_
// names, even with zero records. The returned error is the run-fatal error,
// or the export error when the files could not be written.
func (a *App) Run(ctx context.Context) (report Report, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "harvest.run")
	defer func() {
		span.SetAttributes(
			attribute.String("run.id", report.Summary.RunID),
			attribute.Int("run.records", report.Summary.Records),
			attribute.Int("run.stores_skipped", report.Summary.SkippedStores()),
			attribute.Bool("run.partial", report.Summary.Cancelled),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	summary, runErr := a.orch.Run(ctx)
	report.Summary = summary

	exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exportTimeout)
	defer cancel()
	records := a.results.Export()
	if a.enricher != nil && len(records) > 0 && runErr == nil && !summary.Cancelled {
		report.Products = a.enricher.Enrich(ctx, records)
	}
	manifest, exportErr := a.exporter.Export(exportCtx, records, export.RunInfo{
		RunID:         summary.RunID,
		Partial:       summary.Cancelled || runErr != nil,
		StartedAt:     summary.StartedAt,
		FinishedAt:    summary.FinishedAt,
		SkippedStores: summary.SkippedStores(),
	})
	report.Manifest = manifest

	summary.Render(a.out)
	summary.Log(a.logger)

	if runErr != nil {
		if exportErr != nil {
			a.logger.Error("Export after run failure failed", zap.Error(exportErr))
		}
		return report, runErr
	}
	if exportErr != nil {
		return report, fmt.Errorf("export: %w", exportErr)
	}
	return report, nil
}

// Close shuts down the services. It is safe to call more than once.
func (a *App) Close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
		cancel()
		a.metrics = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Error closing service", zap.Error(err))
		}
	}
	a.closers = nil
}
