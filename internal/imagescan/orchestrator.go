// Package imagescan records what is inside published images: their
// installed packages, the upstream repositories they were built against and
// the results of the configured scanners.
package imagescan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"imagepipe/internal/logger"
	"imagepipe/internal/observability"
	"imagepipe/internal/queue"
	"imagepipe/internal/runtime"
	"imagepipe/internal/scanner"
	"imagepipe/internal/store"
	"imagepipe/internal/worker"
	"imagepipe/pkg/api"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Store is the part of the record layer the orchestrator writes.
type Store interface {
	store.PackageStore
	store.ImageStore
	store.RepoInfoStore
	store.ScanReportStore
}

// Capability is a scanner that can be run against an image.
type Capability interface {
	Name() string
	Scan(ctx context.Context, image string, opts scanner.Options) (scanner.Report, error)
}

// ScannerRun pairs a scanner with the options it runs with.
type ScannerRun struct {
	Scanner Capability
	Options scanner.Options
}

// Config holds configuration for the orchestrator.
type Config struct {
	// Tube carries post-delivery scan requests (default: tracking).
	Tube string
	// PullRate limits image pulls per second. Zero disables the limit.
	PullRate  float64
	PullBurst int

	PackageCommand  string
	RepoListCommand string
	YumVarsCommand  string

	// LeaseRenewal is passed to the scan request loop.
	LeaseRenewal time.Duration
}

// Orchestrator scans images one at a time.
type Orchestrator struct {
	runtime     runtime.ImageRuntime
	store       Store
	scanners    []ScannerRun
	config      Config
	limiter     *rate.Limiter
	logger      *slog.Logger
	instruments *observability.Instruments
	now         func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithScanners runs scanners against every image after ingest.
func WithScanners(runs ...ScannerRun) Option {
	return func(o *Orchestrator) { o.scanners = append(o.scanners, runs...) }
}

// WithInstruments records image metrics on inst.
func WithInstruments(inst *observability.Instruments) Option {
	return func(o *Orchestrator) { o.instruments = inst }
}

// New creates an orchestrator.
func New(rt runtime.ImageRuntime, s Store, cfg Config, log *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.Tube == "" {
		cfg.Tube = "tracking"
	}
	limit := rate.Inf
	if cfg.PullRate > 0 {
		limit = rate.Limit(cfg.PullRate)
	}
	if cfg.PullBurst <= 0 {
		cfg.PullBurst = 1
	}
	o := &Orchestrator{
		runtime: rt,
		store:   s,
		config:  cfg,
		limiter: rate.NewLimiter(limit, cfg.PullBurst),
		logger:  log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SweepResult counts the images a sweep visited.
type SweepResult struct {
	Scanned int
	Failed  int
}

// Sweep scans every image not scanned yet, limited to names when given.
// A failing image is logged and skipped. Sweep stops early only when ctx is
// done or the images cannot be listed.
func (o *Orchestrator) Sweep(ctx context.Context, names []string) (SweepResult, error) {
	var res SweepResult
	scanned := false
	images, err := o.store.ListImages(ctx, store.ImageFilter{Scanned: &scanned, Names: names})
	if err != nil {
		return res, fmt.Errorf("list unscanned images: %w", err)
	}
	o.logger.Info("scanning not already scanned images", "count", len(images))

	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := o.ScanImage(ctx, img); err != nil {
			res.Failed++
			o.logger.Error("image scan error", "image", img.Name, "error", err, "kind", worker.KindOf(err).String())
			continue
		}
		res.Scanned++
	}
	o.logger.Info("scanned not already scanned images", "scanned", res.Scanned, "failed", res.Failed)
	return res, nil
}

// Serve scans images named by tracking jobs on the scan request tube until
// ctx is done. The first failure stops it.
func (o *Orchestrator) Serve(ctx context.Context, t queue.Transport, opts ...worker.Option) error {
	loop := worker.New(t, o.HandleTracking, worker.Config{
		Name:         "imagescanner",
		InputTube:    o.config.Tube,
		Policy:       worker.FailFast,
		LeaseRenewal: o.config.LeaseRenewal,
	}, o.logger, opts...)
	return loop.Run(ctx)
}

// HandleTracking is the worker.Handler for scan requests.
func (o *Orchestrator) HandleTracking(ctx context.Context, msg api.Message) (worker.Outcome, error) {
	job, ok := msg.(*api.TrackingJob)
	if !ok {
		return worker.Outcome{}, worker.Parse("scan request", fmt.Errorf("unexpected action %q", msg.Kind()))
	}
	name := job.ImageName()
	logger.FromContext(ctx, o.logger).Debug("scanning image post delivery", "image", name)

	img, err := o.store.GetImageByName(ctx, name)
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("resolve image %s: %w", name, err)
	}
	return worker.Outcome{}, o.ScanImage(ctx, *img)
}

// ScanImage pulls the image, records its packages, upstream repositories
// and scanner reports, and marks it scanned. The local image is always
// removed afterwards.
func (o *Orchestrator) ScanImage(ctx context.Context, img store.ContainerImage) (err error) {
	log := o.logger.With("image", img.Name)
	defer func() { o.record(ctx, err) }()

	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := o.runtime.Pull(ctx, img.Name); err != nil {
		return worker.ExternalPlatform("pull", err)
	}
	defer func() {
		if rerr := o.runtime.Remove(context.WithoutCancel(ctx), img.Name); rerr != nil {
			log.Warn("failed to remove image", "error", rerr)
		}
	}()

	if err := o.populatePackages(ctx, log, img); err != nil {
		return err
	}
	if err := o.populateUpstreams(ctx, log, img); err != nil {
		return err
	}
	o.runScanners(ctx, log, img)

	if err := o.store.MarkScanned(ctx, img.ID, o.now()); err != nil {
		return fmt.Errorf("mark scanned: %w", err)
	}
	log.Info("image scanned")
	return nil
}

func (o *Orchestrator) populatePackages(ctx context.Context, log *slog.Logger, img store.ContainerImage) error {
	log.Debug("populating packages")
	out, err := o.runtime.Run(ctx, img.Name, o.config.PackageCommand)
	if err != nil {
		return worker.ExternalPlatform("list packages", err)
	}
	pkgs, err := ParsePackages(out)
	if err != nil {
		return worker.Parse("package list", err)
	}

	ids := make([]int64, 0, len(pkgs))
	for _, p := range pkgs {
		stored, err := o.store.GetOrCreatePackage(ctx, p)
		if err != nil {
			return fmt.Errorf("record package %s: %w", p.NAVR(), err)
		}
		ids = append(ids, stored.ID)
	}
	if err := o.store.AddImagePackages(ctx, img.ID, ids); err != nil {
		return fmt.Errorf("link packages: %w", err)
	}
	log.Debug("packages recorded", "count", len(ids))
	return nil
}

func (o *Orchestrator) populateUpstreams(ctx context.Context, log *slog.Logger, img store.ContainerImage) error {
	log.Debug("populating upstream data")
	out, err := o.runtime.Run(ctx, img.Name, o.config.RepoListCommand)
	if err != nil {
		return worker.ExternalPlatform("list repositories", err)
	}
	urls, err := ParseRepoURLs(out)
	if err != nil {
		return worker.Parse("repository listing", err)
	}

	out, err = o.runtime.Run(ctx, img.Name, o.config.YumVarsCommand)
	if err != nil {
		return worker.ExternalPlatform("read yum vars", err)
	}
	vars, err := ParseYumVars(out)
	if err != nil {
		return worker.Parse("yum vars", err)
	}

	info, err := o.store.GetOrCreateRepoInfo(ctx, store.RepoInfo{
		BaseURLs:   urls,
		ReleaseVer: vars.ReleaseVer,
		BaseArch:   vars.BaseArch,
		Infra:      vars.Infra,
	})
	if err != nil {
		return fmt.Errorf("record repo info: %w", err)
	}
	if err := o.store.SetImageRepoInfo(ctx, img.ID, info.ID); err != nil {
		return fmt.Errorf("link repo info: %w", err)
	}
	return nil
}

// runScanners stores one report per scanner. Scanner failures are logged
// and never fail the image.
func (o *Orchestrator) runScanners(ctx context.Context, log *slog.Logger, img store.ContainerImage) {
	for _, run := range o.scanners {
		report, err := run.Scanner.Scan(ctx, img.Name, run.Options)
		if err != nil {
			log.Error("scanner could not run", "scanner", run.Scanner.Name(), "error", err)
			continue
		}
		if !report.Status {
			log.Warn("scanner reported failure", "scanner", report.Scanner, "msg", report.Message)
		}
		if err := o.store.SaveScanReport(ctx, &store.ScanReport{
			ImageID:   img.ID,
			Scanner:   report.Scanner,
			Status:    report.Status,
			Message:   report.Message,
			Logs:      report.Logs,
			CreatedAt: o.now(),
		}); err != nil {
			log.Error("failed to save scan report", "scanner", report.Scanner, "error", err)
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, err error) {
	if o.instruments == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		if errors.Is(err, context.Canceled) {
			outcome = "cancelled"
		}
	}
	o.instruments.ImagesScanned.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
