// Package delivery implements the delivery phase worker: it runs the
// platform's delivery build for a project, records the outcome on the
// Build, and tells the completion tube what happened.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"imagepipe/internal/logger"
	"imagepipe/internal/phase"
	"imagepipe/internal/platform"
	"imagepipe/internal/store"
	"imagepipe/internal/worker"
	"imagepipe/pkg/api"

	"github.com/google/uuid"
)

// LogFileName is the file the delivery build log is written to inside the
// job's logs_dir.
const LogFileName = "delivery_logs.txt"

// statusComplete is the platform build phase that means delivered.
const statusComplete = "Complete"

// Config holds configuration for the delivery worker.
type Config struct {
	// TrackingDelay postpones the tracking job so the notification is
	// usually consumed first. Consumers must not rely on it.
	TrackingDelay time.Duration
	// MarkPhaseFailed moves the delivery phase and Build to failed when
	// delivery fails. Off by default.
	MarkPhaseFailed bool
}

// Worker handles start_delivery jobs.
type Worker struct {
	platform platform.Platform
	builds   store.BuildStore
	tracker  store.Tracker
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a delivery worker.
func New(p platform.Platform, builds store.BuildStore, tracker store.Tracker, cfg Config, log *slog.Logger) *Worker {
	return &Worker{
		platform: p,
		builds:   builds,
		tracker:  tracker,
		config:   cfg,
		logger:   log,
		now:      time.Now,
	}
}

// Handle is the worker.Handler for the start_delivery tube.
func (w *Worker) Handle(ctx context.Context, msg api.Message) (worker.Outcome, error) {
	job, ok := msg.(*api.PhaseJob)
	if !ok || job.Kind() != api.ActionStartDelivery {
		return worker.Outcome{}, worker.Parse("delivery", fmt.Errorf("unexpected action %q", msg.Kind()))
	}
	log := logger.FromContext(ctx, w.logger).With("namespace", job.Namespace)

	m, err := phase.Bind(ctx, w.builds, job.Namespace, store.PhaseDelivery, log)
	if err != nil {
		return worker.Outcome{}, err
	}
	if err := m.Begin(ctx, w.now()); err != nil {
		return worker.Outcome{}, err
	}
	log.Info("starting delivery", "project", job.ProjectHashKey, "image", job.ImageName())

	if w.deliver(ctx, log, job, m) {
		return w.succeeded(ctx, log, job, m)
	}
	return w.failed(ctx, log, job, m)
}

// deliver runs the delivery build and stores its log. Platform errors are
// logged and reported as an unsuccessful delivery.
func (w *Worker) deliver(ctx context.Context, log *slog.Logger, job *api.PhaseJob, m *phase.Machine) bool {
	project := job.ProjectHashKey

	if err := w.platform.Login(ctx); err != nil {
		log.Error("delivery failed", "error", worker.ExternalPlatform("login", err))
		return false
	}
	buildID, err := w.platform.StartBuild(ctx, project, string(store.PhaseDelivery))
	if err != nil {
		log.Error("delivery failed", "error", worker.ExternalPlatform("start build", err))
		return false
	}
	if buildID == "" {
		log.Error("delivery failed", "error", "platform returned no build id")
		return false
	}

	delivered, err := w.platform.WaitForStatus(ctx, project, buildID, statusComplete)
	if err != nil {
		log.Error("waiting for delivery build failed", "build", buildID, "error", worker.ExternalPlatform("wait for build", err))
		delivered = false
	}

	logFile := filepath.Join(job.LogsDir, LogFileName)
	if err := m.RecordLog(ctx, logFile); err != nil {
		log.Error("failed to record delivery log path", "error", err)
	}
	logs, err := w.platform.GetLogs(ctx, project, buildID, string(store.PhaseDelivery))
	if err != nil {
		log.Error("failed to fetch delivery logs", "build", buildID, "error", worker.ExternalPlatform("get logs", err))
	} else if err := exportLogs(logFile, logs); err != nil {
		log.Error("failed to write delivery logs", "path", logFile, "error", err)
	}

	return delivered
}

func (w *Worker) succeeded(ctx context.Context, log *slog.Logger, job *api.PhaseJob, m *phase.Machine) (worker.Outcome, error) {
	if err := w.tracker.Complete(ctx, job.Namespace); err != nil {
		return worker.Outcome{}, fmt.Errorf("complete tracker for %s: %w", job.Namespace, err)
	}
	if err := m.Complete(ctx, w.now()); err != nil {
		return worker.Outcome{}, err
	}
	log.Info("delivery complete")

	notify := api.NewNotifyUser(job.BuildRef, nil, string(store.PhaseDelivery))
	notify.JobUUID = uuid.NewString()
	tracking := api.NewTracking(job.BuildRef, notify.JobUUID)

	return worker.Outcome{Dispatches: []worker.Dispatch{
		{Message: notify},
		{Message: tracking, Delay: w.config.TrackingDelay},
	}}, nil
}

func (w *Worker) failed(ctx context.Context, log *slog.Logger, job *api.PhaseJob, m *phase.Machine) (worker.Outcome, error) {
	if w.config.MarkPhaseFailed {
		if err := m.Fail(ctx, w.now()); err != nil {
			return worker.Outcome{}, err
		}
		if err := w.tracker.Complete(ctx, job.Namespace); err != nil {
			return worker.Outcome{}, fmt.Errorf("complete tracker for %s: %w", job.Namespace, err)
		}
	} else {
		log.Warn("delivery failed, phase left in processing")
	}
	log.Warn("delivery is not successful, notifying the user")

	return worker.Outcome{Dispatches: []worker.Dispatch{
		{Message: api.NewNotifyUser(job.BuildRef, api.Bool(false), string(store.PhaseDelivery))},
	}}, nil
}

func exportLogs(path, logs string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(logs), 0o644)
}
