// Package dispatch routes completion jobs from the master tube to the
// tubes of the workers that consume them.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"imagepipe/internal/logger"
	"imagepipe/internal/observability"
	"imagepipe/internal/queue"
	"imagepipe/internal/store"
	"imagepipe/internal/worker"
	"imagepipe/pkg/api"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

// Config holds configuration for the dispatcher.
type Config struct {
	InputTube    string
	NotifyTube   string
	TrackingTube string
	// FailedTube receives jobs that could not be routed.
	FailedTube string
	// RequeueDelay is how long a tracking job waits for the notification
	// it depends on before it is looked at again.
	RequeueDelay time.Duration
	// MaxRequeues bounds the wait. Past it the tracking job is routed anyway.
	MaxRequeues int
	// RememberedJobs bounds how many routed notifications are remembered.
	RememberedJobs int
	// LeaseRenewal is passed to the worker loop.
	LeaseRenewal time.Duration
}

func (c *Config) applyDefaults() {
	if c.InputTube == "" {
		c.InputTube = "master_tube"
	}
	if c.NotifyTube == "" {
		c.NotifyTube = "notify_tube"
	}
	if c.TrackingTube == "" {
		c.TrackingTube = "tracking"
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 5 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 12
	}
	if c.RememberedJobs <= 0 {
		c.RememberedJobs = 1024
	}
}

// Dispatcher handles jobs on the master tube.
type Dispatcher struct {
	images   store.ImageStore
	config   Config
	logger   *slog.Logger
	routed   *lru.Cache // notify job uuid -> struct{}
	attempts *lru.Cache // tracking job uuid -> int
}

// New creates a dispatcher.
func New(images store.ImageStore, cfg Config, log *slog.Logger) (*Dispatcher, error) {
	cfg.applyDefaults()

	routed, err := lru.New(cfg.RememberedJobs)
	if err != nil {
		return nil, fmt.Errorf("routed job cache: %w", err)
	}
	attempts, err := lru.New(cfg.RememberedJobs)
	if err != nil {
		return nil, fmt.Errorf("requeue attempt cache: %w", err)
	}
	return &Dispatcher{
		images:   images,
		config:   cfg,
		logger:   log,
		routed:   routed,
		attempts: attempts,
	}, nil
}

// Serve runs the dispatcher on the master tube until ctx is done.
func (d *Dispatcher) Serve(ctx context.Context, t queue.Transport, inst *observability.Instruments) error {
	var opts []worker.Option
	if inst != nil {
		opts = append(opts, worker.WithInstruments(inst))
	}
	loop := worker.New(t, d.Handle, worker.Config{
		Name:         "dispatcher",
		InputTube:    d.config.InputTube,
		FailedTube:   d.config.FailedTube,
		Policy:       worker.IsolateAndContinue,
		LeaseRenewal: d.config.LeaseRenewal,
	}, d.logger, opts...)
	return loop.Run(ctx)
}

// Handle is the worker.Handler for the master tube.
func (d *Dispatcher) Handle(ctx context.Context, msg api.Message) (worker.Outcome, error) {
	log := logger.FromContext(ctx, d.logger).With("namespace", msg.Ref().Namespace)

	switch job := msg.(type) {
	case *api.NotifyUserJob:
		if job.JobUUID != "" {
			d.routed.Add(job.JobUUID, struct{}{})
		}
		log.Info("routing notification", "failed", job.Failed(), "phase", job.BuildPhase)
		return route(d.config.NotifyTube, job), nil

	case *api.TrackingJob:
		return d.track(ctx, log, job)

	case *api.PhaseJob:
		log.Info("routing phase job", "action", job.Kind())
		return route(string(job.Kind()), job), nil
	}
	return worker.Outcome{}, worker.Parse("dispatch", fmt.Errorf("unroutable action %q", msg.Kind()))
}

// Routed reports whether the notification with the given job uuid has
// passed through this dispatcher.
func (d *Dispatcher) Routed(jobUUID string) bool {
	return d.routed.Contains(jobUUID)
}

func (d *Dispatcher) track(ctx context.Context, log *slog.Logger, job *api.TrackingJob) (worker.Outcome, error) {
	if job.JobUUID == "" {
		job.JobUUID = uuid.NewString()
	}

	if job.DependsOn != "" && !d.Routed(job.DependsOn) {
		n := 1
		if v, ok := d.attempts.Get(job.JobUUID); ok {
			n = v.(int) + 1
		}
		if n <= d.config.MaxRequeues {
			d.attempts.Add(job.JobUUID, n)
			log.Info("tracking job waits for notification",
				"depends_on", job.DependsOn, "attempt", n, "delay", d.config.RequeueDelay)
			return worker.Outcome{Dispatches: []worker.Dispatch{{
				Tube:    d.config.InputTube,
				Message: job,
				Delay:   d.config.RequeueDelay,
			}}}, nil
		}
		log.Warn("notification never seen, routing tracking job anyway",
			"depends_on", job.DependsOn, "attempts", d.config.MaxRequeues)
	}
	d.attempts.Remove(job.JobUUID)

	name := job.ImageName()
	if _, err := d.images.CreateImage(ctx, name); err != nil {
		return worker.Outcome{}, fmt.Errorf("register image %s: %w", name, err)
	}
	log.Info("routing tracking job", "image", name)
	return route(d.config.TrackingTube, job), nil
}

func route(tube string, msg api.Message) worker.Outcome {
	return worker.Outcome{Dispatches: []worker.Dispatch{{Tube: tube, Message: msg}}}
}
