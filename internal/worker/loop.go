// Package worker runs the reserve, decode, handle, forward, ack loop shared
// by every pipeline worker.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"imagepipe/internal/logger"
	"imagepipe/internal/observability"
	"imagepipe/internal/queue"
	"imagepipe/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Policy decides what a failed job does to the loop.
type Policy int

const (
	// FailFast stops the loop on the first failure without acknowledging
	// the job, so it is redelivered after a restart.
	FailFast Policy = iota
	// IsolateAndContinue logs the failure, parks the job on the failed
	// tube, acknowledges it and moves on.
	IsolateAndContinue
)

func (p Policy) String() string {
	if p == IsolateAndContinue {
		return "isolate_and_continue"
	}
	return "fail_fast"
}

// Dispatch is a job the handler wants enqueued after it succeeds.
type Dispatch struct {
	// Tube defaults to the loop's OutputTube.
	Tube    string
	Message api.Message
	Delay   time.Duration
}

// Outcome is the result of handling one job.
//
// Dispatches are put in order and are not transactional: when a Put fails,
// the ones before it stay enqueued and the input job is failed as a whole.
// Under IsolateAndContinue the parked input therefore replays every
// dispatch, including those already sent.
type Outcome struct {
	Dispatches []Dispatch
}

// Handler processes one decoded job.
type Handler func(ctx context.Context, msg api.Message) (Outcome, error)

// Config holds configuration for a worker loop.
type Config struct {
	Name       string
	InputTube  string
	OutputTube string
	// FailedTube receives the raw body of jobs that fail under
	// IsolateAndContinue. Empty disables parking.
	FailedTube string
	Policy     Policy
	// RetryBackoff is the pause after a reserve failure under
	// IsolateAndContinue (default: 1s).
	RetryBackoff time.Duration
	// LeaseRenewal is how often a job is touched while its handler runs
	// (default: DefaultLeaseRenewal). Keep it well under the transport's
	// reservation lease.
	LeaseRenewal time.Duration
}

// DefaultLeaseRenewal suits the default five minute reservation lease.
const DefaultLeaseRenewal = time.Minute

// Loop is a single-threaded worker bound to one input tube.
type Loop struct {
	transport   queue.Transport
	handler     Handler
	config      Config
	logger      *slog.Logger
	tracer      trace.Tracer
	instruments *observability.Instruments
}

// Option customizes a Loop.
type Option func(*Loop)

// WithInstruments records job metrics on inst.
func WithInstruments(inst *observability.Instruments) Option {
	return func(l *Loop) { l.instruments = inst }
}

// New creates a worker loop.
func New(t queue.Transport, h Handler, cfg Config, log *slog.Logger, opts ...Option) *Loop {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.LeaseRenewal <= 0 {
		cfg.LeaseRenewal = DefaultLeaseRenewal
	}
	if cfg.Name == "" {
		cfg.Name = cfg.InputTube
	}
	l := &Loop{
		transport: t,
		handler:   h,
		config:    cfg,
		logger:    log.With("worker", cfg.Name),
		tracer:    otel.Tracer("imagepipe/worker"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run watches the input tube and processes jobs until ctx is cancelled
// (returns nil) or a failure stops the loop under FailFast (returns it).
func (l *Loop) Run(ctx context.Context) error {
	if err := l.transport.Watch(ctx, l.config.InputTube); err != nil {
		return Transport("watch "+l.config.InputTube, err)
	}
	l.logger.Info("worker started",
		"input_tube", l.config.InputTube,
		"output_tube", l.config.OutputTube,
		"policy", l.config.Policy.String(),
	)

	for {
		job, err := l.transport.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("worker stopping")
				return nil
			}
			err = Transport("reserve", err)
			if l.config.Policy == FailFast {
				logger.Critical(ctx, l.logger, "reserve failed", "error", err)
				return err
			}
			l.logger.Error("reserve failed, retrying", "error", err, "backoff", l.config.RetryBackoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.config.RetryBackoff):
			}
			continue
		}

		if err := l.process(ctx, job); err != nil {
			return err
		}
	}
}

// process handles one reserved job. It returns an error only when the loop
// must stop.
func (l *Loop) process(ctx context.Context, job *queue.Job) error {
	ctx = logger.WithJobID(ctx, fmt.Sprintf("%s/%d", job.Tube, job.ID))
	log := logger.FromContext(ctx, l.logger)
	start := time.Now()

	msg, err := api.Decode(job.Body)

	traceCtx := ctx
	action := "unknown"
	if msg != nil {
		traceCtx = observability.Extract(ctx, msg.Header().Trace)
		action = string(msg.Kind())
	}

	spanCtx, span := l.tracer.Start(traceCtx, l.config.Name+".process",
		trace.WithAttributes(
			attribute.Int64("job.id", int64(job.ID)),
			attribute.String("job.tube", job.Tube),
			attribute.String("job.action", action),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	if err == nil {
		log.Info("processing job", "action", action, "namespace", msg.Ref().Namespace)
		stopRenewal := l.renewLease(ctx, log, job)
		var outcome Outcome
		outcome, err = l.handler(spanCtx, msg)
		if err == nil {
			var sent int
			sent, err = l.forward(spanCtx, outcome)
			if err != nil && sent > 0 {
				log.Warn("dispatch interrupted, earlier dispatches stay enqueued",
					"sent", sent, "total", len(outcome.Dispatches))
			}
		}
		stopRenewal()
	}

	l.record(ctx, start, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return l.fail(ctx, log, job, err)
	}

	if err := l.transport.Ack(ctx, job); err != nil {
		err = Transport("ack", err)
		if l.config.Policy == FailFast {
			logger.Critical(ctx, log, "ack failed", "error", err)
			return err
		}
		log.Error("ack failed, job will be redelivered", "error", err)
		return nil
	}
	log.Info("job done", "action", action, "duration", time.Since(start))
	return nil
}

// renewLease touches job every LeaseRenewal until the returned function is
// called.
func (l *Loop) renewLease(ctx context.Context, log *slog.Logger, job *queue.Job) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(l.config.LeaseRenewal)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.transport.Touch(ctx, job); err != nil {
					log.Warn("failed to renew job lease", "error", err)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

// forward enqueues the handler's dispatches in order and reports how many
// were put.
func (l *Loop) forward(ctx context.Context, outcome Outcome) (int, error) {
	for i, d := range outcome.Dispatches {
		tube := d.Tube
		if tube == "" {
			tube = l.config.OutputTube
		}
		if tube == "" {
			return i, fmt.Errorf("dispatch %s: no tube configured", d.Message.Kind())
		}

		h := d.Message.Header()
		if h.JobUUID == "" {
			h.JobUUID = uuid.NewString()
		}
		if h.Trace == nil {
			h.Trace = observability.Inject(ctx)
		}

		body, err := api.Encode(d.Message)
		if err != nil {
			return i, Parse("encode "+string(d.Message.Kind()), err)
		}
		if _, err := l.transport.Put(ctx, tube, body, d.Delay); err != nil {
			return i, Transport("put "+tube, err)
		}
	}
	return len(outcome.Dispatches), nil
}

func (l *Loop) fail(ctx context.Context, log *slog.Logger, job *queue.Job, err error) error {
	kind := KindOf(err)

	if l.config.Policy == FailFast {
		logger.Critical(ctx, log, "job failed, stopping worker", "error", err, "kind", kind.String())
		return err
	}

	log.Error("job failed", "error", err, "kind", kind.String())
	if l.config.FailedTube != "" {
		if _, perr := l.transport.Put(ctx, l.config.FailedTube, job.Body, 0); perr != nil {
			log.Error("failed to park job", "tube", l.config.FailedTube, "error", perr)
		}
	}
	if aerr := l.transport.Ack(ctx, job); aerr != nil {
		log.Error("failed to ack failed job", "error", aerr)
	}
	return nil
}

func (l *Loop) record(ctx context.Context, start time.Time, err error) {
	if l.instruments == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	attrs := metric.WithAttributes(
		attribute.String("worker", l.config.Name),
		attribute.String("outcome", outcome),
	)
	l.instruments.JobsProcessed.Add(ctx, 1, attrs)
	l.instruments.JobDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}
