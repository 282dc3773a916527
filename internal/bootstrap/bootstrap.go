// Package bootstrap wires the ambient pieces every pipeline process shares:
// configuration, logging, the database, tracing, metrics, the ops server and
// the job transport.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"imagepipe/internal/config"
	"imagepipe/internal/logger"
	"imagepipe/internal/observability"
	"imagepipe/internal/opsserver"
	"imagepipe/internal/queue"
	"imagepipe/internal/queue/beanstalk"
	"imagepipe/internal/store/postgres"
)

// Env is a started process environment.
type Env struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       *postgres.Store
	Instruments *observability.Instruments

	closers []func(context.Context) error
}

// Start loads configuration from configPath and brings up everything but
// the transport. The ops server runs until ctx is done.
func Start(ctx context.Context, service, configPath string) (*Env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.LogLevel).With("service", service)
	env := &Env{Config: cfg, Logger: log}

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	env.Store = db
	env.closers = append(env.closers, func(context.Context) error { return db.Close() })

	shutdownTracer, err := observability.InitTracer(ctx, service, cfg.OTELEndpoint)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	env.closers = append(env.closers, shutdownTracer)

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}
	env.closers = append(env.closers, shutdownMetrics)

	env.Instruments, err = observability.NewInstruments()
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	srv := opsserver.New(fmt.Sprintf(":%d", cfg.MetricsPort), db, metricsHandler, log)
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Error("ops server stopped", "error", err)
		}
	}()

	return env, nil
}

// Transport opens the configured job transport. The caller closes it.
func (e *Env) Transport() (queue.Transport, error) {
	return OpenTransport(e.Config.Queue, e.Store)
}

// Close releases everything Start acquired, in reverse order.
func (e *Env) Close() {
	ctx := context.Background()
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil && e.Logger != nil {
			e.Logger.Warn("shutdown step failed", "error", err)
		}
	}
	e.closers = nil
}

// OpenTransport selects the queue backend named by cfg. The postgres
// backend shares db's pool.
func OpenTransport(cfg config.QueueConfig, db *postgres.Store) (queue.Transport, error) {
	switch cfg.Backend {
	case config.QueueBeanstalk:
		return beanstalk.Dial(beanstalk.Config{
			Addr:           cfg.BeanstalkAddr,
			TTR:            cfg.VisibilityTimeout,
			ReserveTimeout: cfg.ReserveTimeout,
		})
	case config.QueuePostgres:
		if db == nil {
			return nil, errors.New("postgres queue backend needs a database")
		}
		return db.NewTubeQueue(postgres.TubeQueueConfig{
			PollInterval:      cfg.PollInterval,
			MaxBackoff:        cfg.MaxBackoff,
			VisibilityTimeout: cfg.VisibilityTimeout,
		}), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
}
