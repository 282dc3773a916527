package cmd

import (
	"context"
	"errors"
	"time"

	"imagepipe/internal/bootstrap"
	"imagepipe/internal/config"
	"imagepipe/internal/queue"
	"imagepipe/internal/store"
	"imagepipe/internal/store/memory"
	"imagepipe/internal/store/postgres"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// backend is what a command talks to: the record store and, when asked for,
// the job transport.
type backend struct {
	store     store.Store
	transport queue.Transport
	// db is nil unless the store is PostgreSQL.
	db     *postgres.Store
	dryRun bool
}

func (b *backend) Close() {
	if b.transport != nil {
		b.transport.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}

// openBackend is replaced in tests.
var openBackend = func(ctx context.Context, withQueue bool) (*backend, error) {
	if viper.GetBool("dry-run") {
		return &backend{store: memory.New(), transport: queue.NewMemory(), dryRun: true}, nil
	}

	dbURL := viper.GetString("database-url")
	if dbURL == "" {
		return nil, errors.New("database URL not found. Please set it using the --database-url flag or the PIPECTL_DATABASE_URL environment variable")
	}
	db, err := postgres.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}
	b := &backend{store: db, db: db}

	if withQueue {
		t, err := bootstrap.OpenTransport(config.QueueConfig{
			Backend:       viper.GetString("queue-backend"),
			BeanstalkAddr: viper.GetString("beanstalk-addr"),
		}, db)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.transport = t
	}
	return b, nil
}

// enqueue puts body on tube, or prints it under --dry-run.
func (b *backend) enqueue(ctx context.Context, cmd *cobra.Command, tube string, body []byte) error {
	if b.dryRun {
		cmd.Printf("[dry-run] %s <- %s\n", tube, body)
		return nil
	}
	id, err := b.transport.Put(ctx, tube, body, 0)
	if err != nil {
		return err
	}
	cmd.Printf("✓ Job %d put on %s\n", id, tube)
	return nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, 30*time.Second)
}
