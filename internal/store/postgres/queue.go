package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"imagepipe/internal/queue"

	"github.com/lib/pq"
)

// Default polling policy
const (
	DefaultPollInterval      = 1 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultVisibilityTimeout = 5 * time.Minute
)

// TubeQueueConfig tunes a TubeQueue.
type TubeQueueConfig struct {
	PollInterval time.Duration // first wait when every watched tube is empty
	MaxBackoff   time.Duration // cap for the exponential wait
	// VisibilityTimeout is how long a reserved job stays hidden before it
	// is handed out again.
	VisibilityTimeout time.Duration
}

// TubeQueue is a queue.Transport on the job_queue table. Jobs are claimed
// with SELECT ... FOR UPDATE SKIP LOCKED and hidden by pushing
// visible_after forward; an un-acked job reappears when it lapses.
type TubeQueue struct {
	store  *Store
	config TubeQueueConfig

	mu    sync.Mutex
	tubes []string
	sleep func(ctx context.Context, d time.Duration) error
}

var _ queue.Transport = (*TubeQueue)(nil)

// NewTubeQueue returns a transport sharing the store's connection pool.
func (s *Store) NewTubeQueue(cfg TubeQueueConfig) *TubeQueue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	return &TubeQueue{store: s, config: cfg, sleep: sleepContext}
}

// Put adds a job to the tube; it becomes visible after delay.
func (q *TubeQueue) Put(ctx context.Context, tube string, body []byte, delay time.Duration) (uint64, error) {
	query := `
		INSERT INTO job_queue (tube, body, visible_after)
		VALUES ($1, $2, NOW() + ($3 * INTERVAL '1 second'))
		RETURNING id
	`

	var id int64
	err := q.store.db.QueryRowContext(ctx, query, tube, body, delay.Seconds()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to put job on %s: %w", tube, err)
	}
	return uint64(id), nil
}

func (q *TubeQueue) Watch(ctx context.Context, tube string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.tubes {
		if t == tube {
			return nil
		}
	}
	q.tubes = append(q.tubes, tube)
	return nil
}

func (q *TubeQueue) watched() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.tubes...)
}

// Reserve polls until a job is claimed, backing off exponentially while
// the watched tubes are empty.
func (q *TubeQueue) Reserve(ctx context.Context) (*queue.Job, error) {
	tubes := q.watched()
	if len(tubes) == 0 {
		return nil, errors.New("reserve: no tubes watched")
	}

	backoff := q.config.PollInterval
	for {
		job, err := q.claim(ctx, tubes)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		if err := q.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
		if backoff > q.config.MaxBackoff {
			backoff = q.config.MaxBackoff
		}
	}
}

// claim takes the oldest visible job on any of tubes, or returns nil.
func (q *TubeQueue) claim(ctx context.Context, tubes []string) (*queue.Job, error) {
	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var job queue.Job
	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id, tube, body
		FROM job_queue
		WHERE tube = ANY($1) AND visible_after <= NOW()
		ORDER BY id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, pq.Array(tubes)).Scan(&id, &job.Tube, &job.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE job_queue
		SET visible_after = NOW() + ($1 * INTERVAL '1 second'), attempts = attempts + 1
		WHERE id = $2
	`, q.config.VisibilityTimeout.Seconds(), id)
	if err != nil {
		return nil, fmt.Errorf("reserve visibility update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.ID = uint64(id)
	return &job, nil
}

// Touch pushes the job's visibility another VisibilityTimeout forward.
func (q *TubeQueue) Touch(ctx context.Context, job *queue.Job) error {
	res, err := q.store.db.ExecContext(ctx, `
		UPDATE job_queue
		SET visible_after = NOW() + ($1 * INTERVAL '1 second')
		WHERE id = $2
	`, q.config.VisibilityTimeout.Seconds(), int64(job.ID))
	if err != nil {
		return fmt.Errorf("failed to touch job %d: %w", job.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to touch job %d: no longer queued", job.ID)
	}
	return nil
}

// Ack deletes the job.
func (q *TubeQueue) Ack(ctx context.Context, job *queue.Job) error {
	_, err := q.store.db.ExecContext(ctx, "DELETE FROM job_queue WHERE id = $1", int64(job.ID))
	if err != nil {
		return fmt.Errorf("failed to ack job %d: %w", job.ID, err)
	}
	return nil
}

// Count returns the number of jobs on tube, reserved ones included.
func (q *TubeQueue) Count(ctx context.Context, tube string) (int64, error) {
	var n int64
	err := q.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_queue WHERE tube = $1", tube).Scan(&n)
	return n, err
}

// Close is a no-op; the pool belongs to the Store.
func (q *TubeQueue) Close() error {
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
