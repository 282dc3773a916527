// Package beanstalk implements queue.Transport on a beanstalkd server.
package beanstalk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"imagepipe/internal/queue"

	"github.com/beanstalkd/go-beanstalk"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultPriority       = 1 << 31
	DefaultTTR            = 5 * time.Minute
	DefaultReserveTimeout = 5 * time.Second
)

// Config tunes the transport.
type Config struct {
	Addr string
	// TTR is how long a reserved job may stay un-acked before the server
	// releases it.
	TTR time.Duration
	// ReserveTimeout bounds each server-side reserve so ctx is re-checked.
	ReserveTimeout time.Duration
}

// Transport is a beanstalkd backed queue.Transport.
type Transport struct {
	mu      sync.Mutex
	conn    *beanstalk.Conn
	watched *beanstalk.TubeSet
	tubes   map[string]*beanstalk.Tube
	config  Config
}

var _ queue.Transport = (*Transport)(nil)

// Dial connects to the beanstalkd server at cfg.Addr.
func Dial(cfg Config) (*Transport, error) {
	conn, err := beanstalk.Dial("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to beanstalkd at %s: %w", cfg.Addr, err)
	}
	return newTransport(conn, cfg), nil
}

func newTransport(conn *beanstalk.Conn, cfg Config) *Transport {
	if cfg.TTR <= 0 {
		cfg.TTR = DefaultTTR
	}
	if cfg.ReserveTimeout <= 0 {
		cfg.ReserveTimeout = DefaultReserveTimeout
	}

	// An empty TubeSet; Watch fills it.
	watched := beanstalk.NewTubeSet(conn)
	return &Transport{
		conn:    conn,
		watched: watched,
		tubes:   make(map[string]*beanstalk.Tube),
		config:  cfg,
	}
}

func (t *Transport) Put(ctx context.Context, tube string, body []byte, delay time.Duration) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bt, ok := t.tubes[tube]
	if !ok {
		bt = beanstalk.NewTube(t.conn, tube)
		t.tubes[tube] = bt
	}
	id, err := bt.Put(body, DefaultPriority, delay, t.config.TTR)
	if err != nil {
		return 0, fmt.Errorf("put on %s: %w", tube, err)
	}
	return id, nil
}

func (t *Transport) Watch(ctx context.Context, tube string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.watched.Name[tube] = true
	return nil
}

// Tubes returns the names currently watched.
func (t *Transport) Tubes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.watched.Name))
	for name := range t.watched.Name {
		names = append(names, name)
	}
	return names
}

func (t *Transport) Reserve(ctx context.Context) (*queue.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		t.mu.Lock()
		if len(t.watched.Name) == 0 {
			t.mu.Unlock()
			return nil, errors.New("reserve: no tubes watched")
		}
		id, body, err := t.watched.Reserve(t.config.ReserveTimeout)
		t.mu.Unlock()

		if err == nil {
			return &queue.Job{ID: id, Tube: t.tubeOf(id), Body: body}, nil
		}
		if isTimeout(err) {
			continue
		}
		return nil, fmt.Errorf("reserve: %w", err)
	}
}

// tubeOf looks up the tube a job was put on. When the server cannot say,
// a lone watched tube is the answer; otherwise it is left empty.
func (t *Transport) tubeOf(id uint64) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if stats, err := t.conn.StatsJob(id); err == nil && stats["tube"] != "" {
		return stats["tube"]
	}
	if len(t.watched.Name) == 1 {
		for name := range t.watched.Name {
			return name
		}
	}
	return ""
}

// Touch asks the server for another TTR on job.
func (t *Transport) Touch(ctx context.Context, job *queue.Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.Touch(job.ID); err != nil {
		return fmt.Errorf("touch job %d: %w", job.ID, err)
	}
	return nil
}

func (t *Transport) Ack(ctx context.Context, job *queue.Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.Delete(job.ID); err != nil {
		return fmt.Errorf("delete job %d: %w", job.ID, err)
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// isTimeout reports whether err is the server's reserve timeout.
func isTimeout(err error) bool {
	var cerr beanstalk.ConnError
	if errors.As(err, &cerr) {
		return cerr.Err == beanstalk.ErrTimeout
	}
	return errors.Is(err, beanstalk.ErrTimeout)
}
