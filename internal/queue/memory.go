package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Put records one call to Memory.Put.
type Put struct {
	ID    uint64
	Tube  string
	Body  []byte
	Delay time.Duration
}

type memJob struct {
	Job
	readyAt    time.Time
	leaseUntil time.Time
}

// Memory is an in-process Transport. Reserved jobs stay out of the ready
// set until acknowledged or, when a lease is set, until the lease lapses;
// delays are honoured against the wall clock.
type Memory struct {
	mu       sync.Mutex
	nextID   uint64
	ready    []memJob
	reserved map[uint64]memJob
	watched  map[string]bool
	history  []Put
	touches  map[uint64]int
	lease    time.Duration
	wake     chan struct{}
	closed   bool
	now      func() time.Time
}

var _ Transport = (*Memory)(nil)

// NewMemory returns an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{
		reserved: make(map[uint64]memJob),
		watched:  make(map[string]bool),
		touches:  make(map[uint64]int),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// SetLease makes reservations lapse after d unless the job is touched or
// acknowledged first. Zero keeps reservations until Ack or Release.
func (m *Memory) SetLease(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lease = d
}

func (m *Memory) Put(ctx context.Context, tube string, body []byte, delay time.Duration) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	m.nextID++
	id := m.nextID
	copied := append([]byte(nil), body...)
	m.ready = append(m.ready, memJob{
		Job:     Job{ID: id, Tube: tube, Body: copied},
		readyAt: m.now().Add(delay),
	})
	m.history = append(m.history, Put{ID: id, Tube: tube, Body: copied, Delay: delay})

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return id, nil
}

func (m *Memory) Watch(ctx context.Context, tube string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.watched[tube] = true
	return nil
}

func (m *Memory) Reserve(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, wait, err := m.tryReserve()
		if err != nil || job != nil {
			return job, err
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-m.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return nil, err
		}
	}
}

// tryReserve claims the oldest ready job on a watched tube. When none is
// ready it returns how long until the next delayed one is, or zero.
func (m *Memory) tryReserve() (*Job, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, 0, ErrClosed
	}

	now := m.now()
	m.expire(now)

	var wait time.Duration
	for _, j := range m.reserved {
		if d := j.leaseUntil.Sub(now); m.lease > 0 && (wait == 0 || d < wait) {
			wait = d
		}
	}
	for i, j := range m.ready {
		if !m.watched[j.Tube] {
			continue
		}
		if j.readyAt.After(now) {
			if d := j.readyAt.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		m.ready = append(m.ready[:i], m.ready[i+1:]...)
		j.leaseUntil = now.Add(m.lease)
		m.reserved[j.ID] = j
		job := j.Job
		return &job, 0, nil
	}
	return nil, wait, nil
}

// expire returns reserved jobs whose lease has lapsed to the ready set.
func (m *Memory) expire(now time.Time) {
	if m.lease <= 0 {
		return
	}
	for id, j := range m.reserved {
		if now.Before(j.leaseUntil) {
			continue
		}
		j.readyAt = now
		m.ready = append(m.ready, j)
		delete(m.reserved, id)
	}
}

func (m *Memory) Touch(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expire(now)
	j, ok := m.reserved[job.ID]
	if !ok {
		return fmt.Errorf("job %d is not reserved", job.ID)
	}
	j.leaseUntil = now.Add(m.lease)
	m.reserved[job.ID] = j
	m.touches[job.ID]++
	return nil
}

func (m *Memory) Ack(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expire(m.now())
	if _, ok := m.reserved[job.ID]; !ok {
		return fmt.Errorf("job %d is not reserved", job.ID)
	}
	delete(m.reserved, job.ID)
	return nil
}

// Release puts every reserved, unacknowledged job back in the ready set, as
// a real backend would once the reservation expires.
func (m *Memory) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, j := range m.reserved {
		m.ready = append(m.ready, j)
		delete(m.reserved, id)
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Puts returns every Put made so far, in order.
func (m *Memory) Puts() []Put {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Put(nil), m.history...)
}

// PutsTo returns the Puts made to tube, in order.
func (m *Memory) PutsTo(tube string) []Put {
	var out []Put
	for _, p := range m.Puts() {
		if p.Tube == tube {
			out = append(out, p)
		}
	}
	return out
}

// Pending returns the number of jobs waiting on tube, delayed ones included.
func (m *Memory) Pending(tube string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expire(m.now())
	n := 0
	for _, j := range m.ready {
		if j.Tube == tube {
			n++
		}
	}
	return n
}

// Touches returns how many times job id was touched.
func (m *Memory) Touches(id uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touches[id]
}

// Reserved returns the number of jobs reserved but not yet acknowledged.
func (m *Memory) Reserved() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expire(m.now())
	return len(m.reserved)
}
