// Package queue defines the job transport shared by every pipeline worker.
//
// A transport moves opaque job bodies between named tubes. Delivery is
// at-least-once: a reserved job that is never acknowledged becomes visible
// again once the backend's reservation expires.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Job is a reserved job.
type Job struct {
	ID   uint64
	Tube string
	Body []byte
}

// Transport defines the operations the worker loop needs from a queue backend.
type Transport interface {
	// Put enqueues body on tube. The job becomes visible after delay.
	Put(ctx context.Context, tube string, body []byte, delay time.Duration) (uint64, error)

	// Watch adds tube to the set Reserve draws from.
	Watch(ctx context.Context, tube string) error

	// Reserve blocks until a job is available on a watched tube or ctx is done.
	Reserve(ctx context.Context) (*Job, error)

	// Touch restarts the reservation of job, giving its holder another full
	// lease before the job becomes visible again.
	Touch(ctx context.Context, job *Job) error

	// Ack removes a reserved job permanently.
	Ack(ctx context.Context, job *Job) error

	Close() error
}
