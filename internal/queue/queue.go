// Package queue runs named job queues over an optional backend and lets callers enqueue a job and wait
// for its result within a deadline. Falling back when that fails is the caller's business.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable means no backend is configured or it could not be reached.
	ErrUnavailable = errors.New("queue: unavailable")
	// ErrTimeout means the wait deadline passed. The job itself may still complete later.
	ErrTimeout = errors.New("queue: timed out waiting for job")
)

// Options is the retry policy attached to every job.
type Options struct {
	Attempts         int  `json:"attempts"`
	BackoffMs        int  `json:"backoffMs"`
	RemoveOnComplete bool `json:"removeOnComplete"`
	RemoveOnFail     bool `json:"removeOnFail"`
}

// DefaultOptions: three attempts, exponential backoff from one second, completed jobs discarded, failed kept.
func DefaultOptions() Options {
	return Options{Attempts: 3, BackoffMs: 1000, RemoveOnComplete: true, RemoveOnFail: false}
}

// Envelope is one job as stored by the backend.
type Envelope struct {
	ID        string            `json:"id"`
	Queue     string            `json:"queue"`
	Kind      string            `json:"kind"`
	Payload   json.RawMessage   `json:"payload"`
	Trace     map[string]string `json:"trace,omitempty"`
	Attempt   int               `json:"attempt"` // attempts already made
	Options   Options           `json:"options"`
	CreatedAt int64             `json:"createdAt"`
	LastError string            `json:"lastError,omitempty"`

	raw string // exact stored form, used by backends that remove by value
}

// Event statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event is published once per job, when it completes or exhausts its attempts.
type Event struct {
	JobID  string          `json:"jobId"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Counts is the per-queue health snapshot.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

type Producer interface {
	Enqueue(ctx context.Context, env Envelope) error
}

// Listener delivers completion events for individual jobs. stop must be called once the caller stops waiting.
type Listener interface {
	Watch(jobID string) (events <-chan Event, stop func())
	Close() error
}

// Backend stores jobs for any number of named queues. Implementations must be safe for concurrent use.
type Backend interface {
	Producer(name string) (Producer, error)
	Listener(name string) (Listener, error)
	// Reserve blocks until a job is ready on the queue or ctx ends.
	Reserve(ctx context.Context, name string) (Envelope, error)
	Complete(ctx context.Context, name string, env Envelope, result json.RawMessage) error
	// Retry puts the job back after delay; env.Attempt is already incremented.
	Retry(ctx context.Context, name string, env Envelope, delay time.Duration) error
	Fail(ctx context.Context, name string, env Envelope) error
	Counts(ctx context.Context, name string) (Counts, error)
}

// JobFailedError is returned by DispatchAndWait when the job exhausted its attempts.
type JobFailedError struct {
	Queue  string
	JobID  string
	Reason string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("queue: job %s on %s failed: %s", e.JobID, e.Queue, e.Reason)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
