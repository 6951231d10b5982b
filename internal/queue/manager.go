package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetgeo/internal/metrics"
)

// Bundle pairs the producer and the completion listener of one named queue.
type Bundle struct {
	Name     string
	Producer Producer
	Listener Listener
}

// Manager owns one Bundle per queue name for its lifetime. A Manager without a backend is valid
// and reports every queue as unavailable.
type Manager struct {
	backend Backend
	opts    Options
	log     *slog.Logger

	mu      sync.Mutex
	bundles map[string]*Bundle
}

func NewManager(backend Backend, opts Options, log *slog.Logger) *Manager {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{backend: backend, opts: opts, log: log, bundles: map[string]*Bundle{}}
}

// Enabled reports whether a backend is configured.
func (m *Manager) Enabled() bool { return m != nil && m.backend != nil }

// Backend exposes the underlying backend for workers.
func (m *Manager) Backend() Backend {
	if m == nil {
		return nil
	}
	return m.backend
}

// GetOrCreate returns the bundle for name, creating it on first use. Creation failures are not cached.
func (m *Manager) GetOrCreate(name string) (*Bundle, error) {
	if !m.Enabled() {
		return nil, ErrUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bundles[name]; ok {
		return b, nil
	}
	p, err := m.backend.Producer(name)
	if err != nil {
		return nil, fmt.Errorf("%w: producer %s: %v", ErrUnavailable, name, err)
	}
	l, err := m.backend.Listener(name)
	if err != nil {
		return nil, fmt.Errorf("%w: listener %s: %v", ErrUnavailable, name, err)
	}
	b := &Bundle{Name: name, Producer: p, Listener: l}
	m.bundles[name] = b
	m.log.Debug("queue bundle created", "queue", name)
	return b, nil
}

// DispatchAndWait enqueues a job and blocks until it completes, fails, or timeout passes.
// On timeout the job is left alone; only the wait stops.
func (m *Manager) DispatchAndWait(ctx context.Context, name, kind string, payload any, trace map[string]string, timeout time.Duration) (json.RawMessage, error) {
	b, err := m.GetOrCreate(name)
	if err != nil {
		metrics.QueueDispatch.WithLabelValues(name, "unavailable").Inc()
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal payload: %w", err)
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Queue:     name,
		Kind:      kind,
		Payload:   data,
		Trace:     trace,
		Options:   m.opts,
		CreatedAt: time.Now().UnixMilli(),
	}

	// Watch before enqueueing so a fast worker cannot finish unobserved.
	events, stop := b.Listener.Watch(env.ID)
	defer stop()

	if err := b.Producer.Enqueue(ctx, env); err != nil {
		metrics.QueueDispatch.WithLabelValues(name, "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case evt := <-events:
		if evt.Status == StatusCompleted {
			metrics.QueueDispatch.WithLabelValues(name, "completed").Inc()
			return evt.Result, nil
		}
		metrics.QueueDispatch.WithLabelValues(name, "failed").Inc()
		return nil, &JobFailedError{Queue: name, JobID: env.ID, Reason: evt.Error}
	case <-wctx.Done():
		metrics.QueueDispatch.WithLabelValues(name, "timeout").Inc()
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return nil, ErrTimeout
	}
}

// Counts returns queue health from the backend.
func (m *Manager) Counts(ctx context.Context, name string) (Counts, error) {
	if !m.Enabled() {
		return Counts{}, ErrUnavailable
	}
	return m.backend.Counts(ctx, name)
}

// PollGauges exports Counts for each queue every interval until ctx ends.
func (m *Manager) PollGauges(ctx context.Context, interval time.Duration, names ...string) {
	if !m.Enabled() || interval <= 0 {
		return
	}
	poll := func() {
		for _, n := range names {
			qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			c, err := m.backend.Counts(qctx, n)
			cancel()
			if err != nil {
				m.log.Warn("queue counts failed", "queue", n, "err", err)
				continue
			}
			metrics.QueueJobs.WithLabelValues(n, "waiting").Set(float64(c.Waiting))
			metrics.QueueJobs.WithLabelValues(n, "active").Set(float64(c.Active))
			metrics.QueueJobs.WithLabelValues(n, "delayed").Set(float64(c.Delayed))
			metrics.QueueJobs.WithLabelValues(n, "failed").Set(float64(c.Failed))
			metrics.QueueJobs.WithLabelValues(n, "completed").Set(float64(c.Completed))
		}
	}
	poll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

// Close releases every listener.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, b := range m.bundles {
		if err := b.Listener.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.bundles = map[string]*Bundle{}
	return errors.Join(errs...)
}
