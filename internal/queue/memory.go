package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryBackend keeps queues inside the process. Jobs are lost on restart; workers must run in-process.
type MemoryBackend struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	now    func() time.Time
}

type delayedJob struct {
	env Envelope
	due time.Time
}

type memQueue struct {
	hub       *hub
	wait      []Envelope
	delayed   []delayedJob
	active    int64
	completed int64
	done      []Envelope // kept only when RemoveOnComplete is false
	failed    []Envelope
	signal    chan struct{} // closed and replaced whenever work arrives
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{queues: map[string]*memQueue{}, now: time.Now}
}

func (b *MemoryBackend) queue(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[name]
	if q == nil {
		q = &memQueue{hub: newHub(), signal: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

// wake must be called with b.mu held.
func (q *memQueue) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}

type memProducer struct {
	b    *MemoryBackend
	name string
}

func (p memProducer) Enqueue(_ context.Context, env Envelope) error {
	q := p.b.queue(p.name)
	p.b.mu.Lock()
	q.wait = append(q.wait, env)
	q.wake()
	p.b.mu.Unlock()
	return nil
}

type memListener struct{ *hub }

func (memListener) Close() error { return nil }

func (b *MemoryBackend) Producer(name string) (Producer, error) {
	b.queue(name)
	return memProducer{b: b, name: name}, nil
}

func (b *MemoryBackend) Listener(name string) (Listener, error) {
	return memListener{b.queue(name).hub}, nil
}

func (b *MemoryBackend) Reserve(ctx context.Context, name string) (Envelope, error) {
	q := b.queue(name)
	for {
		b.mu.Lock()
		now := b.now()
		var next time.Time
		kept := q.delayed[:0]
		for _, d := range q.delayed {
			if !d.due.After(now) {
				q.wait = append(q.wait, d.env)
				continue
			}
			if next.IsZero() || d.due.Before(next) {
				next = d.due
			}
			kept = append(kept, d)
		}
		q.delayed = kept
		if len(q.wait) > 0 {
			env := q.wait[0]
			q.wait = q.wait[1:]
			q.active++
			b.mu.Unlock()
			return env, nil
		}
		signal := q.signal
		b.mu.Unlock()

		wait := time.Second
		if !next.IsZero() {
			if d := next.Sub(now); d < wait {
				wait = d
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Envelope{}, ctx.Err()
		case <-signal:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (b *MemoryBackend) Complete(_ context.Context, name string, env Envelope, result json.RawMessage) error {
	q := b.queue(name)
	b.mu.Lock()
	q.active--
	q.completed++
	if !env.Options.RemoveOnComplete {
		q.done = append(q.done, env)
	}
	b.mu.Unlock()
	q.hub.publish(Event{JobID: env.ID, Status: StatusCompleted, Result: result})
	return nil
}

func (b *MemoryBackend) Retry(_ context.Context, name string, env Envelope, delay time.Duration) error {
	q := b.queue(name)
	b.mu.Lock()
	q.active--
	q.delayed = append(q.delayed, delayedJob{env: env, due: b.now().Add(delay)})
	q.wake()
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Fail(_ context.Context, name string, env Envelope) error {
	q := b.queue(name)
	b.mu.Lock()
	q.active--
	if !env.Options.RemoveOnFail {
		q.failed = append(q.failed, env)
	}
	b.mu.Unlock()
	q.hub.publish(Event{JobID: env.ID, Status: StatusFailed, Error: env.LastError})
	return nil
}

func (b *MemoryBackend) Counts(_ context.Context, name string) (Counts, error) {
	q := b.queue(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{
		Waiting:   int64(len(q.wait)),
		Active:    q.active,
		Delayed:   int64(len(q.delayed)),
		Failed:    int64(len(q.failed)),
		Completed: q.completed,
	}, nil
}

// FailedJobs returns the retained failed jobs of a queue, oldest first.
func (b *MemoryBackend) FailedJobs(name string) []Envelope {
	q := b.queue(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Envelope(nil), q.failed...)
}
