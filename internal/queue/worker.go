package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Handler runs one job and returns its JSON-encodable result.
type Handler func(ctx context.Context, env Envelope) (any, error)

// Worker consumes one queue with a fixed number of goroutines.
type Worker struct {
	Backend     Backend
	Queue       string
	Handler     Handler
	Concurrency int
	// JobTimeout bounds a single handler run.
	JobTimeout time.Duration
	Log        *slog.Logger

	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewWorker(b Backend, queue string, h Handler, concurrency int, log *slog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{Backend: b, Queue: queue, Handler: h, Concurrency: concurrency, JobTimeout: time.Minute, Log: log}
}

// Start launches the consumer goroutines; Stop cancels them and waits.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.stop = cancel
	for i := 0; i < w.Concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx)
		}()
	}
	w.Log.Info("queue worker started", "queue", w.Queue, "concurrency", w.Concurrency)
}

func (w *Worker) Stop() {
	if w.stop != nil {
		w.stop()
	}
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if err := w.processOne(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.Log.Warn("queue worker error", "queue", w.Queue, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (w *Worker) processOne(ctx context.Context) error {
	env, err := w.Backend.Reserve(ctx, w.Queue)
	if err != nil {
		return err
	}
	// Bookkeeping runs on its own context so a shutdown mid-job still settles the job.
	settle, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jctx, jcancel := context.WithTimeout(ctx, w.JobTimeout)
	result, herr := w.run(jctx, env)
	jcancel()

	if herr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			herr = Permanent(err)
		} else {
			return w.Backend.Complete(settle, w.Queue, env, data)
		}
	}

	env.Attempt++
	env.LastError = herr.Error()
	attempts := env.Options.Attempts
	if attempts < 1 {
		attempts = 1
	}
	if isPermanent(herr) || env.Attempt >= attempts {
		w.Log.Warn("job failed", "queue", w.Queue, "job", env.ID, "kind", env.Kind, "attempt", env.Attempt, "err", herr)
		return w.Backend.Fail(settle, w.Queue, env)
	}
	delay := nextBackoff(time.Duration(env.Options.BackoffMs)*time.Millisecond, env.Attempt)
	w.Log.Info("job retry scheduled", "queue", w.Queue, "job", env.ID, "attempt", env.Attempt, "delay", delay, "err", herr)
	return w.Backend.Retry(settle, w.Queue, env, delay)
}

func (w *Worker) run(ctx context.Context, env Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(errors.New("handler panic"))
			w.Log.Error("job handler panicked", "queue", w.Queue, "job", env.ID, "panic", r)
		}
	}()
	return w.Handler(ctx, env)
}

// nextBackoff doubles base for each attempt already made, capped at one hour.
func nextBackoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 20 {
		attempts = 20
	}
	d := base * time.Duration(1<<(attempts-1))
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
