package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// failedKeep bounds the retained failed-job list per queue.
const failedKeep = 10000

// DefaultLeaseTimeout is how long a reserved job may stay active before it is handed to another worker.
const DefaultLeaseTimeout = 5 * time.Minute

// RedisBackend stores queues in Redis:
//
//	{prefix}:{name}:wait        list of envelopes, pushed left, reserved right
//	{prefix}:{name}:active      list of reserved envelopes
//	{prefix}:{name}:leases      zset of reserved envelopes scored by reserve time (unix ms)
//	{prefix}:{name}:delayed     zset of envelopes scored by due time (unix ms)
//	{prefix}:{name}:failed      list of failed envelopes, newest first
//	{prefix}:{name}:completed   list of completed envelopes (RemoveOnComplete=false only)
//	{prefix}:{name}:done        completed counter
//	{prefix}:{name}:events      pub/sub channel of Event
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
	log    *slog.Logger
	// reserveBlock bounds each blocking pop so delayed jobs get promoted.
	reserveBlock time.Duration
	// leaseTimeout is the age after which an active job whose worker went away goes back to wait.
	leaseTimeout time.Duration
}

func NewRedisBackend(rdb redis.UniversalClient, prefix string, log *slog.Logger) *RedisBackend {
	if prefix == "" {
		prefix = "geoq"
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisBackend{rdb: rdb, prefix: prefix, log: log, reserveBlock: time.Second, leaseTimeout: DefaultLeaseTimeout}
}

// WithLeaseTimeout overrides DefaultLeaseTimeout; d <= 0 keeps the current value.
func (b *RedisBackend) WithLeaseTimeout(d time.Duration) *RedisBackend {
	if d > 0 {
		b.leaseTimeout = d
	}
	return b
}

func (b *RedisBackend) key(name, part string) string { return b.prefix + ":" + name + ":" + part }

type redisProducer struct {
	b    *RedisBackend
	name string
}

func (p redisProducer) Enqueue(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	if err := p.b.rdb.LPush(ctx, p.b.key(p.name, "wait"), data).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", p.name, err)
	}
	return nil
}

func (b *RedisBackend) Producer(name string) (Producer, error) {
	return redisProducer{b: b, name: name}, nil
}

// redisListener holds one subscription per queue and fans events out locally.
type redisListener struct {
	*hub
	ps *redis.PubSub
}

func (l *redisListener) Close() error { return l.ps.Close() }

// Listener subscribes to the queue's event channel and waits for the subscription to be confirmed,
// so events published after it returns are not missed.
func (b *RedisBackend) Listener(name string) (Listener, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ps := b.rdb.Subscribe(ctx, b.key(name, "events"))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("queue: subscribe %s: %w", name, err)
	}
	l := &redisListener{hub: newHub(), ps: ps}
	go func() {
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.log.Warn("queue: bad event payload", "queue", name, "err", err)
				continue
			}
			l.publish(evt)
		}
	}()
	return l, nil
}

func (b *RedisBackend) Reserve(ctx context.Context, name string) (Envelope, error) {
	for {
		if err := b.promote(ctx, name); err != nil && ctx.Err() == nil {
			b.log.Warn("queue: promote delayed failed", "queue", name, "err", err)
		}
		if err := b.reap(ctx, name); err != nil && ctx.Err() == nil {
			b.log.Warn("queue: reap stale active failed", "queue", name, "err", err)
		}
		raw, err := b.rdb.BLMove(ctx, b.key(name, "wait"), b.key(name, "active"), "RIGHT", "LEFT", b.reserveBlock).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return Envelope{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Envelope{}, ctx.Err()
			}
			return Envelope{}, fmt.Errorf("queue: reserve %s: %w", name, err)
		}
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// Drop the poison entry from active so it does not count forever.
			_ = b.rdb.LRem(ctx, b.key(name, "active"), 1, raw).Err()
			b.log.Warn("queue: dropping undecodable job", "queue", name, "err", err)
			continue
		}
		lease := redis.Z{Score: float64(time.Now().UnixMilli()), Member: raw}
		if err := b.rdb.ZAdd(ctx, b.key(name, "leases"), lease).Err(); err != nil {
			b.log.Warn("queue: record lease failed", "queue", name, "job", env.ID, "err", err)
		}
		env.raw = raw
		return env, nil
	}
}

// reap returns active jobs whose lease is older than leaseTimeout to the head of wait.
// ZREM decides which worker recovers each job. A job still running past its lease may run twice.
func (b *RedisBackend) reap(ctx context.Context, name string) error {
	cutoff := strconv.FormatInt(time.Now().Add(-b.leaseTimeout).UnixMilli(), 10)
	stale, err := b.rdb.ZRangeByScore(ctx, b.key(name, "leases"), &redis.ZRangeBy{Min: "-inf", Max: cutoff, Count: 50}).Result()
	if err != nil {
		return err
	}
	for _, member := range stale {
		n, err := b.rdb.ZRem(ctx, b.key(name, "leases"), member).Result()
		if err != nil {
			return err
		}
		if n != 1 {
			continue
		}
		removed, err := b.rdb.LRem(ctx, b.key(name, "active"), 1, member).Result()
		if err != nil {
			return err
		}
		if removed == 1 {
			if err := b.rdb.RPush(ctx, b.key(name, "wait"), member).Err(); err != nil {
				return err
			}
			b.log.Warn("queue: requeued job with expired lease", "queue", name, "leaseTimeout", b.leaseTimeout)
		}
	}
	return nil
}

// promote moves due delayed jobs back to wait. ZREM decides which worker wins each job.
func (b *RedisBackend) promote(ctx context.Context, name string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.rdb.ZRangeByScore(ctx, b.key(name, "delayed"), &redis.ZRangeBy{Min: "-inf", Max: now, Count: 50}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		n, err := b.rdb.ZRem(ctx, b.key(name, "delayed"), member).Result()
		if err != nil {
			return err
		}
		if n == 1 {
			if err := b.rdb.LPush(ctx, b.key(name, "wait"), member).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *RedisBackend) Complete(ctx context.Context, name string, env Envelope, result json.RawMessage) error {
	evt, _ := json.Marshal(Event{JobID: env.ID, Status: StatusCompleted, Result: result})
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, b.key(name, "active"), 1, env.raw)
		p.ZRem(ctx, b.key(name, "leases"), env.raw)
		p.Incr(ctx, b.key(name, "done"))
		if !env.Options.RemoveOnComplete {
			p.LPush(ctx, b.key(name, "completed"), env.raw)
		}
		p.Publish(ctx, b.key(name, "events"), evt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", env.ID, err)
	}
	return nil
}

func (b *RedisBackend) Retry(ctx context.Context, name string, env Envelope, delay time.Duration) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, b.key(name, "active"), 1, env.raw)
		p.ZRem(ctx, b.key(name, "leases"), env.raw)
		p.ZAdd(ctx, b.key(name, "delayed"), redis.Z{Score: due, Member: string(data)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: retry %s: %w", env.ID, err)
	}
	return nil
}

func (b *RedisBackend) Fail(ctx context.Context, name string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	evt, _ := json.Marshal(Event{JobID: env.ID, Status: StatusFailed, Error: env.LastError})
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, b.key(name, "active"), 1, env.raw)
		p.ZRem(ctx, b.key(name, "leases"), env.raw)
		if !env.Options.RemoveOnFail {
			p.LPush(ctx, b.key(name, "failed"), data)
			p.LTrim(ctx, b.key(name, "failed"), 0, failedKeep-1)
		}
		p.Publish(ctx, b.key(name, "events"), evt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: fail %s: %w", env.ID, err)
	}
	return nil
}

func (b *RedisBackend) Counts(ctx context.Context, name string) (Counts, error) {
	var waiting, active, delayed, failed *redis.IntCmd
	var done *redis.StringCmd
	_, err := b.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.LLen(ctx, b.key(name, "wait"))
		active = p.LLen(ctx, b.key(name, "active"))
		delayed = p.ZCard(ctx, b.key(name, "delayed"))
		failed = p.LLen(ctx, b.key(name, "failed"))
		done = p.Get(ctx, b.key(name, "done"))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("queue: counts %s: %w", name, err)
	}
	completed, _ := done.Int64()
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Failed:    failed.Val(),
		Completed: completed,
	}, nil
}
