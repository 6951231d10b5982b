package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"fleetgeo/internal/cache"
	"fleetgeo/internal/config"
	"fleetgeo/internal/geocode"
	"fleetgeo/internal/osrm"
	"fleetgeo/internal/queue"
	"fleetgeo/internal/resolve"
)

type Server struct {
	Cfg      config.Config
	Log      *slog.Logger
	Cache    cache.Store
	Routing  *osrm.Client
	Geocoder *geocode.Client
	Queues   *queue.Manager
	Resolver *resolve.Resolver

	closers []func() error
}

// NewServer wires every component from cfg. The cache falls back to memory unless CACHE_BACKEND
// picks redis or postgres; the queue is only enabled when its backend is reachable.
func NewServer(ctx context.Context, cfg config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{Cfg: cfg, Log: log}

	var rdb *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("api: parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		s.closers = append(s.closers, rdb.Close)
	}

	switch cfg.Cache.Backend {
	case "redis":
		if rdb == nil {
			s.Close()
			return nil, errors.New("api: CACHE_BACKEND=redis requires REDIS_URL")
		}
		s.Cache = cache.NewRedis(rdb, cfg.Cache.Prefix, cfg.Cache.TTL())
	case "postgres":
		pg, err := cache.NewPostgres(ctx, cfg.Cache.DatabaseURL, cfg.Cache.TTL())
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, pg.Close)
		s.Cache = pg
	default:
		s.Cache = cache.NewMemory(cfg.Cache.TTL())
	}

	var backend queue.Backend
	if cfg.QueueEnabled() {
		switch cfg.Queue.Backend {
		case "memory":
			backend = queue.NewMemoryBackend()
		default:
			backend = queue.NewRedisBackend(rdb, cfg.Queue.Prefix, log).WithLeaseTimeout(cfg.Queue.LeaseTimeout())
		}
	}
	s.Queues = queue.NewManager(backend, queue.Options{
		Attempts:         cfg.Queue.Attempts,
		BackoffMs:        cfg.Queue.BackoffMs,
		RemoveOnComplete: true,
		RemoveOnFail:     false,
	}, log)
	s.closers = append(s.closers, s.Queues.Close)

	s.Routing = osrm.New(osrm.Config{
		BaseURL:          cfg.Routing.URL,
		Profile:          cfg.Routing.Profile,
		Timeout:          cfg.Routing.Timeout(),
		TableMaxPoints:   cfg.Routing.TableMaxPoints,
		TableMinInterval: cfg.Routing.TableMinInterval(),
		Precision:        cfg.Routing.Precision,
		MaxSegmentM:      cfg.Routing.MaxSegmentMeters(),
		CacheTTL:         cfg.Cache.TTL(),
	}, s.Cache, osrm.WithLogger(log))
	s.Geocoder = geocode.New(geocode.Config{
		Enabled:   cfg.GeocoderEnabled(),
		URL:       cfg.Geocoder.URL,
		Email:     cfg.Geocoder.Email,
		UserAgent: cfg.Geocoder.UserAgent,
		Timeout:   cfg.Geocoder.Timeout(),
	}, geocode.WithLogger(log))

	var dispatcher resolve.Dispatcher
	if s.Queues.Enabled() {
		dispatcher = s.Queues
	}
	s.Resolver = resolve.New(resolve.Config{
		RoutingQueue: cfg.Queue.RoutingName,
		GeocodeQueue: cfg.Queue.GeocodeName,
		JobTimeout:   cfg.Queue.JobTimeout(),
	}, dispatcher, s.Routing, s.Geocoder, s.Cache, log)

	log.Info("geo server configured",
		"cache", cfg.Cache.Backend,
		"queue", s.Queues.Enabled(),
		"queueBackend", cfg.Queue.Backend,
		"routing", s.Routing.Enabled(),
		"geocoder", cfg.GeocoderEnabled())
	return s, nil
}

// QueueNames lists the queues this service dispatches to.
func (s *Server) QueueNames() []string {
	return []string{s.Cfg.Queue.RoutingName, s.Cfg.Queue.GeocodeName}
}

// StartWorkers consumes both queues in this process until ctx ends. It returns nil when the queue is disabled.
func (s *Server) StartWorkers(ctx context.Context) []*queue.Worker {
	if !s.Queues.Enabled() {
		return nil
	}
	jobs := &resolve.Jobs{Routing: s.Routing, Geocoder: s.Geocoder, Log: s.Log}
	var ws []*queue.Worker
	for _, name := range s.QueueNames() {
		w := queue.NewWorker(s.Queues.Backend(), name, jobs.Handle, s.Cfg.Queue.Concurrency, s.Log)
		w.JobTimeout = s.Cfg.Queue.JobTimeout() + s.Cfg.Routing.Timeout()
		w.Start(ctx)
		ws = append(ws, w)
	}
	return ws
}

// Close releases connections in reverse order of creation.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
