// Package resolve answers geocoding and route-distance questions through the job queue when one is
// available, and by calling the upstream clients directly when it is not. Queue failures never reach
// the caller.
package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"fleetgeo/internal/cache"
	"fleetgeo/internal/geo"
	"fleetgeo/internal/metrics"
	"fleetgeo/internal/osrm"
	"fleetgeo/internal/queue"
)

// Job kinds carried on the queues.
const (
	KindGeocode       = "geocode"
	KindRouteDistance = "route-distance"
)

// Router is the part of the routing client the resolver needs.
type Router interface {
	RouteDistance(ctx context.Context, start, finish geo.Coordinate) (osrm.RouteDistance, error)
}

// Geocoder is the part of the geocoding client the resolver needs.
type Geocoder interface {
	GeocodeAddress(ctx context.Context, address string) (geo.Coordinate, bool)
}

// Dispatcher runs a job on a named queue and waits for its result.
type Dispatcher interface {
	DispatchAndWait(ctx context.Context, name, kind string, payload any, trace map[string]string, timeout time.Duration) (json.RawMessage, error)
}

// Distance is a route length in kilometers rounded to one decimal. Nil means no route.
type Distance struct {
	DistanceKm *float64 `json:"distanceKm"`
}

// Config names the queues and bounds the wait on each job.
type Config struct {
	RoutingQueue string
	GeocodeQueue string
	JobTimeout   time.Duration
}

type Resolver struct {
	cfg      Config
	queues   Dispatcher
	routing  Router
	geocoder Geocoder
	cache    cache.Store
	log      *slog.Logger
}

// New builds a resolver. queues may be nil, in which case every call goes direct.
// store is the routing cache cleared by InvalidateRoutes; nil disables invalidation.
func New(cfg Config, queues Dispatcher, routing Router, geocoder Geocoder, store cache.Store, log *slog.Logger) *Resolver {
	if cfg.RoutingQueue == "" {
		cfg.RoutingQueue = "routing"
	}
	if cfg.GeocodeQueue == "" {
		cfg.GeocodeQueue = "geocoding"
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{cfg: cfg, queues: queues, routing: routing, geocoder: geocoder, cache: store, log: log}
}

type geocodePayload struct {
	Address string `json:"address"`
}

// geocodeResult is the job result; a nil Coordinate means the address did not resolve.
type geocodeResult struct {
	Coordinate *geo.Coordinate `json:"coordinate"`
}

type routePayload struct {
	Start  geo.Coordinate    `json:"start"`
	Finish geo.Coordinate    `json:"finish"`
	Trace  map[string]string `json:"trace,omitempty"`
}

// ResolveGeocode returns the coordinate of address, or false when it cannot be resolved.
func (r *Resolver) ResolveGeocode(ctx context.Context, address string) (geo.Coordinate, bool) {
	if r.queues != nil {
		raw, err := r.queues.DispatchAndWait(ctx, r.cfg.GeocodeQueue, KindGeocode, geocodePayload{Address: address}, nil, r.cfg.JobTimeout)
		if err == nil {
			var res geocodeResult
			if err = json.Unmarshal(raw, &res); err == nil {
				if res.Coordinate == nil {
					return geo.Coordinate{}, false
				}
				return *res.Coordinate, true
			}
		}
		r.fallback(KindGeocode, err)
	}
	return r.geocoder.GeocodeAddress(ctx, address)
}

// ResolveRouteDistance returns the routed distance between start and finish. trace is forwarded
// with the job so workers can continue the caller's trace.
// Validation, protocol, and upstream-unavailable errors from the direct call are returned as is.
func (r *Resolver) ResolveRouteDistance(ctx context.Context, start, finish geo.Coordinate, trace map[string]string) (Distance, error) {
	if r.queues != nil {
		p := routePayload{Start: start, Finish: finish, Trace: trace}
		raw, err := r.queues.DispatchAndWait(ctx, r.cfg.RoutingQueue, KindRouteDistance, p, trace, r.cfg.JobTimeout)
		if err == nil {
			var d Distance
			if err = json.Unmarshal(raw, &d); err == nil {
				return d, nil
			}
		}
		r.fallback(KindRouteDistance, err)
	}
	return r.routeDirect(ctx, start, finish)
}

func (r *Resolver) routeDirect(ctx context.Context, start, finish geo.Coordinate) (Distance, error) {
	rd, err := r.routing.RouteDistance(ctx, start, finish)
	if err != nil {
		return Distance{}, err
	}
	return toKm(rd), nil
}

// InvalidateRoutes drops every cached routing answer. Called when stored tasks change.
func (r *Resolver) InvalidateRoutes(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	if err := r.cache.Clear(ctx); err != nil {
		return err
	}
	r.log.Info("routing cache cleared")
	return nil
}

func (r *Resolver) fallback(kind string, err error) {
	reason := fallbackReason(err)
	metrics.ResolveFallbacks.WithLabelValues(kind, reason).Inc()
	r.log.Info("queue path failed, calling upstream directly", "kind", kind, "reason", reason, "err", err)
}

func fallbackReason(err error) string {
	var jf *queue.JobFailedError
	switch {
	case errors.Is(err, queue.ErrTimeout):
		return "timeout"
	case errors.Is(err, queue.ErrUnavailable):
		return "unavailable"
	case errors.As(err, &jf):
		return "failed"
	default:
		var se *json.SyntaxError
		var te *json.UnmarshalTypeError
		if errors.As(err, &se) || errors.As(err, &te) {
			return "decode"
		}
		return "error"
	}
}

func toKm(rd osrm.RouteDistance) Distance {
	if rd.DistanceMeters == nil {
		return Distance{}
	}
	km := math.Round(*rd.DistanceMeters/100) / 10
	return Distance{DistanceKm: &km}
}
