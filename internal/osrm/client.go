// Package osrm is the HTTP client for the routing engine (route, table, nearest, match, trip).
// Every call is normalized and prechecked locally, then answered from the cache when possible.
package osrm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"fleetgeo/internal/cache"
	"fleetgeo/internal/geo"
	"fleetgeo/internal/metrics"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultTableMaxPoints   = 100
	DefaultTableMinInterval = 200 * time.Millisecond
	DefaultProfile          = "driving"

	maxBodyBytes = 8 << 20
)

// Endpoints of the routing engine.
const (
	EndpointRoute   = "route"
	EndpointTable   = "table"
	EndpointNearest = "nearest"
	EndpointMatch   = "match"
	EndpointTrip    = "trip"
)

// Params are endpoint query parameters. Key order never matters.
type Params map[string]string

type Config struct {
	// BaseURL of the routing engine; empty disables upstream calls.
	BaseURL          string
	Profile          string
	Timeout          time.Duration
	TableMaxPoints   int
	// TableMinInterval spaces table calls; zero means DefaultTableMinInterval, negative turns spacing off.
	TableMinInterval time.Duration
	// Precision is the decimals kept per coordinate; zero or less means geo.DefaultPrecision.
	Precision        int
	MaxSegmentM      float64
	CacheTTL         time.Duration
}

// Client talks to the routing engine. It is safe for concurrent use; the table cooldown is shared by all callers.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  cache.Store
	log    *slog.Logger
	table  *rate.Limiter
	// flight collapses concurrent misses for one cache key into a single upstream call.
	flight singleflight.Group
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New builds a Client. A nil store gets a private in-memory cache.
func New(cfg Config, store cache.Store, opts ...Option) *Client {
	if cfg.Profile == "" {
		cfg.Profile = DefaultProfile
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TableMaxPoints <= 0 {
		cfg.TableMaxPoints = DefaultTableMaxPoints
	}
	if cfg.TableMinInterval == 0 {
		cfg.TableMinInterval = DefaultTableMinInterval
	}
	if cfg.Precision <= 0 {
		cfg.Precision = geo.DefaultPrecision
	}
	if cfg.MaxSegmentM <= 0 {
		cfg.MaxSegmentM = geo.DefaultMaxSegmentM
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if store == nil {
		store = cache.NewMemory(cfg.CacheTTL)
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.TableMinInterval > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.TableMinInterval), 1)
	}
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Transport: http.DefaultTransport},
		cache: store,
		log:   slog.Default(),
		table: lim,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enabled reports whether an upstream routing engine is configured.
func (c *Client) Enabled() bool { return c.cfg.BaseURL != "" }

// Precision is the rounding applied to every coordinate.
func (c *Client) Precision() int { return c.cfg.Precision }

// RouteDistance is the single-leg result. A nil DistanceMeters means "no route", which is cached like any answer.
type RouteDistance struct {
	DistanceMeters *float64        `json:"distanceMeters"`
	Waypoints      json.RawMessage `json:"waypoints,omitempty"`
}

// Found reports whether a route exists.
func (r RouteDistance) Found() bool { return r.DistanceMeters != nil }

type routeResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64         `json:"distance"`
		Geometry json.RawMessage `json:"geometry"`
	} `json:"routes"`
	Waypoints json.RawMessage `json:"waypoints"`
}

// RouteDistance returns the driving distance between start and finish.
// HTTP 400/404 from upstream is a cached "no route"; with no upstream configured it returns the great-circle estimate.
func (c *Client) RouteDistance(ctx context.Context, start, finish geo.Coordinate) (RouteDistance, error) {
	points := geo.NormalizePoints([]geo.Coordinate{start, finish}, c.cfg.Precision)
	if !c.Enabled() {
		if err := geo.Precheck(points, c.cfg.MaxSegmentM); err != nil {
			return RouteDistance{}, err
		}
		d := geo.Round(points.Length(), 1)
		return RouteDistance{DistanceMeters: &d}, nil
	}
	raw, err := c.exchange(ctx, request{
		endpoint:  EndpointRoute,
		points:    points,
		minPoints: 2,
		params:    Params{"overview": "false", "annotations": "distance"},
		decode:    decodeRouteDistance,
	})
	if err != nil {
		return RouteDistance{}, err
	}
	var out RouteDistance
	if err := json.Unmarshal(raw, &out); err != nil {
		return RouteDistance{}, &ProtocolError{Endpoint: EndpointRoute, Err: err}
	}
	return out, nil
}

func decodeRouteDistance(body []byte, rejected bool) ([]byte, error) {
	if rejected {
		return json.Marshal(RouteDistance{})
	}
	var resp routeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	out := RouteDistance{Waypoints: resp.Waypoints}
	if resp.Code == "Ok" && len(resp.Routes) > 0 {
		d := resp.Routes[0].Distance
		out.DistanceMeters = &d
	}
	return json.Marshal(out)
}

// Table requests a distance/duration matrix. Oversized inputs fail before any call, and consecutive
// upstream table calls are spaced by the configured minimum interval.
func (c *Client) Table(ctx context.Context, points geo.PointList, params Params) (json.RawMessage, error) {
	points = geo.NormalizePoints(points, c.cfg.Precision)
	if len(points) > c.cfg.TableMaxPoints {
		return nil, &geo.ValidationError{Reason: geo.ReasonTooManyPoints, Index: -1, Meters: float64(len(points)), Limit: float64(c.cfg.TableMaxPoints)}
	}
	return c.exchange(ctx, request{endpoint: EndpointTable, points: points, minPoints: 2, params: params, throttle: true, decode: passBody})
}

// Nearest snaps a single point to the network.
func (c *Client) Nearest(ctx context.Context, point geo.Coordinate, params Params) (json.RawMessage, error) {
	points := geo.NormalizePoints([]geo.Coordinate{point}, c.cfg.Precision)
	return c.exchange(ctx, request{endpoint: EndpointNearest, points: points, minPoints: 1, params: params, decode: passBody})
}

// Match map-matches a trace.
func (c *Client) Match(ctx context.Context, points geo.PointList, params Params) (json.RawMessage, error) {
	points = geo.NormalizePoints(points, c.cfg.Precision)
	return c.exchange(ctx, request{endpoint: EndpointMatch, points: points, minPoints: 2, params: params, decode: passBody})
}

// Trip solves the round trip over points.
func (c *Client) Trip(ctx context.Context, points geo.PointList, params Params) (json.RawMessage, error) {
	points = geo.NormalizePoints(points, c.cfg.Precision)
	return c.exchange(ctx, request{endpoint: EndpointTrip, points: points, minPoints: 2, params: params, decode: passBody})
}

// RouteGeometry returns the GeoJSON geometry of the first route, or nil when the points fail the
// precheck or upstream has no usable geometry.
func (c *Client) RouteGeometry(ctx context.Context, points geo.PointList, params Params) (json.RawMessage, error) {
	points = geo.NormalizePoints(points, c.cfg.Precision)
	if geo.Precheck(points, c.cfg.MaxSegmentM) != nil {
		return nil, nil
	}
	p := Params{}
	for k, v := range params {
		p[k] = v
	}
	p["overview"] = "full"
	p["geometries"] = "geojson"
	raw, err := c.exchange(ctx, request{endpoint: EndpointRoute, points: points, minPoints: 2, params: p, decode: passBody})
	if err != nil {
		return nil, err
	}
	var resp routeResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Code != "Ok" || len(resp.Routes) == 0 {
		return nil, nil
	}
	g := resp.Routes[0].Geometry
	if len(g) == 0 || string(g) == "null" {
		return nil, nil
	}
	return g, nil
}

// passBody caches the upstream body as is; rejected answers without a JSON body become null.
func passBody(body []byte, rejected bool) ([]byte, error) {
	if rejected && !json.Valid(body) {
		return []byte("null"), nil
	}
	return body, nil
}

type request struct {
	endpoint  string
	points    geo.PointList
	minPoints int
	params    Params
	throttle  bool
	// decode turns a 2xx (rejected=false) or 400/404 (rejected=true) body into the cached value.
	decode func(body []byte, rejected bool) ([]byte, error)
}

// exchange is precheck -> cache -> call -> cache shared by every endpoint.
func (c *Client) exchange(ctx context.Context, r request) (json.RawMessage, error) {
	if r.minPoints < 2 {
		if len(r.points) < r.minPoints {
			return nil, &geo.ValidationError{Reason: geo.ReasonTooFewPoints, Index: -1}
		}
	} else if err := geo.Precheck(r.points, c.cfg.MaxSegmentM); err != nil {
		return nil, err
	}
	coords := r.points.String()
	key := CacheKey(r.endpoint+"/"+c.cfg.Profile, coords, r.params)

	if v, ok := c.cacheGet(ctx, r.endpoint, key); ok {
		return v, nil
	}
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	v, err, shared := c.flight.Do(key, func() (any, error) {
		return c.fetch(ctx, r, coords, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		metrics.RoutingCache.WithLabelValues(r.endpoint, "shared").Inc()
	}
	return v.(json.RawMessage), nil
}

// fetch is the miss path: throttle -> call -> decode -> cache.
func (c *Client) fetch(ctx context.Context, r request, coords, key string) (json.RawMessage, error) {
	if r.throttle {
		if err := c.table.Wait(ctx); err != nil {
			metrics.RoutingErrors.WithLabelValues(r.endpoint, reasonTimeout).Inc()
			return nil, &UnavailableError{Endpoint: r.endpoint, Reason: reasonTimeout, Err: err}
		}
	}

	status, body, err := c.call(ctx, r.endpoint, coords, r.params)
	if err != nil {
		return nil, err
	}
	rejected := status == http.StatusBadRequest || status == http.StatusNotFound
	if !rejected {
		if status < 200 || status > 299 {
			metrics.RoutingErrors.WithLabelValues(r.endpoint, reasonError).Inc()
			c.log.Warn("routing engine error status", "endpoint", r.endpoint, "status", status)
			return nil, &UnavailableError{Endpoint: r.endpoint, Reason: reasonError, Status: status}
		}
		if !json.Valid(body) {
			return nil, &ProtocolError{Endpoint: r.endpoint, Status: status, Err: errors.New("body is not JSON")}
		}
	}
	value, err := r.decode(body, rejected)
	if err != nil {
		return nil, &ProtocolError{Endpoint: r.endpoint, Status: status, Err: err}
	}
	if rejected {
		c.log.Debug("routing engine rejected input; caching negative result", "endpoint", r.endpoint, "status", status, "coords", coords)
	}
	if err := c.cache.Set(ctx, key, value, c.cfg.CacheTTL); err != nil {
		c.log.Warn("routing cache write failed", "endpoint", r.endpoint, "err", err)
	}
	return json.RawMessage(value), nil
}

func (c *Client) cacheGet(ctx context.Context, endpoint, key string) (json.RawMessage, bool) {
	v, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		// Cache read failures are non-fatal: fall through to upstream.
		c.log.Warn("routing cache read failed", "endpoint", endpoint, "err", err)
		ok = false
	}
	if ok {
		metrics.RoutingCache.WithLabelValues(endpoint, "hit").Inc()
		return v, true
	}
	metrics.RoutingCache.WithLabelValues(endpoint, "miss").Inc()
	return nil, false
}

// call performs one GET {base}/{endpoint}/{profile}/{coords} under its own deadline.
func (c *Client) call(ctx context.Context, endpoint, coords string, params Params) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := c.cfg.BaseURL + "/" + endpoint + "/" + c.cfg.Profile + "/" + coords
	if q := encodeParams(params); q != "" {
		u += "?" + q
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("osrm: %s: build request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		reason := reasonError
		if ctx.Err() != nil {
			reason = reasonTimeout
		}
		metrics.RoutingDuration.WithLabelValues(endpoint, reasonError).Observe(time.Since(start).Seconds())
		metrics.RoutingErrors.WithLabelValues(endpoint, reason).Inc()
		c.log.Warn("routing engine request failed", "endpoint", endpoint, "reason", reason, "err", err)
		return 0, nil, &UnavailableError{Endpoint: endpoint, Reason: reason, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.RoutingDuration.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
	if err != nil {
		reason := reasonError
		if ctx.Err() != nil {
			reason = reasonTimeout
		}
		metrics.RoutingErrors.WithLabelValues(endpoint, reason).Inc()
		return 0, nil, &UnavailableError{Endpoint: endpoint, Reason: reason, Err: err}
	}
	return resp.StatusCode, body, nil
}

// CacheKey joins endpoint, the normalized coordinate string and the parameters sorted by key.
func CacheKey(endpoint, coords string, params Params) string {
	return "osrm:" + endpoint + ":" + coords + ":" + encodeParams(params)
}

func encodeParams(params Params) string {
	if len(params) == 0 {
		return ""
	}
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	// Encode sorts by key.
	return v.Encode()
}
