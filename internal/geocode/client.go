// Package geocode forward-geocodes free-text addresses against a Nominatim-compatible service.
package geocode

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

	"fleetgeo/internal/geo"
	"fleetgeo/internal/metrics"
)

const (
	DefaultURL       = "https://nominatim.openstreetmap.org/search"
	DefaultUserAgent = "fleetgeo/1.0"
	DefaultTimeout   = 10 * time.Second
)

type Config struct {
	Enabled   bool
	URL       string
	Email     string
	UserAgent string
	Timeout   time.Duration
}

// Client is stateless; lookups are best effort and never cached.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
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

func New(cfg Config, opts ...Option) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{cfg: cfg, http: http.DefaultClient, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NormalizeAddress trims and collapses runs of whitespace.
func NormalizeAddress(address string) string {
	return strings.Join(strings.Fields(address), " ")
}

// GeocodeAddress returns the first match for address. It reports false when geocoding is disabled,
// the address is blank, or the lookup fails for any reason.
func (c *Client) GeocodeAddress(ctx context.Context, address string) (geo.Coordinate, bool) {
	q := NormalizeAddress(address)
	if !c.cfg.Enabled {
		metrics.GeocodeRequests.WithLabelValues("disabled").Inc()
		return geo.Coordinate{}, false
	}
	if q == "" {
		metrics.GeocodeRequests.WithLabelValues("empty").Inc()
		return geo.Coordinate{}, false
	}
	coord, found, err := c.lookup(ctx, q)
	switch {
	case err != nil && isTimeout(ctx, err):
		metrics.GeocodeRequests.WithLabelValues("timeout").Inc()
		c.log.Info("geocode timed out", "address", q, "timeout", c.cfg.Timeout)
		return geo.Coordinate{}, false
	case err != nil:
		metrics.GeocodeRequests.WithLabelValues("error").Inc()
		c.log.Warn("geocode failed", "address", q, "err", err)
		return geo.Coordinate{}, false
	case !found:
		metrics.GeocodeRequests.WithLabelValues("empty").Inc()
		return geo.Coordinate{}, false
	}
	metrics.GeocodeRequests.WithLabelValues("ok").Inc()
	return coord, true
}

// GeocodeAddresses geocodes sequentially and skips entries that fail, so the result may be shorter than the input.
func (c *Client) GeocodeAddresses(ctx context.Context, addresses []string) []geo.Coordinate {
	out := make([]geo.Coordinate, 0, len(addresses))
	for _, a := range addresses {
		if ctx.Err() != nil {
			break
		}
		if coord, ok := c.GeocodeAddress(ctx, a); ok {
			out = append(out, coord)
		}
	}
	return out
}

func (c *Client) lookup(ctx context.Context, q string) (geo.Coordinate, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	params := url.Values{}
	params.Set("q", q)
	params.Set("format", "json")
	params.Set("limit", "1")
	if e := strings.TrimSpace(c.cfg.Email); e != "" {
		params.Set("email", e)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return geo.Coordinate{}, false, err
	}
	req.URL.RawQuery = params.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return geo.Coordinate{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return geo.Coordinate{}, false, fmt.Errorf("geocode: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return geo.Coordinate{}, false, err
	}
	return parseResult(body)
}

type place struct {
	Lat       flexFloat `json:"lat"`
	Lon       flexFloat `json:"lon"`
	Latitude  flexFloat `json:"latitude"`
	Longitude flexFloat `json:"longitude"`
}

// parseResult accepts an array (first element wins) or a single object.
func parseResult(body []byte) (geo.Coordinate, bool, error) {
	trimmed := strings.TrimSpace(string(body))
	var p place
	switch {
	case strings.HasPrefix(trimmed, "["):
		var list []place
		if err := json.Unmarshal(body, &list); err != nil {
			return geo.Coordinate{}, false, fmt.Errorf("geocode: decode: %w", err)
		}
		if len(list) == 0 {
			return geo.Coordinate{}, false, nil
		}
		p = list[0]
	case strings.HasPrefix(trimmed, "{"):
		if err := json.Unmarshal(body, &p); err != nil {
			return geo.Coordinate{}, false, fmt.Errorf("geocode: decode: %w", err)
		}
	default:
		return geo.Coordinate{}, false, errors.New("geocode: response is not JSON")
	}
	lat, lng := p.Lat, p.Lon
	if !lat.set {
		lat = p.Latitude
	}
	if !lng.set {
		lng = p.Longitude
	}
	if !lat.set || !lng.set {
		return geo.Coordinate{}, false, errors.New("geocode: result has no coordinates")
	}
	c := geo.Coordinate{Lat: lat.v, Lng: lng.v}
	if !c.Valid() {
		return geo.Coordinate{}, false, fmt.Errorf("geocode: coordinates out of range: %v,%v", c.Lat, c.Lng)
	}
	return c, true, nil
}

// flexFloat decodes a JSON number or a numeric string (Nominatim sends strings).
type flexFloat struct {
	v   float64
	set bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("geocode: bad coordinate %s", b)
	}
	f.v, f.set = v, true
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
