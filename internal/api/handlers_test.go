package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgeo/internal/config"
	"fleetgeo/internal/metrics"
)

type fakeUpstream struct {
	*httptest.Server
	calls atomic.Int32
	last  atomic.Value // *http.Request
}

func newUpstream(t *testing.T, h http.HandlerFunc) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		u.last.Store(r.Clone(context.Background()))
		h(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func reply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func newTestServer(t *testing.T, mut func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.Routing.TableMinIntervalMs = 0
	if mut != nil {
		mut(&cfg)
	}
	s, err := NewServer(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func do(t *testing.T, h http.Handler, method, target string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m), rr.Body.String())
	return m
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, 200, rr.Code)
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, 200, rr.Code)
}

func TestDistanceEndToEnd(t *testing.T) {
	up := newUpstream(t, reply(200, `{"code":"Ok","routes":[{"distance":6000}]}`))
	s := newTestServer(t, func(c *config.Config) { c.Routing.URL = up.URL })

	rr := do(t, s.Handler(), http.MethodGet, "/v1/geo/distance?start=50.45,30.52&finish=50.46,30.58", nil)
	require.Equal(t, 200, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"distanceKm":6}`, rr.Body.String())

	req := up.last.Load().(*http.Request)
	assert.Equal(t, "/route/driving/30.52,50.45;30.58,50.46", req.URL.Path)
}

func TestDistanceThroughInProcessQueue(t *testing.T) {
	up := newUpstream(t, reply(200, `{"code":"Ok","routes":[{"distance":6000}]}`))
	s := newTestServer(t, func(c *config.Config) {
		c.Routing.URL = up.URL
		c.Queue.Backend = "memory"
		c.Queue.Concurrency = 1
	})
	require.True(t, s.Queues.Enabled())
	ctx, cancel := context.WithCancel(context.Background())
	ws := s.StartWorkers(ctx)
	require.Len(t, ws, 2)
	t.Cleanup(func() {
		cancel()
		for _, w := range ws {
			w.Stop()
		}
	})

	rr := do(t, s.Handler(), http.MethodGet, "/v1/geo/distance?start=50.45,30.52&finish=50.46,30.58", nil,
		"traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	require.Equal(t, 200, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"distanceKm":6}`, rr.Body.String())

	rr = do(t, s.Handler(), http.MethodGet, "/v1/admin/geo/queues", nil)
	require.Equal(t, 200, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, true, body["enabled"])
	routing := body["queues"].(map[string]any)["routing"].(map[string]any)
	assert.EqualValues(t, 1, routing["completed"])
}

func TestDistanceErrors(t *testing.T) {
	cases := []struct {
		name     string
		upstream http.HandlerFunc
		query    string
		status   int
		reason   string
	}{
		{"bad start", reply(200, `{}`), "start=abc&finish=50.46,30.58", 400, ""},
		{"missing finish", reply(200, `{}`), "start=50.45,30.52", 400, ""},
		{"segment too long", reply(200, `{}`), "start=0,0&finish=10,0", 400, "segment_too_long"},
		{"upstream down", reply(503, `{}`), "start=50.45,30.52&finish=50.46,30.58", 503, "error"},
		{"upstream garbage", reply(200, `<html>`), "start=50.45,30.52&finish=50.46,30.58", 502, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			up := newUpstream(t, tc.upstream)
			s := newTestServer(t, func(c *config.Config) { c.Routing.URL = up.URL })
			rr := do(t, s.Handler(), http.MethodGet, "/v1/geo/distance?"+tc.query, nil)
			require.Equal(t, tc.status, rr.Code, rr.Body.String())
			p := decode(t, rr)
			assert.EqualValues(t, tc.status, p["status"])
			if tc.reason != "" {
				assert.Equal(t, tc.reason, p["reason"])
			}
		})
	}
}

func TestDistanceNoRoute(t *testing.T) {
	up := newUpstream(t, reply(404, `{"code":"NoRoute"}`))
	s := newTestServer(t, func(c *config.Config) { c.Routing.URL = up.URL })
	rr := do(t, s.Handler(), http.MethodGet, "/v1/geo/distance?start=50.45,30.52&finish=50.46,30.58", nil)
	require.Equal(t, 200, rr.Code)
	assert.JSONEq(t, `{"distanceKm":null}`, rr.Body.String())
}

func TestEnginePassThrough(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/table/"):
			reply(200, `{"code":"Ok","durations":[[0,1],[1,0]]}`)(w, r)
		case strings.HasPrefix(r.URL.Path, "/nearest/"):
			reply(200, `{"code":"Ok","waypoints":[{"distance":3.2}]}`)(w, r)
		case strings.HasPrefix(r.URL.Path, "/route/"):
			reply(200, `{"code":"Ok","routes":[{"distance":10,"geometry":{"type":"LineString","coordinates":[[30.52,50.45],[30.58,50.46]]}}]}`)(w, r)
		default:
			reply(400, `{"code":"InvalidQuery"}`)(w, r)
		}
	})
	s := newTestServer(t, func(c *config.Config) { c.Routing.URL = up.URL })
	h := s.Handler()
	coords := "30.52,50.45;30.58,50.46"

	rr := do(t, h, http.MethodPost, "/v1/geo/table", map[string]any{"coordinates": coords, "params": map[string]string{"annotations": "duration"}})
	require.Equal(t, 200, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"code":"Ok","durations":[[0,1],[1,0]]}`, rr.Body.String())
	assert.Equal(t, "duration", up.last.Load().(*http.Request).URL.Query().Get("annotations"))

	rr = do(t, h, http.MethodPost, "/v1/geo/nearest", map[string]any{"coordinates": "30.52,50.45"})
	require.Equal(t, 200, rr.Code, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/v1/geo/nearest", map[string]any{"coordinates": coords})
	assert.Equal(t, 400, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/geo/match", map[string]any{"coordinates": coords})
	require.Equal(t, 200, rr.Code)
	assert.JSONEq(t, `{"code":"InvalidQuery"}`, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/v1/geo/geometry", map[string]any{"coordinates": coords})
	require.Equal(t, 200, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"geometry":{"type":"LineString","coordinates":[[30.52,50.45],[30.58,50.46]]}}`, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/v1/geo/isochrone", map[string]any{"coordinates": coords})
	assert.Equal(t, 404, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/geo/table", map[string]any{"coordinates": "30.52,50.45"})
	require.Equal(t, 400, rr.Code)
	assert.Equal(t, "too_few_points", decode(t, rr)["reason"])
}

func TestEngineDisabled(t *testing.T) {
	s := newTestServer(t, nil)
	rr := do(t, s.Handler(), http.MethodPost, "/v1/geo/trip", map[string]any{"coordinates": "30.52,50.45;30.58,50.46"})
	assert.Equal(t, 503, rr.Code)

	// Distance still answers with the great-circle estimate.
	rr = do(t, s.Handler(), http.MethodGet, "/v1/geo/distance?start=50.45,30.52&finish=50.46,30.58", nil)
	require.Equal(t, 200, rr.Code)
	assert.NotNil(t, decode(t, rr)["distanceKm"])
}

func TestGeocodeEndpoints(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "nowhere" {
			reply(200, `[]`)(w, r)
			return
		}
		reply(200, `[{"lat":"50.4501","lon":"30.5234"}]`)(w, r)
	})
	s := newTestServer(t, func(c *config.Config) { c.Geocoder.URL = up.URL })
	h := s.Handler()

	rr := do(t, h, http.MethodGet, "/v1/geo/geocode?address="+"Khreshchatyk%20%201,%20Kyiv", nil)
	require.Equal(t, 200, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, "Khreshchatyk 1, Kyiv", body["address"])
	assert.Equal(t, 50.4501, body["coordinate"].(map[string]any)["lat"])

	rr = do(t, h, http.MethodGet, "/v1/geo/geocode?address=nowhere", nil)
	require.Equal(t, 200, rr.Code)
	assert.Equal(t, false, decode(t, rr)["found"])

	rr = do(t, h, http.MethodGet, "/v1/geo/geocode", nil)
	assert.Equal(t, 400, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/geo/geocode/batch", map[string]any{"addresses": []string{"a", "nowhere", "b"}})
	require.Equal(t, 200, rr.Code)
	body = decode(t, rr)
	assert.EqualValues(t, 3, body["requested"])
	assert.Len(t, body["items"], 2)

	rr = do(t, h, http.MethodPost, "/v1/geo/geocode/batch", map[string]any{"addresses": []string{}})
	assert.Equal(t, 400, rr.Code)
}

func TestCacheClear(t *testing.T) {
	up := newUpstream(t, reply(200, `{"code":"Ok","routes":[{"distance":6000}]}`))
	s := newTestServer(t, func(c *config.Config) { c.Routing.URL = up.URL })
	h := s.Handler()
	target := "/v1/geo/distance?start=50.45,30.52&finish=50.46,30.58"

	do(t, h, http.MethodGet, target, nil)
	do(t, h, http.MethodGet, target, nil)
	assert.EqualValues(t, 1, up.calls.Load())

	rr := do(t, h, http.MethodPost, "/v1/admin/geo/cache/clear", nil)
	require.Equal(t, 200, rr.Code)
	do(t, h, http.MethodGet, target, nil)
	assert.EqualValues(t, 2, up.calls.Load())
}

func TestMetricsAndDocs(t *testing.T) {
	metrics.RegisterDefault()
	s := newTestServer(t, nil)
	h := s.Handler()
	do(t, h, http.MethodGet, "/healthz", nil)

	rr := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, 200, rr.Code)
	assert.Contains(t, rr.Body.String(), `http_requests_total{method="GET",path="GET /healthz",status="200"}`)

	rr = do(t, h, http.MethodGet, "/openapi.json", nil)
	require.Equal(t, 200, rr.Code)
	assert.Contains(t, decode(t, rr)["paths"], "/v1/geo/distance")

	rr = do(t, h, http.MethodGet, "/debug/info", nil)
	require.Equal(t, 200, rr.Code)
	assert.Contains(t, decode(t, rr), "build")
}
