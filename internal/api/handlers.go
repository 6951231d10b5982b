package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fleetgeo/internal/geo"
	"fleetgeo/internal/geocode"
	"fleetgeo/internal/osrm"
)

// maxBatchAddresses bounds POST /v1/geo/geocode/batch; each address is a sequential upstream call.
const maxBatchAddresses = 50

// GeocodeHandler handles GET /v1/geo/geocode?address=
func (s *Server) GeocodeHandler(w http.ResponseWriter, r *http.Request) {
	address := geocode.NormalizeAddress(r.URL.Query().Get("address"))
	if address == "" {
		writeProblem(w, http.StatusBadRequest, "Missing address", "address query parameter is required", r.URL.Path)
		return
	}
	c, ok := s.Resolver.ResolveGeocode(r.Context(), address)
	resp := map[string]any{"address": address, "found": ok}
	if ok {
		resp["coordinate"] = c
	}
	writeJSON(w, http.StatusOK, resp)
}

// GeocodeBatchHandler handles POST /v1/geo/geocode/batch. Addresses that fail to resolve are left out.
func (s *Server) GeocodeBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Addresses []string `json:"addresses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if len(req.Addresses) == 0 || len(req.Addresses) > maxBatchAddresses {
		writeProblem(w, http.StatusBadRequest, "Invalid batch", fmt.Sprintf("addresses must contain 1..%d entries", maxBatchAddresses), r.URL.Path)
		return
	}
	items := s.Geocoder.GeocodeAddresses(r.Context(), req.Addresses)
	if items == nil {
		items = []geo.Coordinate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requested": len(req.Addresses), "items": items})
}

// DistanceHandler handles GET /v1/geo/distance?start=lat,lng&finish=lat,lng
func (s *Server) DistanceHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := geo.ParseLatLng(q.Get("start"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid start", err.Error(), r.URL.Path)
		return
	}
	finish, err := geo.ParseLatLng(q.Get("finish"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid finish", err.Error(), r.URL.Path)
		return
	}
	d, err := s.Resolver.ResolveRouteDistance(r.Context(), start, finish, traceFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// traceFrom picks up W3C trace context headers, if any.
func traceFrom(r *http.Request) map[string]string {
	tp := strings.TrimSpace(r.Header.Get("traceparent"))
	if tp == "" {
		return nil
	}
	t := map[string]string{"traceparent": tp}
	if ts := strings.TrimSpace(r.Header.Get("tracestate")); ts != "" {
		t["tracestate"] = ts
	}
	return t
}

type engineRequest struct {
	Coordinates string      `json:"coordinates"`
	Params      osrm.Params `json:"params"`
}

// EngineHandler handles POST /v1/geo/{kind} for table, nearest, match, trip, and geometry.
// The routing engine's answer is passed through unchanged.
func (s *Server) EngineHandler(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	var req engineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	points := geo.Normalize(req.Coordinates, s.Routing.Precision())
	ctx := r.Context()

	var (
		raw json.RawMessage
		err error
	)
	switch kind {
	case osrm.EndpointTable:
		raw, err = s.Routing.Table(ctx, points, req.Params)
	case osrm.EndpointNearest:
		if len(points) != 1 {
			writeProblem(w, http.StatusBadRequest, "Invalid coordinates", "nearest takes exactly one point", r.URL.Path)
			return
		}
		raw, err = s.Routing.Nearest(ctx, points[0], req.Params)
	case osrm.EndpointMatch:
		raw, err = s.Routing.Match(ctx, points, req.Params)
	case osrm.EndpointTrip:
		raw, err = s.Routing.Trip(ctx, points, req.Params)
	case "geometry":
		raw, err = s.Routing.RouteGeometry(ctx, points, req.Params)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]json.RawMessage{"geometry": raw})
			return
		}
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "unknown routing operation "+kind, r.URL.Path)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

// CacheClearHandler handles POST /v1/admin/geo/cache/clear
func (s *Server) CacheClearHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Resolver.InvalidateRoutes(r.Context()); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Cache clear failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// QueueStatsHandler handles GET /v1/admin/geo/queues
func (s *Server) QueueStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.Queues.Enabled() {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	out := map[string]any{}
	for _, name := range s.QueueNames() {
		c, err := s.Queues.Counts(ctx, name)
		if err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Queue counts failed", err.Error(), r.URL.Path)
			return
		}
		out[name] = c
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "queues": out})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Queue backend reachability, when the queue path is on
	if s.Queues.Enabled() {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if _, err := s.Queues.Counts(ctx, s.Cfg.Queue.RoutingName); err != nil {
			writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}
