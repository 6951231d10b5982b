package api

import (
	"net/http"
	"time"

	"fleetgeo/internal/buildinfo"
)

// DebugJSON reports build info and the effective configuration, without secrets.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	c := s.Cfg
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"PORT":                 c.Port,
			"LOG_LEVEL":            c.LogLevel,
			"QUEUE_ENABLED":        s.Queues.Enabled(),
			"QUEUE_BACKEND":        c.Queue.Backend,
			"QUEUE_JOB_TIMEOUT_MS": c.Queue.JobTimeoutMs,
			"ROUTING_ENABLED":      s.Routing.Enabled(),
			"ROUTING_PROFILE":      c.Routing.Profile,
			"CACHE_BACKEND":        c.Cache.Backend,
			"CACHE_TTL_SEC":        c.Cache.TTLSec,
			"GEOCODER_ENABLED":     c.GeocoderEnabled(),
			"HAS_DATABASE_URL":     c.Cache.DatabaseURL != "",
			"HAS_REDIS_URL":        c.RedisURL != "",
		},
	})
}
