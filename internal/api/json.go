package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"fleetgeo/internal/geo"
	"fleetgeo/internal/osrm"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps resolution errors onto problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *geo.ValidationError
	var pe *osrm.ProtocolError
	var ue *osrm.UnavailableError
	p := Problem{Type: "about:blank", Detail: err.Error(), Instance: r.URL.Path}
	switch {
	case errors.As(err, &ve):
		p.Status, p.Title, p.Reason = http.StatusBadRequest, "Invalid coordinates", ve.Reason
	case errors.As(err, &pe):
		p.Status, p.Title = http.StatusBadGateway, "Routing engine returned an unreadable answer"
	case errors.As(err, &ue) && ue.Timeout():
		p.Status, p.Title, p.Reason = http.StatusGatewayTimeout, "Routing engine timed out", ue.Reason
	case errors.As(err, &ue):
		p.Status, p.Title, p.Reason = http.StatusServiceUnavailable, "Routing engine unavailable", ue.Reason
	case errors.Is(err, osrm.ErrDisabled):
		p.Status, p.Title = http.StatusServiceUnavailable, "Routing engine not configured"
	default:
		p.Status, p.Title = http.StatusInternalServerError, "Resolution failed"
	}
	writeJSON(w, p.Status, p)
}
