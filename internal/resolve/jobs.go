package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"fleetgeo/internal/geo"
	"fleetgeo/internal/osrm"
	"fleetgeo/internal/queue"
)

// Jobs runs queued geocode and route-distance jobs against the upstream clients.
type Jobs struct {
	Routing  Router
	Geocoder Geocoder
	Log      *slog.Logger
}

// Handle is a queue.Handler. Bad input and undecodable upstream answers are not retried.
func (j *Jobs) Handle(ctx context.Context, env queue.Envelope) (any, error) {
	log := j.Log
	if log == nil {
		log = slog.Default()
	}
	switch env.Kind {
	case KindGeocode:
		var p geocodePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, queue.Permanent(fmt.Errorf("resolve: geocode payload: %w", err))
		}
		c, ok := j.Geocoder.GeocodeAddress(ctx, p.Address)
		if !ok {
			return geocodeResult{}, nil
		}
		return geocodeResult{Coordinate: &c}, nil

	case KindRouteDistance:
		var p routePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, queue.Permanent(fmt.Errorf("resolve: route payload: %w", err))
		}
		if tp := p.Trace["traceparent"]; tp != "" {
			log = log.With("traceparent", tp)
		}
		rd, err := j.Routing.RouteDistance(ctx, p.Start, p.Finish)
		if err != nil {
			var ve *geo.ValidationError
			var pe *osrm.ProtocolError
			if errors.As(err, &ve) || errors.As(err, &pe) {
				return nil, queue.Permanent(err)
			}
			log.Warn("route distance job failed", "job", env.ID, "attempt", env.Attempt+1, "err", err)
			return nil, err
		}
		return toKm(rd), nil

	default:
		return nil, queue.Permanent(fmt.Errorf("resolve: unknown job kind %q", env.Kind))
	}
}
