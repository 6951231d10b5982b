// Package geo holds coordinate parsing, rounding, and the structural checks run before any routing call.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EarthRadiusM is the mean earth radius used by Haversine.
const EarthRadiusM = 6371000.0

// DefaultPrecision is the number of decimals coordinates are rounded to.
const DefaultPrecision = 6

// DefaultMaxSegmentM is the largest accepted distance between consecutive points.
const DefaultMaxSegmentM = 200000.0

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether both axes are finite and within range.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Rounded returns c with both axes rounded to precision decimals.
func (c Coordinate) Rounded(precision int) Coordinate {
	return Coordinate{Lat: Round(c.Lat, precision), Lng: Round(c.Lng, precision)}
}

// LonLat renders the point in routing engine order.
func (c Coordinate) LonLat() string {
	return formatFloat(c.Lng) + "," + formatFloat(c.Lat)
}

// PointList is an ordered list of coordinates, written on the wire as "lon,lat;lon,lat".
type PointList []Coordinate

func (p PointList) String() string {
	parts := make([]string, len(p))
	for i, c := range p {
		parts[i] = c.LonLat()
	}
	return strings.Join(parts, ";")
}

// Length sums the great-circle length of every segment in meters.
func (p PointList) Length() float64 {
	total := 0.0
	for i := 1; i < len(p); i++ {
		total += Haversine(p[i-1], p[i])
	}
	return total
}

// Round rounds v half away from zero to precision decimals.
func Round(v float64, precision int) float64 {
	if precision < 0 {
		return v
	}
	f := math.Pow(10, float64(precision))
	r := math.Round(v*f) / f
	if r == 0 {
		// -0 would format as "-0" and split cache keys.
		return 0
	}
	return r
}

// Normalize parses a "lon,lat;lon,lat" list ("|" is accepted when no ";" is present).
// Unparseable, non-finite or out-of-range pairs are dropped, values are rounded, and a point identical
// to the one before it is removed. The result may hold fewer than two points; Precheck decides.
func Normalize(raw string, precision int) PointList {
	sep := ";"
	if !strings.Contains(raw, ";") && strings.Contains(raw, "|") {
		sep = "|"
	}
	out := PointList{}
	for _, part := range strings.Split(raw, sep) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lonS, latS, ok := strings.Cut(part, ",")
		if !ok {
			continue
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(lonS), 64)
		if err != nil {
			continue
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(latS), 64)
		if err != nil {
			continue
		}
		c := Coordinate{Lat: lat, Lng: lon}
		if !c.Valid() {
			continue
		}
		c = c.Rounded(precision)
		if n := len(out); n > 0 && out[n-1] == c {
			continue
		}
		out = append(out, c)
	}
	return out
}

// NormalizePoints applies the same rounding and de-duplication to already parsed coordinates.
func NormalizePoints(points []Coordinate, precision int) PointList {
	out := PointList{}
	for _, c := range points {
		if !c.Valid() {
			continue
		}
		c = c.Rounded(precision)
		if n := len(out); n > 0 && out[n-1] == c {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Reasons reported by ValidationError.
const (
	ReasonTooFewPoints   = "too_few_points"
	ReasonSegmentTooLong = "segment_too_long"
	ReasonTooManyPoints  = "too_many_points"
	ReasonInvalidPoint   = "invalid_point"
)

// ValidationError rejects input before it reaches the routing engine.
type ValidationError struct {
	Reason string
	// Index is the position of the second point of the offending segment, or -1.
	Index  int
	Meters float64
	Limit  float64
}

func (e *ValidationError) Error() string {
	switch e.Reason {
	case ReasonSegmentTooLong:
		return fmt.Sprintf("geo: %s at index %d: %.0fm > %.0fm", e.Reason, e.Index, e.Meters, e.Limit)
	case ReasonTooManyPoints:
		return fmt.Sprintf("geo: %s: %.0f > %.0f", e.Reason, e.Meters, e.Limit)
	}
	return "geo: " + e.Reason
}

// Precheck fails with too_few_points below two points and with segment_too_long when a consecutive pair
// is further apart than maxSegmentM. A non-positive maxSegmentM disables the segment check.
func Precheck(points PointList, maxSegmentM float64) error {
	if len(points) < 2 {
		return &ValidationError{Reason: ReasonTooFewPoints, Index: -1}
	}
	if maxSegmentM <= 0 {
		return nil
	}
	for i := 1; i < len(points); i++ {
		if d := Haversine(points[i-1], points[i]); d > maxSegmentM {
			return &ValidationError{Reason: ReasonSegmentTooLong, Index: i, Meters: d, Limit: maxSegmentM}
		}
	}
	return nil
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Coordinate) float64 {
	toRad := math.Pi / 180
	dLat := (b.Lat - a.Lat) * toRad
	dLng := (b.Lng - a.Lng) * toRad
	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*toRad)*math.Cos(b.Lat*toRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusM * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
}

// ParseLatLng parses "lat,lng" as used by query strings.
func ParseLatLng(s string) (Coordinate, error) {
	latS, lngS, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return Coordinate{}, fmt.Errorf("geo: expected lat,lng, got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latS), 64)
	if err != nil {
		return Coordinate{}, fmt.Errorf("geo: bad latitude %q: %w", latS, err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngS), 64)
	if err != nil {
		return Coordinate{}, fmt.Errorf("geo: bad longitude %q: %w", lngS, err)
	}
	c := Coordinate{Lat: lat, Lng: lng}
	if !c.Valid() {
		return Coordinate{}, &ValidationError{Reason: ReasonInvalidPoint, Index: -1}
	}
	return c, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
