package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeParsesRoundsAndDedupes(t *testing.T) {
	got := Normalize(" 30.5200001,50.45 ; 30.52,50.4500004;30.58,50.46 ; bad ; 200,10; 1,NaN;", 6)
	require.Len(t, got, 2)
	assert.Equal(t, Coordinate{Lat: 50.45, Lng: 30.52}, got[0])
	assert.Equal(t, Coordinate{Lat: 50.46, Lng: 30.58}, got[1])
	assert.Equal(t, "30.52,50.45;30.58,50.46", got.String())
}

func TestNormalizePipeFallback(t *testing.T) {
	got := Normalize("1,2|3,4", 6)
	assert.Equal(t, PointList{{Lat: 2, Lng: 1}, {Lat: 4, Lng: 3}}, got)
}

func TestNormalizeKeepsNonConsecutiveDuplicates(t *testing.T) {
	got := Normalize("1,1;2,2;1,1", 6)
	assert.Len(t, got, 3)
}

func TestNormalizeEmpty(t *testing.T) {
	assert.Empty(t, Normalize("", 6))
	assert.Empty(t, Normalize(";;;", 6))
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"30.123456789,50.987654321;30.1234561,50.9876541;-73.9857,40.7484",
		"0.0000004,-0.0000004;179.9999999,89.9999999",
		"13.38886,52.517037|13.397634,52.529407|13.428555,52.523219",
	}
	for _, in := range inputs {
		for _, p := range []int{0, 3, 6, 8} {
			once := Normalize(in, p)
			twice := Normalize(once.String(), p)
			assert.Equal(t, once, twice, "input %q precision %d", in, p)
		}
	}
}

func TestPrecheckSegmentGuard(t *testing.T) {
	far := PointList{{Lat: 0, Lng: 0}, {Lat: 10, Lng: 0}}
	err := Precheck(far, DefaultMaxSegmentM)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ReasonSegmentTooLong, verr.Reason)
	assert.Equal(t, 1, verr.Index)
	assert.InDelta(t, 1111950, verr.Meters, 1000)

	near := PointList{{Lat: 0, Lng: 0}, {Lat: 0.001, Lng: 0}}
	assert.NoError(t, Precheck(near, DefaultMaxSegmentM))
}

func TestPrecheckTooFewPoints(t *testing.T) {
	err := Precheck(PointList{{Lat: 1, Lng: 1}}, DefaultMaxSegmentM)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ReasonTooFewPoints, verr.Reason)

	// Two identical points collapse to one during normalization.
	err = Precheck(Normalize("1,1;1,1", 6), DefaultMaxSegmentM)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ReasonTooFewPoints, verr.Reason)
}

func TestHaversine(t *testing.T) {
	assert.Zero(t, Haversine(Coordinate{Lat: 10, Lng: 10}, Coordinate{Lat: 10, Lng: 10}))
	// One degree of latitude.
	assert.InDelta(t, 111195, Haversine(Coordinate{}, Coordinate{Lat: 1}), 1)
	// Berlin -> Paris, roughly 878 km.
	d := Haversine(Coordinate{Lat: 52.52, Lng: 13.405}, Coordinate{Lat: 48.8566, Lng: 2.3522})
	assert.InDelta(t, 878000, d, 3000)
	assert.InDelta(t, math.Pi*EarthRadiusM, Haversine(Coordinate{Lat: 0, Lng: 0}, Coordinate{Lat: 0, Lng: 180}), 1)
}

func TestParseLatLng(t *testing.T) {
	c, err := ParseLatLng("50.45, 30.52")
	require.NoError(t, err)
	assert.Equal(t, Coordinate{Lat: 50.45, Lng: 30.52}, c)

	_, err = ParseLatLng("91,0")
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = ParseLatLng("nope")
	assert.Error(t, err)
}

func TestPointListLength(t *testing.T) {
	p := PointList{{Lat: 0, Lng: 0}, {Lat: 1, Lng: 0}, {Lat: 2, Lng: 0}}
	assert.InDelta(t, 2*111195, p.Length(), 2)
}

func TestRoundDropsNegativeZero(t *testing.T) {
	r := Round(-0.0000001, 6)
	assert.Equal(t, 0.0, r)
	assert.False(t, math.Signbit(r))
	assert.Equal(t, "0", formatFloat(r))
	assert.Equal(t, -0.5, Round(-0.5, 6))

	a := PointList{{Lat: 10, Lng: Round(-0.0000001, 6)}}
	b := PointList{{Lat: 10, Lng: Round(0.0000001, 6)}}
	assert.Equal(t, a.String(), b.String())
}
