package geo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/geo"
)

func TestParseLngLatPair(t *testing.T) {
	p, err := geo.Parse([]any{0.0, 0.0}, 0)
	require.NoError(t, err)
	assert.Equal(t, geo.TargetSRID, p.SRID)
	assert.Equal(t, "POINT (0 0)", p.WKT)
}

func TestParseLngLatReprojectsNonOrigin(t *testing.T) {
	p, err := geo.Parse([]any{10.0, 45.0}, 0)
	require.NoError(t, err)
	assert.Equal(t, geo.TargetSRID, p.SRID)
	assert.NotEqual(t, "POINT (10 45)", p.WKT)
}

func TestParseWKTDefaultsToWGS84(t *testing.T) {
	p, err := geo.Parse("POINT(2 2)", 0)
	require.NoError(t, err)
	assert.Equal(t, geo.TargetSRID, p.SRID)
	assert.NotContains(t, p.WKT, "POINT(2 2)")
}

func TestParseEWKTAlreadyAtTargetSRIDIsPassthrough(t *testing.T) {
	p, err := geo.Parse("SRID=3857;POINT(100 200)", 0)
	require.NoError(t, err)
	assert.Equal(t, "POINT (100 200)", p.WKT)
}

func TestParseEWKTReprojectsFromWGS84(t *testing.T) {
	p, err := geo.Parse("SRID=4326;POINT(0 0)", 0)
	require.NoError(t, err)
	assert.Equal(t, "POINT (0 0)", p.WKT)
}

func TestParseUnsupportedSRIDErrors(t *testing.T) {
	_, err := geo.Parse("SRID=2154;POINT(0 0)", 0)
	require.Error(t, err)
}

func TestParseGeoJSONPoint(t *testing.T) {
	p, err := geo.Parse(map[string]any{
		"type":        "Point",
		"coordinates": []any{0.0, 0.0},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "POINT (0 0)", p.WKT)
}

func TestParseGeoJSONFeatureUnwrapsGeometry(t *testing.T) {
	p, err := geo.Parse(map[string]any{
		"type": "Feature",
		"geometry": map[string]any{
			"type":        "Point",
			"coordinates": []any{0.0, 0.0},
		},
		"properties": map[string]any{},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "POINT (0 0)", p.WKT)
}

func TestParseNilIsNil(t *testing.T) {
	p, err := geo.Parse(nil, 0)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestForwardProjectionIsOriginPreserving(t *testing.T) {
	// The origin maps to the origin in both WGS84 and Web Mercator.
	p, err := geo.Parse([]any{0.0, 0.0}, 4326)
	require.NoError(t, err)
	assert.Equal(t, "POINT (0 0)", p.WKT)
}
