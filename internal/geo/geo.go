// Package geo parses geometry supplied in any of the formats the external
// interface accepts (GeoJSON, WKT, EWKT, a bare [lng, lat] pair) and
// reprojects it to the single fixed metric SRID (3857, Web Mercator) that
// resource.geometry columns and condition-compiler spatial literals are
// always stored and compared in.
package geo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// Parsed holds the result of normalizing a geometry input: its WKT
// representation at TargetSRID, ready to be embedded in
// `ST_GeomFromText($1, 3857)`.
type Parsed struct {
	WKT  string
	SRID int
}

// Parse auto-detects the input's format and normalizes it to TargetSRID.
// defaultSRID is used when the input does not carry its own SRID (a bare
// [lng, lat] pair, WKT without an SRID= prefix, or GeoJSON without a CRS
// member); a defaultSRID of 0 means "assume WGS84".
func Parse(value any, defaultSRID int) (*Parsed, error) {
	if value == nil {
		return nil, nil
	}
	if defaultSRID == 0 {
		defaultSRID = wgs84SRID
	}

	switch v := value.(type) {
	case map[string]any:
		return parseGeoJSON(v, defaultSRID)
	case []any:
		return parseLngLat(v, defaultSRID)
	case string:
		return parseString(v, defaultSRID)
	default:
		return nil, fmt.Errorf("geo: unsupported geometry input type %T", value)
	}
}

func parseLngLat(v []any, defaultSRID int) (*Parsed, error) {
	if len(v) < 2 {
		return nil, fmt.Errorf("geo: coordinate pair requires at least 2 elements, got %d", len(v))
	}
	lng, err := toFloat(v[0])
	if err != nil {
		return nil, fmt.Errorf("geo: invalid lng: %w", err)
	}
	lat, err := toFloat(v[1])
	if err != nil {
		return nil, fmt.Errorf("geo: invalid lat: %w", err)
	}
	pt := geom.NewPointFlat(geom.XY, []float64{lng, lat})
	return reprojectAndEncode(pt, defaultSRID)
}

func parseString(s string, defaultSRID int) (*Parsed, error) {
	s = strings.TrimSpace(s)

	if srid, rest, ok := splitEWKT(s); ok {
		g, err := wkt.Unmarshal(rest)
		if err != nil {
			return nil, fmt.Errorf("geo: invalid WKT in EWKT string: %w", err)
		}
		return reprojectAndEncode(g, srid)
	}

	if looksLikeJSONObject(s) {
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			return parseGeoJSON(m, defaultSRID)
		}
	}

	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("geo: could not parse %q as WKT, EWKT or GeoJSON: %w", s, err)
	}
	return reprojectAndEncode(g, defaultSRID)
}

func parseGeoJSON(m map[string]any, defaultSRID int) (*Parsed, error) {
	// A GeoJSON Feature wraps the geometry under "geometry"; unwrap it.
	if t, _ := m["type"].(string); t == "Feature" {
		inner, ok := m["geometry"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("geo: Feature is missing a \"geometry\" object")
		}
		m = inner
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("geo: re-encoding GeoJSON input: %w", err)
	}

	var gj geojson.Geometry
	if err := json.Unmarshal(raw, &gj); err != nil {
		return nil, fmt.Errorf("geo: invalid GeoJSON geometry: %w", err)
	}
	geomT, err := gj.Decode()
	if err != nil {
		return nil, fmt.Errorf("geo: invalid GeoJSON geometry: %w", err)
	}
	if geomT == nil {
		return nil, fmt.Errorf("geo: GeoJSON decoded to an empty geometry")
	}

	srid := extractCRSEPSG(m)
	if srid == 0 {
		srid = defaultSRID
	}
	return reprojectAndEncode(geomT, srid)
}

// extractCRSEPSG reads the legacy (pre-2016) GeoJSON "crs" member, if
// present, e.g. {"type":"name","properties":{"name":"EPSG:4326"}} or the
// "urn:ogc:def:crs:EPSG::4326" URN form.
func extractCRSEPSG(m map[string]any) int {
	crs, ok := m["crs"].(map[string]any)
	if !ok {
		return 0
	}
	props, ok := crs["properties"].(map[string]any)
	if !ok {
		return 0
	}
	name, _ := props["name"].(string)
	idx := strings.LastIndex(name, ":")
	if idx == -1 {
		return 0
	}
	n, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

func reprojectAndEncode(g geom.T, srid int) (*Parsed, error) {
	switch srid {
	case TargetSRID:
		// already in the target projection, no-op
	case wgs84SRID:
		reproject(g)
	default:
		return nil, fmt.Errorf("geo: unsupported source SRID %d (only %d and %d are supported)", srid, wgs84SRID, TargetSRID)
	}
	out, err := wkt.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("geo: encoding result as WKT: %w", err)
	}
	return &Parsed{WKT: out, SRID: TargetSRID}, nil
}

// reproject mutates g's flat coordinate slice in place, applying forward()
// to every (x, y) pair and leaving any z/m ordinates untouched.
func reproject(g geom.T) {
	coords := g.FlatCoords()
	stride := g.Stride()
	if stride < 2 {
		return
	}
	for i := 0; i+1 < len(coords); i += stride {
		coords[i], coords[i+1] = forward(coords[i], coords[i+1])
	}
}

func splitEWKT(s string) (srid int, rest string, ok bool) {
	if !strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		return 0, "", false
	}
	parts := strings.SplitN(s, ";", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0][len("SRID="):]))
	if err != nil {
		return 0, "", false
	}
	return n, strings.TrimSpace(parts[1]), true
}

func looksLikeJSONObject(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
