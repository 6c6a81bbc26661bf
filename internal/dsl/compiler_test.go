package dsl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/dsl"
)

func compile(t *testing.T, doc string) string {
	t.Helper()
	node, err := dsl.Parse([]byte(doc))
	require.NoError(t, err)
	sql, err := node.Compile(dsl.DefaultCtx())
	require.NoError(t, err)
	return sql
}

func TestParseEmptyIsTrue(t *testing.T) {
	node, err := dsl.Parse(nil)
	require.NoError(t, err)
	sql, err := node.Compile(dsl.DefaultCtx())
	require.NoError(t, err)
	assert.Equal(t, "TRUE", sql)

	node, err = dsl.Parse([]byte("null"))
	require.NoError(t, err)
	sql, err = node.Compile(dsl.DefaultCtx())
	require.NoError(t, err)
	assert.Equal(t, "TRUE", sql)
}

func TestUnknownOpIsCompileTimeError(t *testing.T) {
	_, err := dsl.Parse([]byte(`{"op":"ransack","attr":"x","val":1}`))
	require.Error(t, err)
	var unknown *dsl.ErrUnknownOp
	assert.ErrorAs(t, err, &unknown)
}

func TestNumericComparisonCastsBothSides(t *testing.T) {
	sql := compile(t, `{"op":"<=","source":"resource","attr":"security_level","val":5}`)
	assert.Equal(t, `(resource.attributes->>'security_level')::numeric <= ('5')::numeric`, sql)
}

func TestPrincipalPlaceholderRewrite(t *testing.T) {
	sql := compile(t, `{"op":"<=","source":"resource","attr":"security_level","val":"$principal.level"}`)
	assert.Equal(t, `(resource.attributes->>'security_level') <= (p_ctx->'principal'->>'level')`, sql)
}

func TestBooleanComparisonCast(t *testing.T) {
	sql := compile(t, `{"op":"=","source":"resource","attr":"active","val":true}`)
	assert.Equal(t, `(resource.attributes->>'active')::boolean = ('true')::boolean`, sql)
}

func TestContextSource(t *testing.T) {
	sql := compile(t, `{"op":"=","source":"context","attr":"channel","val":"mobile"}`)
	assert.Equal(t, `(p_ctx->'context'->>'channel') = ('mobile')`, sql)
}

func TestGeometryAttrIsBareColumn(t *testing.T) {
	sql := compile(t, `{"op":"st_contains","source":"resource","attr":"geometry","val":"POINT(0 0)"}`)
	assert.Equal(t, `st_contains(resource.geometry, ST_GeomFromText('POINT(0 0)', 3857))`, sql)
}

func TestSpatialDWithinWithArgs(t *testing.T) {
	sql := compile(t, `{"op":"st_dwithin","source":"resource","attr":"geometry","val":"$context.location","args":5000}`)
	assert.Equal(t,
		`ST_DWithin(resource.geometry, ST_GeomFromText(p_ctx->'context'->>'location', 3857), 5000)`,
		sql)
}

func TestSpatialDWithinDefaultsArgsToZero(t *testing.T) {
	sql := compile(t, `{"op":"st_dwithin","source":"resource","attr":"geometry","val":"POINT(0 0)"}`)
	assert.Contains(t, sql, ", 0)")
}

func TestNonBareGeometryLHSIsWrapped(t *testing.T) {
	sql := compile(t, `{"op":"st_within","source":"principal","attr":"home","val":"POINT(0 0)"}`)
	assert.Equal(t,
		`st_within(ST_GeomFromText(p_ctx->'principal'->>'home', 3857), ST_GeomFromText('POINT(0 0)', 3857))`,
		sql)
}

func TestInLowersToAnyOverJsonbElements(t *testing.T) {
	sql := compile(t, `{"op":"in","source":"resource","attr":"tag","val":["a","b"]}`)
	assert.Equal(t,
		`(resource.attributes->>'tag') = ANY(ARRAY(SELECT jsonb_array_elements_text('["a","b"]'::jsonb)))`,
		sql)
}

func TestNotInLowersToAllNegated(t *testing.T) {
	sql := compile(t, `{"op":"not_in","source":"resource","attr":"tag","val":["a","b"]}`)
	assert.Equal(t,
		`(resource.attributes->>'tag') <> ALL(ARRAY(SELECT jsonb_array_elements_text('["a","b"]'::jsonb)))`,
		sql)
}

func TestAllLowersToContainment(t *testing.T) {
	sql := compile(t, `{"op":"all","source":"resource","attr":"tags","val":["a","b"]}`)
	assert.Equal(t, `'["a","b"]'::jsonb <@ (resource.attributes->>'tags')::jsonb`, sql)
}

func TestAndOrComposition(t *testing.T) {
	sql := compile(t, `{"op":"and","conditions":[
		{"op":"=","attr":"a","val":1},
		{"op":"or","conditions":[{"op":"=","attr":"b","val":2},{"op":"=","attr":"c","val":3}]}
	]}`)
	assert.Equal(t,
		`((resource.attributes->>'a')::numeric = ('1')::numeric AND ((resource.attributes->>'b')::numeric = ('2')::numeric OR (resource.attributes->>'c')::numeric = ('3')::numeric))`,
		sql)
}

func TestNotWrapsSingleChild(t *testing.T) {
	sql := compile(t, `{"op":"not","conditions":[{"op":"=","attr":"a","val":1}]}`)
	assert.Equal(t, `NOT ((resource.attributes->>'a')::numeric = ('1')::numeric)`, sql)
}

func TestNotRejectsMultipleChildren(t *testing.T) {
	_, err := dsl.Parse([]byte(`{"op":"not","conditions":[{"op":"=","attr":"a","val":1},{"op":"=","attr":"b","val":2}]}`))
	require.Error(t, err)
}

func TestLiteralQuotingEscapesSingleQuotes(t *testing.T) {
	sql := compile(t, `{"op":"=","source":"resource","attr":"name","val":"O'Brien"}`)
	assert.Equal(t, `(resource.attributes->>'name') = ('O''Brien')`, sql)
}

func TestStableOutputForEqualInput(t *testing.T) {
	doc := []byte(`{"op":"and","conditions":[{"op":"=","attr":"a","val":1}]}`)
	n1, err := dsl.Parse(doc)
	require.NoError(t, err)
	n2, err := dsl.Parse(doc)
	require.NoError(t, err)
	sql1, err := n1.Compile(dsl.DefaultCtx())
	require.NoError(t, err)
	sql2, err := n2.Compile(dsl.DefaultCtx())
	require.NoError(t, err)
	assert.Equal(t, sql1, sql2)
}
