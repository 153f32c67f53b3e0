// ABOUTME: Tests for argument parsing and the typed accessors
// ABOUTME: Covers defaults, null handling, integer coercion, and canonical keys

package tools

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustArgs(t *testing.T, raw string) Args {
	t.Helper()
	args, err := ParseArgs(json.RawMessage(raw))
	require.NoError(t, err)
	return args
}

func TestParseArgs_EmptyInputs(t *testing.T) {
	for _, raw := range []string{"", "  ", "null", "{}"} {
		args := mustArgs(t, raw)
		assert.Equal(t, "{}", args.Canonical(), raw)
	}
}

func TestParseArgs_RejectsNonObjects(t *testing.T) {
	for _, raw := range []string{`[]`, `"x"`, `42`, `{`} {
		_, err := ParseArgs(json.RawMessage(raw))
		assert.ErrorIs(t, err, ErrInvalidArgument, raw)
	}
}

func TestArgs_Canonical(t *testing.T) {
	a := mustArgs(t, `{"b": 2, "a": {"y": 1, "x": 2}}`)
	b := mustArgs(t, `{"a":{"x":2,"y":1},"b":2}`)
	assert.Equal(t, a.Canonical(), b.Canonical())
}

func TestArgs_String(t *testing.T) {
	args := mustArgs(t, `{"name":"abc","empty":null,"num":5}`)

	v, err := args.String("name", "def")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	v, err = args.String("empty", "def")
	require.NoError(t, err)
	assert.Equal(t, "def", v)

	v, err = args.String("missing", "def")
	require.NoError(t, err)
	assert.Equal(t, "def", v)

	_, err = args.String("num", "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "num", verr.Field)
}

func TestArgs_Int64(t *testing.T) {
	args := mustArgs(t, `{"whole":5.0,"frac":2.5,"str":"5","big":1e300}`)

	v, err := args.Int64("whole", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	v, err = args.Int64("missing", 9)
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)

	for _, field := range []string{"frac", "str", "big"} {
		_, err := args.Int64(field, 0)
		assert.ErrorIs(t, err, ErrInvalidArgument, field)
	}

	opt, err := args.OptionalInt64("missing")
	require.NoError(t, err)
	assert.Nil(t, opt)
}

func TestArgs_Int64_Bounds(t *testing.T) {
	args := mustArgs(t, `{"max":9223372036854775807,"min":-9223372036854775808,"exp":1e3,`+
		`"over":9223372036854775808,"overexp":9.223372036854775808e18,"under":-9223372036854775809,"huge":1e400}`)

	v, err := args.Int64("max", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), v)

	v, err = args.Int64("min", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), v)

	v, err = args.Int64("exp", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), v)

	for _, field := range []string{"over", "overexp", "under", "huge"} {
		_, err := args.Int64(field, 0)
		assert.ErrorIs(t, err, ErrInvalidArgument, field)
	}
}

func TestArgs_StringSlice(t *testing.T) {
	args := mustArgs(t, `{"list":["a","b"],"bad":[1]}`)

	v, err := args.StringSlice("list")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, v)

	v, err = args.StringSlice("missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = args.StringSlice("bad")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestArgs_TTL(t *testing.T) {
	ttl, err := mustArgs(t, `{}`).TTL(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ttl)

	ttl, err = mustArgs(t, `{"ttl_ms":0}`).TTL(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ttl)

	ttl, err = mustArgs(t, `{"ttl_ms":250}`).TTL(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, ttl)

	_, err = mustArgs(t, `{"ttl_ms":-1}`).TTL(time.Second)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestArgs_Window(t *testing.T) {
	anchor, windowMs, err := mustArgs(t, `{}`).Window()
	require.NoError(t, err)
	assert.Nil(t, anchor)
	assert.Equal(t, int64(0), windowMs)

	anchor, windowMs, err = mustArgs(t, `{"anchor_ts_ms":125000,"window_ms":5000}`).Window()
	require.NoError(t, err)
	require.NotNil(t, anchor)
	assert.Equal(t, int64(125_000), *anchor)
	assert.Equal(t, int64(5000), windowMs)

	_, _, err = mustArgs(t, `{"window_ms":-5}`).Window()
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, _, err = mustArgs(t, `{"anchor_ts_ms":"soon"}`).Window()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
