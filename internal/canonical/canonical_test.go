package canonical

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	out, err := Marshal(map[string]interface{}{
		"zulu":  1,
		"alpha": 2,
		"mike":  map[string]interface{}{"b": 1, "a": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mike":{"a":2,"b":1},"zulu":1}`, string(out))
}

func TestCanonicalizeRoundTripStable(t *testing.T) {
	raw := []byte(`{"b": 2, "a": [1, 2.5, "x"], "t": "2026-03-01T12:00:00Z"}`)
	once, err := Canonicalize(raw)
	require.NoError(t, err)
	twice, err := Canonicalize(once)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))

	// Parsing our own output and re-canonicalizing must be a fixpoint.
	var v interface{}
	require.NoError(t, json.Unmarshal(once, &v))
	again, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(again))
}

func TestStableHashDeterministic(t *testing.T) {
	a, err := StableHash(map[string]interface{}{"x": 1, "y": "z"})
	require.NoError(t, err)
	b, err := StableHash(map[string]interface{}{"y": "z", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	ts := time.Date(2026, 3, 1, 4, 0, 0, 0, loc)
	assert.Equal(t, "2026-03-01T12:00:00Z", FormatTime(ts))

	parsed, err := ParseTime("2026-03-01T12:00:00Z")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))
}
