//nolint:revive // types is a standard Go package name pattern
package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata_MergePatchWins(t *testing.T) {
	base := NewMetadata("a", 1, "b", "two")
	patch := NewMetadata("b", "patched", "c", true)

	merged := base.Merge(patch)

	assert.Equal(t, []string{"a", "b", "c"}, merged.Keys())
	v, ok := merged.Get("b")
	require.True(t, ok)
	assert.Equal(t, "patched", v)

	// Original untouched
	v, _ = base.Get("b")
	assert.Equal(t, "two", v)
	assert.Equal(t, 2, base.Len())
}

func TestMetadata_MergeNil(t *testing.T) {
	var base *Metadata
	merged := base.Merge(nil)
	assert.Equal(t, 0, merged.Len())

	merged = NewMetadata("x", 1).Merge(nil)
	assert.Equal(t, []string{"x"}, merged.Keys())
}

func TestMetadata_MergeIsShallow(t *testing.T) {
	base := NewMetadata("results", map[string]any{"1": "ok"})
	patch := NewMetadata("results", map[string]any{"2": "ng"})

	merged := base.Merge(patch)
	v, _ := merged.Get("results")
	assert.Equal(t, map[string]any{"2": "ng"}, v)
}

func TestMetadata_JSONPreservesOrder(t *testing.T) {
	m := NewMetadata("zeta", 1, "alpha", "x", "mid", []any{"a", "b"})

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":1,"alpha":"x","mid":["a","b"]}`, string(data))

	var decoded Metadata
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, decoded.Keys())
}

func TestMetadata_UnmarshalRejectsNonObject(t *testing.T) {
	var m Metadata
	err := json.Unmarshal([]byte(`[1,2]`), &m)
	assert.Error(t, err)
}

func TestMetadata_UnmarshalNull(t *testing.T) {
	var m Metadata
	require.NoError(t, json.Unmarshal([]byte(`null`), &m))
	assert.Equal(t, 0, m.Len())
}

func TestMetadata_TimeValuesNormalized(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	m := NewMetadata("start", ts, "nested", map[string]any{"end": ts})

	v, _ := m.Get("start")
	assert.Equal(t, "2024-05-01T12:30:00Z", v)
	nested, _ := m.Get("nested")
	assert.Equal(t, map[string]any{"end": "2024-05-01T12:30:00Z"}, nested)
}

func TestNewMetadata_OddArgsPanics(t *testing.T) {
	assert.Panics(t, func() { NewMetadata("a") })
}
