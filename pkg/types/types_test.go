package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderOptions_Normalize_Defaults(t *testing.T) {
	var opts RenderOptions
	opts.Normalize()

	assert.Equal(t, 1280, opts.Width)
	assert.Equal(t, 720, opts.Height)
	assert.Equal(t, FormatPNG, opts.Format)
	assert.Equal(t, "transparent", opts.Background)
	assert.Equal(t, "fit", opts.Framing)
	assert.False(t, opts.Isometric)
}

func TestRenderOptions_Normalize_KeepsExplicitValues(t *testing.T) {
	opts := RenderOptions{
		Width:      640,
		Height:     480,
		Format:     FormatJPEG,
		Isometric:  true,
		Background: "#112233",
		Framing:    "tight",
	}
	opts.Normalize()

	assert.Equal(t, 640, opts.Width)
	assert.Equal(t, 480, opts.Height)
	assert.Equal(t, FormatJPEG, opts.Format)
	assert.True(t, opts.Isometric)
	assert.Equal(t, "#112233", opts.Background)
	assert.Equal(t, "tight", opts.Framing)
}

func TestRenderOptions_CanonicalJSON_KeyOrderIndependence(t *testing.T) {
	// Same options written with shuffled key order must canonicalize
	// identically
	a, err := RenderOptionsFromJSON([]byte(`{"width":800,"height":600,"format":"png","isometric":true,"background":"white","framing":"fit"}`))
	require.NoError(t, err)

	b, err := RenderOptionsFromJSON([]byte(`{"framing":"fit","background":"white","isometric":true,"format":"png","height":600,"width":800}`))
	require.NoError(t, err)

	assert.Equal(t, a.CanonicalJSON(), b.CanonicalJSON())
	assert.Equal(t, a.OptionsKey(), b.OptionsKey())
}

func TestRenderOptions_OptionsKey_DistinguishesOptions(t *testing.T) {
	a := DefaultRenderOptions()
	b := DefaultRenderOptions()
	b.Isometric = true

	assert.NotEqual(t, a.OptionsKey(), b.OptionsKey())
}

func TestRenderOptions_OptionsKey_Format(t *testing.T) {
	key := DefaultRenderOptions().OptionsKey()
	assert.Len(t, key, 16)
}

func TestRenderOptionsFromJSON_Invalid(t *testing.T) {
	_, err := RenderOptionsFromJSON([]byte(`{"width":"not-a-number"}`))
	assert.Error(t, err)
}

func TestRenderOptionsFromJSON_AppliesDefaults(t *testing.T) {
	opts, err := RenderOptionsFromJSON([]byte(`{"width":100}`))
	require.NoError(t, err)

	assert.Equal(t, 100, opts.Width)
	assert.Equal(t, 720, opts.Height)
	assert.Equal(t, FormatPNG, opts.Format)
}

func TestCacheKey_String(t *testing.T) {
	key := CacheKey{InputHash: "abc", OptionsKey: "def"}
	assert.Equal(t, "abc:def", key.String())
}

func TestRenderKind_Valid(t *testing.T) {
	assert.True(t, KindImage.Valid())
	assert.True(t, KindVideo.Valid())
	assert.False(t, RenderKind("gif").Valid())
	assert.False(t, RenderKind("").Valid())
}

func TestDuration_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"2h", 2 * time.Hour},
		{"1d", 24 * time.Hour},
	}

	for _, tt := range tests {
		d, err := parseDuration(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.expected, d, tt.input)
	}
}

func TestDuration_ParseInvalid(t *testing.T) {
	_, err := parseDuration("forever")
	assert.Error(t, err)
}
