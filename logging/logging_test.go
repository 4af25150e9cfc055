package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, ok := ParseLevel(" Debug ")
	assert.True(t, ok)
	assert.Equal(t, zerolog.DebugLevel, lvl)

	_, ok = ParseLevel("")
	assert.False(t, ok)
	_, ok = ParseLevel("loud")
	assert.False(t, ok)
}

func TestNew_EnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvLogJSON, "true")

	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Out = &buf
	log := New("airbrush-test", cfg)

	log.Info().Msg("hidden")
	log.Warn().Str("port", "/dev/ttyACM0").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "airbrush-test", line["app"])
	assert.Equal(t, "/dev/ttyACM0", line["port"])
}
