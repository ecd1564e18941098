package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevels(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	l := New(Config{Level: "warn", Output: &buf})

	l.Info().Msg("hidden")
	assert.Zero(t, buf.Len(), "info should be filtered at warn level")

	l.Warn().Str("job_id", "j1").Msg("visible")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "j1", entry["job_id"])
	assert.Equal(t, "warn", entry["level"])
}

func TestSetupReplacesGlobal(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	Setup(Config{Level: "debug", Output: &buf})

	c := Component("store")
	c.Debug().Msg("hello")
	assert.Contains(t, buf.String(), `"component":"store"`)
}
