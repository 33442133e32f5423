package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardroom/internal/logging"
)

func TestParseLevel(t *testing.T) {
	lvl, ok := logging.ParseLevel(" Warning ")
	assert.True(t, ok)
	assert.Equal(t, zerolog.WarnLevel, lvl)
	_, ok = logging.ParseLevel("")
	assert.False(t, ok)
	_, ok = logging.ParseLevel("loud")
	assert.False(t, ok)
}

func TestJSONLoggerHonorsLevelAndEnv(t *testing.T) {
	t.Setenv(logging.EnvLogLevel, "")
	var buf bytes.Buffer
	log := logging.New(logging.Options{Level: "warn", JSON: true, Out: &buf})
	log.Info().Msg("hidden")
	log.Warn().Str("run_id", "run_1").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "run_1", line["run_id"])
	assert.Equal(t, "boardroom", line["app"])

	t.Setenv(logging.EnvLogLevel, "debug")
	buf.Reset()
	log = logging.New(logging.Options{Level: "error", JSON: true, Out: &buf})
	log.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}
