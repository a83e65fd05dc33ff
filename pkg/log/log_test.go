package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	return &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

// The helpers must stay chainable without an intermediate variable.
func TestWithComponentChains(t *testing.T) {
	buf := capture(t)

	WithComponent("controller").Info().Str("loop", "reconcile").Msg("tick")

	entry := lastEntry(t, buf)
	assert.Equal(t, "controller", entry["component"])
	assert.Equal(t, "reconcile", entry["loop"])
	assert.Equal(t, "tick", entry["message"])
}

func TestWithDeploymentChains(t *testing.T) {
	buf := capture(t)

	WithDeployment("20260115-120000").Warn().Msg("deploy timeout exceeded")

	entry := lastEntry(t, buf)
	assert.Equal(t, "20260115-120000", entry["deployment_id"])
	assert.Equal(t, "warn", entry["level"])
}

func TestWithProjectChains(t *testing.T) {
	buf := capture(t)

	WithProject("3c3d").Error().Msg("request failed")

	entry := lastEntry(t, buf)
	assert.Equal(t, "3c3d", entry["project_id"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithComponent("api").Debug().Msg("dropped")
	assert.Zero(t, buf.Len())

	WithComponent("api").Warn().Msg("kept")
	assert.NotZero(t, buf.Len())
}
