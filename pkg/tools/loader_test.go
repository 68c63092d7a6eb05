package tools

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleToolFile = `
tools:
  - name: open_garage
    description: Open the garage door
    classification: async
    timeout: 45s
    binding:
      service: homeassistant
      action: cover.open_cover
      fixed:
        entity_id: cover.garage
  - name: get_temperature
    description: Read a temperature sensor
    classification: sync
    binding:
      service: homeassistant
      action: state.get
    parameters:
      - name: entity_id
        type: string
        required: true
      - name: unit
        type: string
        enum: [celsius, fahrenheit]
        default: celsius
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleToolFile), 0o600))

	descs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, descs, 2)

	assert.Equal(t, "open_garage", descs[0].Name)
	assert.Equal(t, ClassificationAsync, descs[0].Classification)
	assert.Equal(t, 45*time.Second, descs[0].Timeout)
	assert.Equal(t, "cover.garage", descs[0].Binding.Fixed["entity_id"])

	p, ok := descs[1].Parameter("unit")
	require.True(t, ok)
	assert.Equal(t, []string{"celsius", "fahrenheit"}, p.Enum)
	assert.Equal(t, "celsius", p.Default)
}

func TestParse_RejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("tools:\n  - name: x\n    classification: later\n    binding: {service: s}\n"))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultDescriptorsAreValid(t *testing.T) {
	seen := map[string]bool{}
	for _, d := range DefaultDescriptors() {
		require.NoError(t, d.Validate(), d.Name)
		assert.False(t, seen[d.Name])
		seen[d.Name] = true
	}
	assert.True(t, seen["play_music"])
	assert.True(t, seen["turn_on_light"])
}

func TestBuildSchema(t *testing.T) {
	descs, err := Parse([]byte(sampleToolFile))
	require.NoError(t, err)

	m, err := SchemaMap(descs[1])
	require.NoError(t, err)
	assert.Equal(t, "object", m["type"])
	assert.Equal(t, []any{"entity_id"}, m["required"])

	props := m["properties"].(map[string]any)
	unit := props["unit"].(map[string]any)
	assert.Equal(t, []any{"celsius", "fahrenheit"}, unit["enum"])
	assert.Equal(t, "celsius", unit["default"])

	b, err := json.Marshal(BuildSchema(descs[0]))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"object"`)
}
