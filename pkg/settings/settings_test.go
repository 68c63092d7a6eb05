package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, ":4567", s.Server.Address)
	assert.Equal(t, "/api/v1/conversation", s.Server.Path)
	assert.Equal(t, 8*time.Second, s.Turn.Deadline)
	assert.Equal(t, 3*time.Second, s.Turn.ContinueDelay)
	assert.Equal(t, 20, s.Turn.HistoryLimit)
	assert.Equal(t, 3000, s.Turn.TokenBudget)
	assert.Equal(t, 3*time.Second, s.Tools.DefaultTimeout)
	assert.Equal(t, 4, s.Async.Workers)
	assert.Equal(t, 64, s.Async.QueueSize)
	assert.Equal(t, 60*time.Second, s.Async.Timeout)
	assert.Equal(t, 2, s.Async.Retry.MaxRetries)
	assert.Equal(t, llm.ModeTwoTier, s.LLM.Mode)
	assert.Equal(t, "openai", s.LLM.Narrative.Provider)
	assert.Equal(t, "memory", s.Store.Driver)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("GLITCHCUBE_TURN_DEADLINE", "5s")
	t.Setenv("GLITCHCUBE_LLM_MODE", "single-tier")
	t.Setenv("GLITCHCUBE_LLM_NARRATIVE_API_KEY", "sk-test")
	t.Setenv("GLITCHCUBE_TOOLS_ALLOWED", "turn_*, play_music")
	t.Setenv("GLITCHCUBE_HOMEASSISTANT_URL", "http://homeassistant.local:8123")

	s, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, s.Turn.Deadline)
	assert.Equal(t, llm.ModeSingleTier, s.LLM.Mode)
	assert.Equal(t, "sk-test", s.LLM.Narrative.APIKey)
	assert.Equal(t, []string{"turn_*", "play_music"}, s.Tools.Allowed)
	assert.Equal(t, "http://homeassistant.local:8123", s.HomeAssistant.URL)

	sc := s.ServerConfig()
	assert.Equal(t, 5*time.Second, sc.Deadline)
	assert.Equal(t, "glitchcube", sc.InstallationID)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
installation_id: playa-cube
store:
  driver: sqlite
  sqlite_path: /tmp/cube.db
async:
  workers: 2
  retry:
    max_retries: 5
persona:
  default: jax
`), 0o600))

	v := New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	s, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "playa-cube", s.InstallationID)
	assert.Equal(t, "sqlite", s.Store.Driver)
	assert.Equal(t, 2, s.Async.Workers)
	assert.Equal(t, 5, s.Async.Retry.MaxRetries)
	assert.Equal(t, time.Second, s.Async.Retry.BackoffBase)
	assert.Equal(t, "jax", s.Persona.Default)
}

func TestLoad_Invalid(t *testing.T) {
	for key, value := range map[string]string{
		"llm.mode":      "three-tier",
		"store.driver":  "postgres",
		"async.workers": "0",
	} {
		v := New()
		v.Set(key, value)
		_, err := Load(v)
		assert.Error(t, err, key)
	}
}
