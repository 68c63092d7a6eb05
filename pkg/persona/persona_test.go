package persona

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinResolve(t *testing.T) {
	l := Builtin()
	assert.Equal(t, "buddy", l.Default())
	assert.Equal(t, []string{"buddy", "jax", "lomi"}, l.Names())

	p, ok := l.Resolve("JAX")
	assert.True(t, ok)
	assert.Equal(t, "jax", p.Name)

	p, ok = l.Resolve("nobody")
	assert.False(t, ok)
	assert.Equal(t, "buddy", p.Name)

	// resolved personas are copies
	p.Traits[0] = "mutated"
	again, _ := l.Resolve("buddy")
	assert.Equal(t, "enthusiastic", again.Traits[0])
}

func TestRenderDefaultTemplate(t *testing.T) {
	p, _ := Builtin().Resolve("lomi")
	out, err := Render(p, Data{
		Now:      time.Date(2025, 8, 29, 21, 5, 0, 0, time.UTC),
		Tools:    []string{"turn_on_light", "play_music"},
		Location: "Black Rock City",
		Context:  map[string]string{"device_id": "satellite-1"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "You are Lomi,")
	assert.Contains(t, out, "dramatic, warm, theatrical")
	assert.Contains(t, out, "Friday, August 29 at 9:05 PM in Black Rock City")
	assert.Contains(t, out, "turn_on_light, play_music")
	assert.Contains(t, out, "device_id: satellite-1")
}

func TestRenderCustomTemplateWithSprig(t *testing.T) {
	p := Persona{Name: "zorp", Template: `{{ .Persona.Name | upper }} {{ .Context.mood | default "calm" }}`}
	out, err := Render(p, Data{})
	require.NoError(t, err)
	assert.Equal(t, "ZORP calm", out)
}

func TestNewLibraryErrors(t *testing.T) {
	_, err := NewLibrary("x")
	assert.Error(t, err)
	_, err = NewLibrary("missing", Persona{Name: "a"})
	assert.Error(t, err)
	_, err = NewLibrary("a", Persona{Name: "a", Template: "{{ .Broken "})
	assert.Error(t, err)
	_, err = NewLibrary("a", Persona{Name: ""})
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default: zorp
personas:
  - name: zorp
    description: an alien visiting from a distant glitch.
    traits: [curious]
  - name: mono
    description: a minimalist.
`), 0o644))

	l, err := LoadFile(path, "")
	require.NoError(t, err)
	assert.Equal(t, "zorp", l.Default())

	l, err = LoadFile(path, "mono")
	require.NoError(t, err)
	assert.Equal(t, "mono", l.Default())

	_, err = LoadFile(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)
}
