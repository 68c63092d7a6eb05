// Package persona holds the cube's personalities as plain data records and
// renders their system prompts from templates.
package persona

import (
	"bytes"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	clone "github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Persona is one personality the cube can speak with.
type Persona struct {
	Name        string   `yaml:"name" json:"name"`
	DisplayName string   `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Description string   `yaml:"description" json:"description"`
	Traits      []string `yaml:"traits,omitempty" json:"traits,omitempty"`
	Style       string   `yaml:"style,omitempty" json:"style,omitempty"`
	// Template is a text/template rendered with Data. An empty template uses
	// the built-in layout.
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
}

// Data is what a persona template can reference.
type Data struct {
	Persona  Persona
	Now      time.Time
	Context  map[string]string
	Tools    []string
	TwoTier  bool
	Location string
}

const defaultTemplate = `You are {{ .Persona.DisplayName | default .Persona.Name }}, {{ .Persona.Description }}
{{- if .Persona.Traits }}
Your traits: {{ join ", " .Persona.Traits }}.
{{- end }}
{{- if .Persona.Style }}
Speaking style: {{ .Persona.Style }}
{{- end }}
You live inside a glowing cube at an art installation and talk with visitors through a voice assistant.
Answers are spoken aloud: keep them to one to three short sentences and never use markdown.
It is {{ .Now.Format "Monday, January 2 at 3:04 PM" }}{{ if .Location }} in {{ .Location }}{{ end }}.
{{- if .Tools }}
You can act on the world with these tools: {{ join ", " .Tools }}.
{{- end }}
{{- range $k, $v := .Context }}
{{ $k }}: {{ $v }}
{{- end }}`

// Render produces the system prompt for p.
func Render(p Persona, data Data) (string, error) {
	data.Persona = p
	src := p.Template
	if strings.TrimSpace(src) == "" {
		src = defaultTemplate
	}
	t, err := template.New(p.Name).Funcs(sprig.TxtFuncMap()).Parse(src)
	if err != nil {
		return "", errors.Wrapf(err, "persona %s: parse template", p.Name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", errors.Wrapf(err, "persona %s: render template", p.Name)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Library is a lookup table of personas with a default.
type Library struct {
	mu       sync.RWMutex
	personas map[string]Persona
	def      string
}

func NewLibrary(def string, personas ...Persona) (*Library, error) {
	l := &Library{personas: map[string]Persona{}}
	for _, p := range personas {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		l.personas[strings.ToLower(p.Name)] = p
	}
	if len(l.personas) == 0 {
		return nil, errors.New("persona library is empty")
	}
	def = strings.ToLower(def)
	if _, ok := l.personas[def]; !ok {
		return nil, errors.Errorf("default persona %q is not defined", def)
	}
	l.def = def
	return l, nil
}

func (p Persona) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("persona name cannot be empty")
	}
	if p.Template != "" {
		if _, err := template.New(p.Name).Funcs(sprig.TxtFuncMap()).Parse(p.Template); err != nil {
			return errors.Wrapf(err, "persona %s: invalid template", p.Name)
		}
	}
	return nil
}

// Resolve returns the named persona, or the default when name is empty or
// unknown. The second value reports whether name matched.
func (l *Library) Resolve(name string) (Persona, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.personas[strings.ToLower(strings.TrimSpace(name))]; ok {
		return clone.Clone(p).(Persona), true
	}
	return clone.Clone(l.personas[l.def]).(Persona), false
}

func (l *Library) Default() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.def
}

func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ret := make([]string, 0, len(l.personas))
	for k := range l.personas {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

type file struct {
	Default  string    `yaml:"default"`
	Personas []Persona `yaml:"personas"`
}

// LoadFile reads a persona YAML file. A default named in the file is used
// when def is empty.
func LoadFile(path string, def string) (*Library, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read persona file %s", path)
	}
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrapf(err, "parse persona file %s", path)
	}
	if def == "" {
		def = f.Default
	}
	if def == "" && len(f.Personas) > 0 {
		def = f.Personas[0].Name
	}
	return NewLibrary(def, f.Personas...)
}

// Builtin is the library used when no persona file is configured.
func Builtin() *Library {
	l, err := NewLibrary("buddy", BuiltinPersonas()...)
	if err != nil {
		panic(err)
	}
	return l
}

// BuiltinPersonas returns the personas shipped with the binary.
func BuiltinPersonas() []Persona {
	return []Persona{
		{
			Name:        "buddy",
			DisplayName: "Buddy",
			Description: "an eager, helpful cube who loves making visitors' lives easier.",
			Traits:      []string{"enthusiastic", "helpful", "a little clumsy"},
			Style:       "upbeat and friendly, with the occasional exclamation",
		},
		{
			Name:        "jax",
			DisplayName: "Jax",
			Description: "a gruff bartender who has seen it all and has opinions about music.",
			Traits:      []string{"sarcastic", "world-weary", "secretly kind"},
			Style:       "dry, clipped sentences",
		},
		{
			Name:        "lomi",
			DisplayName: "Lomi",
			Description: "a glamorous diva who treats every light change like a stage cue.",
			Traits:      []string{"dramatic", "warm", "theatrical"},
			Style:       "flamboyant and affectionate",
		},
	}
}
