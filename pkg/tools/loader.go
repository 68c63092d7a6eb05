package tools

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type toolFile struct {
	Tools []Descriptor `yaml:"tools"`
}

// LoadFile reads tool descriptors from a YAML file of the form
//
//	tools:
//	  - name: turn_on_light
//	    classification: sync
//	    binding: {service: homeassistant, action: light.turn_on}
//	    parameters:
//	      - {name: entity_id, type: string, required: true}
func LoadFile(path string) ([]Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read tool file %s", path)
	}
	return Parse(b)
}

func Parse(b []byte) ([]Descriptor, error) {
	var f toolFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "parse tool file")
	}
	for _, d := range f.Tools {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Tools, nil
}

// DefaultDescriptors is the built-in tool set used when no tool file is configured.
func DefaultDescriptors() []Descriptor {
	entity := Parameter{Name: "entity_id", Type: ParamString, Required: true, Description: "Home Assistant entity id, e.g. light.kitchen"}
	return []Descriptor{
		{
			Name:           "turn_on_light",
			Description:    "Turn on a light, optionally setting brightness and color.",
			Classification: ClassificationSync,
			Parameters: []Parameter{
				entity,
				{Name: "brightness", Type: ParamInteger, Description: "Brightness from 0 to 255"},
				{Name: "color_name", Type: ParamString, Description: "CSS color name"},
			},
			Binding: Binding{Service: "homeassistant", Action: "light.turn_on"},
			Tags:    []string{"lighting"},
		},
		{
			Name:           "turn_off_light",
			Description:    "Turn off a light.",
			Classification: ClassificationSync,
			Parameters:     []Parameter{entity},
			Binding:        Binding{Service: "homeassistant", Action: "light.turn_off"},
			Tags:           []string{"lighting"},
		},
		{
			Name:           "get_light_state",
			Description:    "Read the current state of a light.",
			Classification: ClassificationSync,
			Parameters:     []Parameter{entity},
			Binding:        Binding{Service: "homeassistant", Action: "state.get"},
			Tags:           []string{"lighting", "read"},
		},
		{
			Name:           "set_volume",
			Description:    "Set the volume of a media player.",
			Classification: ClassificationSync,
			Parameters: []Parameter{
				entity,
				{Name: "volume_level", Type: ParamNumber, Required: true, Description: "Volume between 0.0 and 1.0"},
			},
			Binding: Binding{Service: "homeassistant", Action: "media_player.volume_set"},
			Tags:    []string{"media"},
		},
		{
			Name:           "get_current_time",
			Description:    "Get the current local date and time.",
			Classification: ClassificationSync,
			Binding:        Binding{Service: "system", Action: "time.now"},
			Timeout:        500 * time.Millisecond,
			Tags:           []string{"read"},
		},
		{
			Name:           "play_music",
			Description:    "Start playing music on the jukebox. Takes a while to start.",
			Classification: ClassificationAsync,
			Parameters: []Parameter{
				{Name: "media_id", Type: ParamString, Required: true, Description: "Song, album or playlist to play"},
				{Name: "entity_id", Type: ParamString, Default: "media_player.jukebox", Description: "Media player entity"},
			},
			Binding: Binding{
				Service: "homeassistant",
				Action:  "media_player.play_media",
				Fixed:   map[string]any{"media_content_type": "music"},
			},
			Timeout: 30 * time.Second,
			Tags:    []string{"media"},
		},
		{
			Name:           "run_script",
			Description:    "Run a Home Assistant script such as a light show.",
			Classification: ClassificationAsync,
			Parameters: []Parameter{
				{Name: "entity_id", Type: ParamString, Required: true, Description: "Script entity, e.g. script.rainbow"},
				{Name: "mode", Type: ParamString, Enum: []string{"start", "restart"}, Default: "start"},
			},
			Binding: Binding{Service: "homeassistant", Action: "script.turn_on"},
			Timeout: 30 * time.Second,
			Tags:    []string{"automation"},
		},
	}
}
