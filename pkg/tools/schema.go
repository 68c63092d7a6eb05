package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// BuildSchema renders the parameter list of a tool as a JSON schema object, the
// shape function-calling models expect.
func BuildSchema(d Descriptor) *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:        "object",
		Description: d.Description,
		Properties:  jsonschema.NewProperties(),
	}
	for _, p := range d.Parameters {
		prop := &jsonschema.Schema{
			Type:        string(p.Type),
			Description: p.Description,
			Default:     p.Default,
		}
		for _, e := range p.Enum {
			prop.Enum = append(prop.Enum, e)
		}
		if p.Type == ParamArray {
			prop.Items = &jsonschema.Schema{}
		}
		schema.Properties.Set(p.Name, prop)
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return schema
}

// SchemaMap converts the schema into a plain map for provider SDKs that take
// untyped parameters.
func SchemaMap(d Descriptor) (map[string]any, error) {
	b, err := json.Marshal(BuildSchema(d))
	if err != nil {
		return nil, errors.Wrapf(err, "marshal schema for %s", d.Name)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrapf(err, "unmarshal schema for %s", d.Name)
	}
	return m, nil
}
