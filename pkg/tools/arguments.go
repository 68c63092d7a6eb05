package tools

import (
	"encoding/json"

	clone "github.com/huandu/go-clone"
)

// Arguments holds validated, coerced tool arguments. Every value has the Go
// type matching its declared ParamType: string, int64, float64, bool, []any or
// map[string]any.
type Arguments struct {
	values map[string]any
}

func newArguments(values map[string]any) Arguments {
	return Arguments{values: values}
}

func (a Arguments) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

func (a Arguments) String(name string) (string, bool) {
	v, ok := a.values[name].(string)
	return v, ok
}

func (a Arguments) Int(name string) (int64, bool) {
	v, ok := a.values[name].(int64)
	return v, ok
}

func (a Arguments) Float(name string) (float64, bool) {
	v, ok := a.values[name].(float64)
	return v, ok
}

func (a Arguments) Bool(name string) (bool, bool) {
	v, ok := a.values[name].(bool)
	return v, ok
}

func (a Arguments) Len() int {
	return len(a.values)
}

// Map returns a deep copy suitable for handing to a service client.
func (a Arguments) Map() map[string]any {
	if a.values == nil {
		return map[string]any{}
	}
	return clone.Clone(a.values).(map[string]any)
}

// Decode fills a per-tool parameter struct from the validated arguments.
func (a Arguments) Decode(into any) error {
	b, err := json.Marshal(a.values)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, into)
}

func (a Arguments) MarshalJSON() ([]byte, error) {
	if a.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a.values)
}
