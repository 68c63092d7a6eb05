package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
)

// Validate checks a proposal against the registry and returns a call whose
// arguments are coerced to the declared parameter types. The error is always a
// *ValidationError. Validate reads the registry and nothing else.
func Validate(p ToolCallProposal, reg Registry) (ValidatedToolCall, error) {
	d, ok := reg.Lookup(p.Name)
	if !ok {
		// models sometimes emit camelCase or spaced names
		normalized := strcase.ToSnake(strings.TrimSpace(p.Name))
		if normalized == p.Name {
			return ValidatedToolCall{}, unknownTool(p.Name)
		}
		d, ok = reg.Lookup(normalized)
		if !ok {
			return ValidatedToolCall{}, unknownTool(p.Name)
		}
	}

	values := make(map[string]any, len(d.Parameters))
	for _, param := range d.Parameters {
		raw, present := p.Arguments[param.Name]
		if !present || raw == nil {
			if param.Default != nil {
				raw = param.Default
			} else if param.Required {
				return ValidatedToolCall{}, invalidArgument(d.Name, param.Name, "required parameter is missing")
			} else {
				continue
			}
		}
		v, err := coerce(param.Type, raw)
		if err != nil {
			return ValidatedToolCall{}, invalidArgument(d.Name, param.Name, err.Error())
		}
		if len(param.Enum) > 0 && !inEnum(param.Enum, v) {
			return ValidatedToolCall{}, invalidArgument(d.Name, param.Name,
				fmt.Sprintf("%v is not one of %s", v, strings.Join(param.Enum, ", ")))
		}
		values[param.Name] = v
	}

	return ValidatedToolCall{
		CallID:         uuid.NewString(),
		ProposalID:     p.ID,
		Tool:           d.Name,
		Arguments:      newArguments(values),
		Classification: d.Classification,
		Binding:        d.Binding,
		Timeout:        d.Timeout,
	}, nil
}

func inEnum(enum []string, v any) bool {
	s := fmt.Sprint(v)
	for _, e := range enum {
		if e == s {
			return true
		}
	}
	return false
}

func coerce(t ParamType, raw any) (any, error) {
	switch t {
	case ParamString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case bool, float64, float32, int, int64, int32, json.Number:
			return fmt.Sprint(v), nil
		}
		return nil, fmt.Errorf("expected string, got %T", raw)

	case ParamInteger:
		switch v := raw.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			return integral(v)
		case float32:
			return integral(float64(v))
		case json.Number:
			return parseInteger(v.String())
		case string:
			return parseInteger(v)
		}
		return nil, fmt.Errorf("expected integer, got %T", raw)

	case ParamNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case int32:
			return float64(v), nil
		case json.Number:
			return parseNumber(v.String())
		case string:
			return parseNumber(v)
		}
		return nil, fmt.Errorf("expected number, got %T", raw)

	case ParamBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case float64:
			if v == 0 || v == 1 {
				return v == 1, nil
			}
		case int:
			if v == 0 || v == 1 {
				return v == 1, nil
			}
		case int64:
			if v == 0 || v == 1 {
				return v == 1, nil
			}
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "yes", "on", "1":
				return true, nil
			case "false", "no", "off", "0":
				return false, nil
			}
			return nil, fmt.Errorf("%q is not a boolean", v)
		}
		return nil, fmt.Errorf("expected boolean, got %v", raw)

	case ParamArray:
		switch v := raw.(type) {
		case []any:
			return v, nil
		case []string:
			out := make([]any, len(v))
			for i, s := range v {
				out[i] = s
			}
			return out, nil
		case string:
			var out []any
			if err := json.Unmarshal([]byte(v), &out); err != nil {
				return nil, fmt.Errorf("expected array, got unparseable string")
			}
			return out, nil
		}
		return nil, fmt.Errorf("expected array, got %T", raw)

	case ParamObject:
		switch v := raw.(type) {
		case map[string]any:
			return v, nil
		case string:
			var out map[string]any
			if err := json.Unmarshal([]byte(v), &out); err != nil || out == nil {
				return nil, fmt.Errorf("expected object, got unparseable string")
			}
			return out, nil
		}
		return nil, fmt.Errorf("expected object, got %T", raw)
	}
	return nil, fmt.Errorf("unsupported parameter type %q", t)
}

func integral(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, fmt.Errorf("%v is not an integer", f)
	}
	// 1<<63 is the first float64 above MaxInt64
	if f >= 1<<63 || f < math.MinInt64 {
		return nil, fmt.Errorf("%v is out of range", f)
	}
	return int64(f), nil
}

func parseInteger(s string) (any, error) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%q is not an integer", s)
	}
	return integral(f)
}

func parseNumber(s string) (any, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%q is not a number", s)
	}
	return f, nil
}
