package tool

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ParseArguments decodes the JSON-string argument payload of a tool call.
// Decoding never hard-fails: strict JSON is preferred, then a repaired
// parse (models routinely emit slightly broken JSON), and finally the
// original text is preserved as a single raw string argument.
func ParseArguments(raw string) map[string]any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}
	}

	if args, ok := decodeArguments(trimmed); ok {
		return args
	}

	if repaired, err := jsonrepair.JSONRepair(trimmed); err == nil {
		if args, ok := decodeArguments(repaired); ok {
			return args
		}
	}

	return map[string]any{"raw": raw}
}

// decodeArguments parses JSON and lifts non-object values into an argument
// map so every well-formed payload yields a usable shape.
func decodeArguments(text string) (map[string]any, bool) {
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return nil, false
	}
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case nil:
		return map[string]any{}, true
	default:
		return map[string]any{"value": typed}, true
	}
}

// CoerceCallInput adapts the loose input shapes accepted by generated
// server proxies into the argument map forwarded over the transport:
// objects pass through, JSON strings are parsed (falling back to
// {"raw": original}), primitives are wrapped as {"value": primitive},
// and nil is forwarded as-is.
func CoerceCallInput(input any) any {
	switch typed := input.(type) {
	case nil:
		return nil
	case map[string]any:
		return typed
	case string:
		var value any
		if err := json.Unmarshal([]byte(typed), &value); err != nil {
			return map[string]any{"raw": typed}
		}
		return value
	default:
		return map[string]any{"value": typed}
	}
}
