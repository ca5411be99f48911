package httpstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Payloads are stored with snake_case keys on the device and travel with
// camelCase keys on the wire. The conversion is applied recursively to object
// keys only; values, including numbers, are preserved exactly.

func toWirePayload(local json.RawMessage) (json.RawMessage, error) {
	return rewriteKeys(local, snakeToCamel)
}

func fromWirePayload(wire json.RawMessage) (json.RawMessage, error) {
	return rewriteKeys(wire, camelToSnake)
}

func rewriteKeys(raw json.RawMessage, rename func(string) string) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return raw, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	encoded, err := json.Marshal(renameKeys(value, rename))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return encoded, nil
}

func renameKeys(value any, rename func(string) string) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, nested := range typed {
			out[rename(key)] = renameKeys(nested, rename)
		}
		return out
	case []any:
		for index, nested := range typed {
			typed[index] = renameKeys(nested, rename)
		}
		return typed
	default:
		return value
	}
}

func snakeToCamel(key string) string {
	if !strings.Contains(key, "_") {
		return key
	}
	parts := strings.Split(key, "_")
	var builder strings.Builder
	builder.WriteString(parts[0])
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		runes := []rune(part)
		runes[0] = unicode.ToUpper(runes[0])
		builder.WriteString(string(runes))
	}
	return builder.String()
}

func camelToSnake(key string) string {
	var builder strings.Builder
	for index, r := range key {
		if unicode.IsUpper(r) {
			if index > 0 {
				builder.WriteByte('_')
			}
			builder.WriteRune(unicode.ToLower(r))
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
