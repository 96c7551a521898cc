package adapter

import (
	"bytes"
	"encoding/json"
)

// wireFields are the protocol's own field names that snake_case adapters
// spell differently. Agent content (updates, tool input, _meta) is never
// renamed.
var wireFields = []string{
	"sessionId",
	"modeId",
	"modelId",
	"methodId",
	"optionId",
	"mcpServers",
	"toolCall",
	"terminalId",
	"outputByteLimit",
	"exitStatus",
	"exitCode",
	"stopReason",
	"protocolVersion",
	"agentCapabilities",
	"authMethods",
	"currentModeId",
	"availableModes",
	"currentModelId",
	"availableModels",
}

// structural fields hold protocol objects whose own field names are renamed
// too. Every other value is passed through byte for byte.
var structural = map[string]bool{
	"modes":           true,
	"models":          true,
	"availableModes":  true,
	"availableModels": true,
	"authMethods":     true,
	"options":         true,
	"outcome":         true,
	"exitStatus":      true,
}

var (
	toWire   = make(map[string]string, len(wireFields))
	fromWire = make(map[string]string, len(wireFields))
)

func init() {
	for _, camel := range wireFields {
		snake := toSnake(camel)
		toWire[camel] = snake
		fromWire[snake] = camel
	}
}

// Shape marshals v. For snake_case profiles the top-level protocol field
// names are renamed; nested values are sent as given.
func (p *Profile) Shape(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if !p.SnakeCase {
		return data, nil
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return data, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(fields))
	for k, val := range fields {
		out[p.Key(k)] = val
	}
	return json.Marshal(out)
}

// Envelope maps a payload from a snake_case adapter back to the camelCase
// protocol field names. Payloads from other profiles are returned unchanged,
// as is anything that is not a JSON object or array.
func (p *Profile) Envelope(raw json.RawMessage) json.RawMessage {
	if !p.SnakeCase {
		return raw
	}
	out, ok := camelEnvelope(raw)
	if !ok {
		return raw
	}
	return out
}

func camelEnvelope(raw json.RawMessage) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return raw, false
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return raw, false
		}
		for i, item := range items {
			if converted, ok := camelEnvelope(item); ok {
				items[i] = converted
			}
		}
		out, err := json.Marshal(items)
		return out, err == nil
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return raw, false
		}
		out := make(map[string]json.RawMessage, len(fields))
		for k, val := range fields {
			key := k
			if camel, ok := fromWire[k]; ok {
				if _, clash := fields[camel]; !clash {
					key = camel
				}
			}
			if structural[key] {
				if converted, ok := camelEnvelope(val); ok {
					val = converted
				}
			}
			out[key] = val
		}
		data, err := json.Marshal(out)
		return data, err == nil
	}
	return raw, false
}
