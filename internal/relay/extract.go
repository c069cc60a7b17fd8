package relay

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DefaultTextKeys are tried in order before any configured aliases.
var DefaultTextKeys = []string{"text", "message", "content", "raw"}

// Extract turns a decoded payload into one delivery string. It never fails.
//
// Precedence: the first candidate key holding a non-blank string, then the
// "messages" list joined by newlines, then the "value" fields of "outputs"
// joined by blank lines, and finally the whole document as indented JSON.
// Values of the wrong type are skipped, never coerced.
func Extract(doc map[string]any, extraKeys ...string) string {
	for _, k := range candidateKeys(extraKeys) {
		if s, ok := doc[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}

	if items, ok := doc["messages"].([]any); ok {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			if s := strings.TrimSpace(stringify(it)); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}

	if outs, ok := doc["outputs"].([]any); ok {
		parts := make([]string, 0, len(outs))
		for _, o := range outs {
			m, ok := o.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := m["value"].(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					parts = append(parts, s)
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n\n")
		}
	}

	return prettyJSON(doc)
}

func candidateKeys(extra []string) []string {
	if len(extra) == 0 {
		return DefaultTextKeys
	}
	keys := make([]string, 0, len(DefaultTextKeys)+len(extra))
	keys = append(keys, DefaultTextKeys...)
	for _, k := range extra {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// stringify renders one "messages" item. Strings pass through, null renders
// as "None", everything else is compact JSON.
func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return "None"
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimRight(buf.String(), "\n")
}

func prettyJSON(v any) string {
	if v == nil {
		v = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimRight(buf.String(), "\n")
}
