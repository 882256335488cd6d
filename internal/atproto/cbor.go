package atproto

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// decodeMap decodes a DAG-CBOR record body into a generic field map. AT
// Protocol records are always CBOR maps with text-string keys, so
// fxamacker/cbor hands back map[string]interface{} directly.
func decodeMap(data []byte) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode record body: %w", err)
	}
	return m, nil
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getOptString(m map[string]interface{}, key string) *string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return &s
		}
	}
	return nil
}

func getStringSlice(m map[string]interface{}, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getBool(m map[string]interface{}, key string, def bool) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// getNumericAsFloat implements the original's flexible-confidence decode:
// CBOR may encode a number as an unsigned int, a signed int, or a float
// depending on what the writer chose, and callers must accept any of them.
func getNumericAsFloat(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func getIntOrDefault(m map[string]interface{}, key string, def int) int {
	f, ok := getNumericAsFloat(m, key)
	if !ok {
		return def
	}
	return int(f)
}

func getInt64OrDefault(m map[string]interface{}, key string, def int64) int64 {
	f, ok := getNumericAsFloat(m, key)
	if !ok {
		return def
	}
	return int64(f)
}

func getOptInt64(m map[string]interface{}, key string) *int64 {
	f, ok := getNumericAsFloat(m, key)
	if !ok {
		return nil
	}
	v := int64(f)
	return &v
}

func getTime(m map[string]interface{}, key string) time.Time {
	s := getString(m, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func getOptTime(m map[string]interface{}, key string) *time.Time {
	s := getOptString(m, key)
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	return &t
}
