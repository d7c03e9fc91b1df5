package merge

import (
	"encoding/json"
	"reflect"
)

// mergeJSONValues unions structured key-value documents per key. Values
// are visited in merge order, later documents overwriting earlier keys,
// so the duplicates win over the survivor under the default order.
func mergeJSONValues(values []any) (any, bool) {
	merged := make(map[string]any)
	seen := false
	for _, v := range values {
		doc, ok := decodeJSONObject(v)
		if !ok {
			continue
		}
		seen = true
		for k, val := range doc {
			merged[k] = val
		}
	}
	if !seen {
		return nil, false
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, false
	}
	return string(encoded), true
}

// jsonEqual compares two serialized documents structurally, so key order
// differences do not count as a change
func jsonEqual(a, b any) bool {
	docA, okA := decodeJSONObject(a)
	docB, okB := decodeJSONObject(b)
	if !okA || !okB {
		return okA == okB && valueEqual(a, b)
	}
	return reflect.DeepEqual(docA, docB)
}

func decodeJSONObject(v any) (map[string]any, bool) {
	var raw []byte
	switch x := v.(type) {
	case nil:
		return nil, false
	case string:
		raw = []byte(x)
	case []byte:
		raw = x
	default:
		return nil, false
	}
	if len(raw) == 0 {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}
	return doc, true
}
