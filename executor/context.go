package executor

import (
	"encoding/json"
	"fmt"
)

// contextValue reads a scalar binding from the execution context.
// Non-string scalars are rendered with fmt.Sprint; objects and arrays
// don't resolve.
func contextValue(raw json.RawMessage, key string) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var bindings map[string]any
	if err := json.Unmarshal(raw, &bindings); err != nil {
		return "", false
	}
	v, ok := bindings[key]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64, bool:
		return fmt.Sprint(val), true
	default:
		return "", false
	}
}

// mergeContext returns a new context with updates applied over the
// existing bindings. A nil or unparseable existing context starts
// empty rather than failing: the context is an opaque blob owned by
// the lock-holder, and losing sends over it would be worse than
// resetting it.
func mergeContext(raw json.RawMessage, updates map[string]any) json.RawMessage {
	bindings := make(map[string]any)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &bindings)
	}
	for k, v := range updates {
		bindings[k] = v
	}
	merged, err := json.Marshal(bindings)
	if err != nil {
		return raw
	}
	return merged
}
