package channels

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Params are the client-supplied parameters of a subscription, as decoded
// from JSON.
type Params map[string]interface{}

// Key returns the subscription key for channel and params. encoding/json
// writes map keys in sorted order at every depth, so params that differ only
// in insertion order produce the same key. Nil and empty params both
// canonicalize to "{}".
func Key(channel string, params Params) string {
	if len(params) == 0 {
		return channel + ":{}"
	}
	data, err := json.Marshal(map[string]interface{}(params))
	if err != nil {
		// Unreachable for params decoded from JSON.
		return channel + ":" + fmt.Sprintf("%v", map[string]interface{}(params))
	}
	return channel + ":" + string(data)
}

// String returns the named param as a trimmed string, or "" when absent or
// not a string.
func (p Params) String(name string) string {
	if p == nil {
		return ""
	}
	s, ok := p[name].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// Int returns the named param as an int. ok is false when the value is
// present but not a whole number.
func (p Params) Int(name string, def int) (value int, ok bool) {
	if p == nil {
		return def, true
	}
	raw, exists := p[name]
	if !exists || raw == nil {
		return def, true
	}

	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt32 || v < math.MinInt32 {
			return def, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return def, false
		}
		return int(n), true
	default:
		return def, false
	}
}

// Has reports whether name is present.
func (p Params) Has(name string) bool {
	if p == nil {
		return false
	}
	_, ok := p[name]
	return ok
}

// Clone returns a shallow copy; nil stays an empty, non-nil map.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// requireString validates a mandatory string param.
func requireString(p Params, name string) error {
	if p.String(name) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidParams, name)
	}
	return nil
}

// optionalString validates a string param that may be absent.
func optionalString(p Params, name string) error {
	if !p.Has(name) || p[name] == nil {
		return nil
	}
	if _, ok := p[name].(string); !ok {
		return fmt.Errorf("%w: %s must be a string", ErrInvalidParams, name)
	}
	return nil
}
