package models

import (
	"encoding/json"
	"fmt"
)

// StrategyConfig is the per-strategy configuration document persisted in the
// config store, one JSON file per strategy id.
type StrategyConfig struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Enabled      bool           `json:"enabled"`
	InstrumentID string         `json:"instrument_id"`
	OrderSize    float64        `json:"order_size"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// Validate checks the fields every strategy needs regardless of type.
func (c *StrategyConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("strategy config: id is required")
	}
	if c.Type == "" {
		return fmt.Errorf("strategy config %s: type is required", c.ID)
	}
	if c.InstrumentID == "" {
		return fmt.Errorf("strategy config %s: instrument_id is required", c.ID)
	}
	if c.OrderSize <= 0 {
		c.OrderSize = 1
	}
	return nil
}

// MergeParameters overlays patch onto the parameters map, creating it when
// absent. Top-level config fields present in the patch under their JSON names
// are applied too; unknown keys fall into Parameters.
func (c *StrategyConfig) MergeParameters(patch map[string]any) {
	if c.Parameters == nil {
		c.Parameters = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		switch k {
		case "name":
			if s, ok := v.(string); ok {
				c.Name = s
			}
		case "enabled":
			if b, ok := v.(bool); ok {
				c.Enabled = b
			}
		case "instrument_id":
			if s, ok := v.(string); ok {
				c.InstrumentID = s
			}
		case "order_size":
			if f, ok := toFloat(v); ok {
				c.OrderSize = f
			}
		case "parameters":
			if m, ok := v.(map[string]any); ok {
				for pk, pv := range m {
					c.Parameters[pk] = pv
				}
			}
		default:
			c.Parameters[k] = v
		}
	}
}

// ParamFloat reads a numeric parameter, returning def when absent or not a
// number. JSON decoding hands numbers over as float64 but YAML may produce
// ints, so both are accepted.
func (c *StrategyConfig) ParamFloat(key string, def float64) float64 {
	if v, ok := c.Parameters[key]; ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return def
}

// ParamInt reads an integer parameter with a default.
func (c *StrategyConfig) ParamInt(key string, def int) int {
	if v, ok := c.Parameters[key]; ok {
		if f, ok := toFloat(v); ok {
			return int(f)
		}
	}
	return def
}

// ParamString reads a string parameter with a default.
func (c *StrategyConfig) ParamString(key, def string) string {
	if v, ok := c.Parameters[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// ParamBool reads a boolean parameter with a default.
func (c *StrategyConfig) ParamBool(key string, def bool) bool {
	if v, ok := c.Parameters[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// ParamStrings reads a list-of-strings parameter; scalars and mixed lists are
// coerced element-wise.
func (c *StrategyConfig) ParamStrings(key string) []string {
	v, ok := c.Parameters[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
