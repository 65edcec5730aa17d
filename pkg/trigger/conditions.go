package trigger

import "github.com/cgast/autonomy/pkg/bus"

// CheckerFactory builds a Predicate from a numeric threshold. Named
// checkers are registered in an open registry so new condition kinds can
// be added without changing the registry's Register/Matching code.
type CheckerFactory func(threshold float64) Predicate

var checkers = map[string]CheckerFactory{
	"error_rate_gt": func(threshold float64) Predicate {
		return func(ev bus.Event) bool {
			return numericField(ev, "errorRate") > threshold
		}
	},
	"burn_rate_gt": func(threshold float64) Predicate {
		return func(ev bus.Event) bool {
			return numericField(ev, "burnRate") > threshold
		}
	},
}

// RegisterChecker adds a custom named condition checker factory, or
// replaces an existing one. Plugins that need condition kinds beyond the
// built-in set call this during their own initialization.
func RegisterChecker(name string, factory CheckerFactory) {
	checkers[name] = factory
}

// GetChecker returns the checker factory registered under name, or nil if
// none is registered.
func GetChecker(name string) CheckerFactory {
	return checkers[name]
}

// numericField extracts a float64 field from an event's data payload,
// tolerating the json.Unmarshal-produced float64 as well as plain Go
// numeric types, and returning -Inf-adjacent 0 when absent or non-numeric
// so a missing field never spuriously satisfies a "> threshold" check.
func numericField(ev bus.Event, field string) float64 {
	m, ok := ev.Data.(map[string]any)
	if !ok {
		return 0
	}
	v, ok := m[field]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
