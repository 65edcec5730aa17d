package engine

import (
	"context"
	"fmt"
)

// actionFunc is the uniform shape every named action presents: a context
// plus an opaque payload (a cycle.Task when dispatched from a battery, a
// bus.Event when dispatched from a matched trigger). Concrete task bodies
// are intentionally thin, opaque handlers behind the fixed action table.
type actionFunc func(ctx context.Context, payload any) (any, error)

// actionTable returns the fixed name→handler mapping the engine resolves
// cycle task actions and trigger actions against. Calling an unknown name
// is the caller's responsibility to log; this table itself just reports
// not-found.
func (e *Engine) actionTable() map[string]actionFunc {
	return map[string]actionFunc{
		"runSecuritySweep": e.runSecuritySweep,
		"runSecurityScan":  e.runSecurityScan,
		"healthCheck":      e.healthCheck,
		"financialAlert":   e.financialAlert,
		"alertAndDiagnose": e.alertAndDiagnose,
	}
}

func (e *Engine) runSecuritySweep(ctx context.Context, payload any) (any, error) {
	e.bus.Emit("autonomy:action:security-sweep", map[string]any{"payload": describe(payload)})
	return map[string]any{"findings": 0}, nil
}

func (e *Engine) runSecurityScan(ctx context.Context, payload any) (any, error) {
	e.bus.Emit("autonomy:action:security-scan", map[string]any{"payload": describe(payload)})
	return map[string]any{"findings": 0}, nil
}

func (e *Engine) healthCheck(ctx context.Context, payload any) (any, error) {
	e.bus.Emit("autonomy:action:health-check", map[string]any{"payload": describe(payload)})
	return map[string]any{"healthy": true}, nil
}

func (e *Engine) financialAlert(ctx context.Context, payload any) (any, error) {
	e.bus.Emit("autonomy:action:financial-alert", map[string]any{"payload": describe(payload)})
	return map[string]any{"alerted": true}, nil
}

func (e *Engine) alertAndDiagnose(ctx context.Context, payload any) (any, error) {
	e.bus.Emit("autonomy:action:alert-and-diagnose", map[string]any{"payload": describe(payload)})
	return map[string]any{"diagnosed": true}, nil
}

func describe(payload any) string {
	return fmt.Sprintf("%v", payload)
}
