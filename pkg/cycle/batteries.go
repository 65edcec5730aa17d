package cycle

import "github.com/cgast/autonomy/pkg/gate"

// DefaultBatteries returns the fixed Daily/Weekly/Monthly task sequences.
// Action names are resolved against the Engine's fixed action table at
// run time; Battery construction itself has no dependency on what an
// action does.
func DefaultBatteries() map[Kind]Battery {
	return map[Kind]Battery{
		Daily: {
			{ID: "security-sweep", Name: "Security sweep", HDMLevel: gate.Low, Action: "runSecuritySweep"},
			{ID: "health-check", Name: "Health check", HDMLevel: gate.Informational, Action: "healthCheck"},
		},
		Weekly: {
			{ID: "security-scan", Name: "Security scan", HDMLevel: gate.Medium, Action: "runSecurityScan"},
			{ID: "dependency-audit", Name: "Dependency audit", HDMLevel: gate.Low, Action: "healthCheck"},
		},
		Monthly: {
			{ID: "financial-review", Name: "Financial review", HDMLevel: gate.High, Action: "financialAlert"},
			{ID: "compliance-diagnostic", Name: "Compliance diagnostic", HDMLevel: gate.Medium, Action: "alertAndDiagnose"},
		},
	}
}
