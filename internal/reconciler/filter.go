package reconciler

import (
	"math"
	"strings"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
)

// Filter narrows the displayed timeline without touching stored state.
type Filter struct {
	Query     string
	MinChange float64
}

// Matches applies a case-insensitive subject substring match and a minimum
// absolute percentage change.
func (f Filter) Matches(alert alerts.Alert) bool {
	if query := strings.TrimSpace(f.Query); query != "" {
		if !strings.Contains(strings.ToLower(alert.Subject), strings.ToLower(query)) {
			return false
		}
	}
	if f.MinChange > 0 && math.Abs(alert.ChangePercentage) < f.MinChange {
		return false
	}
	return true
}
