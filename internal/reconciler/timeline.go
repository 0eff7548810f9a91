package reconciler

import (
	"sort"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the number of alerts kept for display.
const DefaultCapacity = 100

// Timeline is a bounded, newest-first list of alerts. An identifier is shown at
// most once; a repeated delivery keeps the first-seen position.
type Timeline struct {
	capacity int
	items    []alerts.Alert
	seen     *lru.Cache[string, struct{}]
}

// NewTimeline remembers identifiers for twice the capacity so re-delivered
// alerts that already scrolled off do not reappear.
func NewTimeline(capacity int) *Timeline {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	seen, err := lru.New[string, struct{}](capacity * 2)
	if err != nil {
		panic(err)
	}
	return &Timeline{capacity: capacity, items: make([]alerts.Alert, 0, capacity), seen: seen}
}

// Replace discards local state in favour of a snapshot that is already newest first.
func (t *Timeline) Replace(snapshot []alerts.Alert) {
	t.seen.Purge()
	t.items = t.items[:0]
	for _, alert := range snapshot {
		if len(t.items) == t.capacity {
			break
		}
		if t.remember(alert.ID) {
			t.items = append(t.items, alert)
		}
	}
}

// Push prepends a live alert and reports whether it was new.
func (t *Timeline) Push(alert alerts.Alert) bool {
	if !t.remember(alert.ID) {
		return false
	}
	t.items = append(t.items, alerts.Alert{})
	copy(t.items[1:], t.items)
	t.items[0] = alert
	if len(t.items) > t.capacity {
		t.items = t.items[:t.capacity]
	}
	return true
}

// Merge folds a snapshot taken after a reconnect into the current state, ordering
// by timestamp newest first. It returns the number of alerts that were missing.
func (t *Timeline) Merge(snapshot []alerts.Alert) int {
	added := 0
	merged := make([]alerts.Alert, len(t.items), len(t.items)+len(snapshot))
	copy(merged, t.items)
	for _, alert := range snapshot {
		if t.remember(alert.ID) {
			merged = append(merged, alert)
			added++
		}
	}
	if added == 0 {
		return 0
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp > merged[j].Timestamp
	})
	if len(merged) > t.capacity {
		merged = merged[:t.capacity]
	}
	t.items = merged
	return added
}

// View returns a copy of the alerts matching the filter.
func (t *Timeline) View(filter Filter) []alerts.Alert {
	view := make([]alerts.Alert, 0, len(t.items))
	for _, alert := range t.items {
		if filter.Matches(alert) {
			view = append(view, alert)
		}
	}
	return view
}

func (t *Timeline) Len() int {
	return len(t.items)
}

func (t *Timeline) remember(alertID string) bool {
	if alertID == "" {
		return true
	}
	if t.seen.Contains(alertID) {
		return false
	}
	t.seen.Add(alertID, struct{}{})
	return true
}
