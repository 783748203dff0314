package analysis

import (
	"sort"

	"github.com/t77yq/servermon/internal/model"
)

// MatchRule returns the lowest-threshold rule whose threshold is at or above value.
// Rules with equal thresholds keep their input order. The second result is false
// when value exceeds every threshold.
func MatchRule(rules []*model.AlertRule, value float64) (*model.AlertRule, bool) {
	sorted := make([]*model.AlertRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Threshold < sorted[j].Threshold
	})

	for _, rule := range sorted {
		if value <= rule.Threshold {
			return rule, true
		}
	}
	return nil, false
}

// MatchColor returns the display color of the matching rule, or "" when none matches.
func MatchColor(rules []*model.AlertRule, value float64) string {
	rule, ok := MatchRule(rules, value)
	if !ok {
		return ""
	}
	return rule.Color
}

// MetricValue returns the snapshot value a condition type is evaluated against.
func MetricValue(snapshot *model.Snapshot, condition model.ConditionType) (float64, bool) {
	switch condition {
	case model.ConditionCPUUsage:
		return snapshot.CPUUsage, true
	case model.ConditionMemoryUsage:
		return snapshot.MemoryUsage, true
	case model.ConditionDiskUsage:
		return snapshot.DiskUsage, true
	}
	return 0, false
}
