package analysis

import (
	"fmt"
	"sort"

	"github.com/t77yq/servermon/internal/model"
)

// TopN is the size of the peak and process tables
const TopN = 5

// Metric names a numeric field of an aggregated point
type Metric string

const (
	MetricCPU         Metric = "cpu_usage"
	MetricMemory      Metric = "memory_usage"
	MetricDisk        Metric = "disk_usage"
	MetricNetworkRecv Metric = "network_recv"
	MetricNetworkSent Metric = "network_sent"
)

// Value returns the metric's value on p.
func (m Metric) Value(p *model.AggregatedPoint) (float64, error) {
	switch m {
	case MetricCPU:
		return p.CPUUsage, nil
	case MetricMemory:
		return p.MemoryUsage, nil
	case MetricDisk:
		return p.DiskUsage, nil
	case MetricNetworkRecv:
		return p.NetworkRecv, nil
	case MetricNetworkSent:
		return p.NetworkSent, nil
	}
	return 0, fmt.Errorf("unknown metric %q", m)
}

// TopPeaks returns the n points with the highest value of metric, highest first.
// Points with equal values keep their input order.
func TopPeaks(points []model.AggregatedPoint, metric Metric, n int) ([]model.AggregatedPoint, error) {
	if _, err := metric.Value(&model.AggregatedPoint{}); err != nil {
		return nil, err
	}

	sorted := make([]model.AggregatedPoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		vi, _ := metric.Value(&sorted[i])
		vj, _ := metric.Value(&sorted[j])
		return vi > vj
	})
	return sorted[:limit(n, len(sorted))], nil
}

// TopProcesses returns the n processes using the most memory, CPU breaking ties.
func TopProcesses(processes []model.ProcessData, n int) []model.ProcessData {
	sorted := make([]model.ProcessData, len(processes))
	copy(sorted, processes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MemoryUsage != sorted[j].MemoryUsage {
			return sorted[i].MemoryUsage > sorted[j].MemoryUsage
		}
		return sorted[i].CPUUsage > sorted[j].CPUUsage
	})
	return sorted[:limit(n, len(sorted))]
}

// limit clamps n to [0, size]
func limit(n, size int) int {
	return max(0, min(n, size))
}
