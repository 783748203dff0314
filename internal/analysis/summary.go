package analysis

import "github.com/t77yq/servermon/internal/model"

// High-usage cut-offs used by the process report, in percent.
const (
	HighCPUPercent       = 80.0
	HighMemoryPercent    = 90.0
	ProcessCPUPercent    = 20.0
	ProcessMemoryPercent = 20.0
)

// Summary is the aggregate view of a range of snapshots
type Summary struct {
	Samples        int             `json:"samples"`
	AvgCPU         float64         `json:"avg_cpu_usage"`
	AvgMemory      float64         `json:"avg_memory_usage"`
	AvgDisk        float64         `json:"avg_disk_usage"`
	TotalBytesSent uint64          `json:"total_bytes_sent"`
	TotalBytesRecv uint64          `json:"total_bytes_recv"`
	AvgBytesSent   float64         `json:"avg_bytes_sent"`
	AvgBytesRecv   float64         `json:"avg_bytes_recv"`
	PeakCPU        *model.Snapshot `json:"peak_cpu,omitempty"`
	PeakMemory     *model.Snapshot `json:"peak_memory,omitempty"`
	PeakDisk       *model.Snapshot `json:"peak_disk,omitempty"`
}

// Summarize averages usage over snapshots and records the peak snapshot per metric.
// An empty input yields a zero Summary.
func Summarize(snapshots []model.Snapshot) Summary {
	var sum Summary
	if len(snapshots) == 0 {
		return sum
	}

	var cpu, mem, disk float64
	for i := range snapshots {
		s := &snapshots[i]
		cpu += s.CPUUsage
		mem += s.MemoryUsage
		disk += s.DiskUsage
		sum.TotalBytesSent += s.BytesSent
		sum.TotalBytesRecv += s.BytesRecv

		if sum.PeakCPU == nil || s.CPUUsage > sum.PeakCPU.CPUUsage {
			sum.PeakCPU = s
		}
		if sum.PeakMemory == nil || s.MemoryUsage > sum.PeakMemory.MemoryUsage {
			sum.PeakMemory = s
		}
		if sum.PeakDisk == nil || s.DiskUsage > sum.PeakDisk.DiskUsage {
			sum.PeakDisk = s
		}
	}

	n := float64(len(snapshots))
	sum.Samples = len(snapshots)
	sum.AvgCPU = cpu / n
	sum.AvgMemory = mem / n
	sum.AvgDisk = disk / n
	sum.AvgBytesSent = float64(sum.TotalBytesSent) / n
	sum.AvgBytesRecv = float64(sum.TotalBytesRecv) / n
	return sum
}

// HighUsage returns the snapshots where CPU or memory crossed the high-usage cut-offs.
func HighUsage(snapshots []model.Snapshot) []model.Snapshot {
	var out []model.Snapshot
	for _, s := range snapshots {
		if s.CPUUsage > HighCPUPercent || s.MemoryUsage > HighMemoryPercent {
			out = append(out, s)
		}
	}
	return out
}

// ProcessAlert is a process that crossed the per-process cut-offs in some snapshot
type ProcessAlert struct {
	At      model.AgentTime   `json:"time"`
	Process model.ProcessData `json:"process"`
}

// ProcessAlerts returns every process whose CPU or memory crossed the per-process cut-offs.
func ProcessAlerts(snapshots []model.Snapshot) []ProcessAlert {
	var out []ProcessAlert
	for i := range snapshots {
		s := &snapshots[i]
		for _, p := range s.Processes {
			if p.CPUUsage > ProcessCPUPercent || p.MemoryUsage > ProcessMemoryPercent {
				out = append(out, ProcessAlert{At: model.AgentTime{Time: s.At()}, Process: p})
			}
		}
	}
	return out
}
