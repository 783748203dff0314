package analysis

import (
	"sort"
	"time"

	"github.com/t77yq/servermon/internal/model"
)

// DefaultBucketWidth is the chart bucket size
const DefaultBucketWidth = 30 * time.Minute

// BucketKeyLayout names a bucket by its start time
const BucketKeyLayout = "2006-01-02 15:04"

// Bucket groups snapshots into fixed-width windows and averages every numeric field.
// Each snapshot lands in the window containing its timestamp, floored to width on
// the timestamp's own wall clock.
// Network byte counters are reported in KiB. The process list of a bucket is the one
// from its last snapshot. Snapshots without a timestamp are skipped. Buckets are
// returned in chronological order.
func Bucket(snapshots []model.Snapshot, width time.Duration) []model.AggregatedPoint {
	if width <= 0 {
		width = DefaultBucketWidth
	}

	type acc struct {
		start          time.Time
		cpu, mem, disk float64
		recv, sent     float64
		count          int
		processes      []model.ProcessData
	}

	buckets := make(map[int64]*acc)
	for i := range snapshots {
		s := &snapshots[i]
		at := s.At()
		if at.IsZero() {
			continue
		}
		start := floorLocal(at, width)
		key := start.UnixNano()

		b, ok := buckets[key]
		if !ok {
			b = &acc{start: start}
			buckets[key] = b
		}
		b.cpu += s.CPUUsage
		b.mem += s.MemoryUsage
		b.disk += s.DiskUsage
		b.recv += float64(s.BytesRecv) / 1024
		b.sent += float64(s.BytesSent) / 1024
		b.count++
		b.processes = s.Processes
	}

	points := make([]model.AggregatedPoint, 0, len(buckets))
	for _, b := range buckets {
		n := float64(b.count)
		points = append(points, model.AggregatedPoint{
			Time:        b.start.Format(BucketKeyLayout),
			Start:       b.start,
			CPUUsage:    b.cpu / n,
			MemoryUsage: b.mem / n,
			DiskUsage:   b.disk / n,
			NetworkRecv: b.recv / n,
			NetworkSent: b.sent / n,
			Processes:   b.processes,
			Count:       b.count,
		})
	}

	sort.Slice(points, func(i, j int) bool {
		return points[i].Start.Before(points[j].Start)
	})
	return points
}

// floorLocal floors t to a multiple of width counted on t's wall clock.
func floorLocal(t time.Time, width time.Duration) time.Time {
	_, offset := t.Zone()
	shift := time.Duration(offset) * time.Second
	return t.Add(shift).Truncate(width).Add(-shift)
}
