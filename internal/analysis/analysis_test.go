package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/servermon/internal/model"
)

func at(hour, minute int) model.AgentTime {
	return model.AgentTime{Time: time.Date(2024, 3, 1, hour, minute, 0, 0, time.UTC)}
}

func TestMatchRule(t *testing.T) {
	rules := []*model.AlertRule{
		{ID: "critical", Threshold: 95, Color: "#ff0000"},
		{ID: "ok", Threshold: 50, Color: "#00ff00"},
		{ID: "warn", Threshold: 80, Color: "#ffa500"},
		{ID: "warn-dup", Threshold: 80, Color: "#ffff00"},
	}

	tests := []struct {
		name   string
		value  float64
		wantID string
		found  bool
	}{
		{"below lowest", 10, "ok", true},
		{"equal to threshold", 50, "ok", true},
		{"between", 60, "warn", true},
		{"ties keep input order", 80, "warn", true},
		{"top band", 94.99, "critical", true},
		{"above every threshold", 99, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, ok := MatchRule(rules, tt.value)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				require.NotNil(t, rule)
				assert.Equal(t, tt.wantID, rule.ID)
			} else {
				assert.Nil(t, rule)
			}
		})
	}

	assert.Equal(t, "#ffa500", MatchColor(rules, 70))
	assert.Empty(t, MatchColor(rules, 100))
	assert.Empty(t, MatchColor(nil, 1))
	assert.Equal(t, "critical", rules[0].ID, "input is not reordered")
}

func TestBucketHalfHourScenario(t *testing.T) {
	snapshots := []model.Snapshot{
		{Timestamp: at(10, 0), CPUUsage: 50},
		{Timestamp: at(10, 10), CPUUsage: 70},
		{Timestamp: at(10, 40), CPUUsage: 30},
	}

	points := Bucket(snapshots, DefaultBucketWidth)
	require.Len(t, points, 2)
	assert.Equal(t, "2024-03-01 10:00", points[0].Time)
	assert.InDelta(t, 60, points[0].CPUUsage, 1e-9)
	assert.Equal(t, 2, points[0].Count)
	assert.Equal(t, "2024-03-01 10:30", points[1].Time)
	assert.InDelta(t, 30, points[1].CPUUsage, 1e-9)
}

func TestBucketAveragesEveryField(t *testing.T) {
	lastProcs := []model.ProcessData{{PID: 7, Name: "nginx"}}
	snapshots := []model.Snapshot{
		// out of order on purpose
		{Timestamp: at(11, 5), CPUUsage: 10, MemoryUsage: 20, DiskUsage: 30, BytesRecv: 1024, BytesSent: 2048},
		{Timestamp: at(9, 59), CPUUsage: 99},
		{CurrentTime: at(11, 29), CPUUsage: 30, MemoryUsage: 40, DiskUsage: 50, BytesRecv: 3072, BytesSent: 4096, Processes: lastProcs},
		{CPUUsage: 100},
	}

	points := Bucket(snapshots, 0)
	require.Len(t, points, 2, "snapshot without a timestamp is skipped")

	assert.Equal(t, "2024-03-01 09:30", points[0].Time)
	assert.True(t, points[0].Start.Before(points[1].Start))

	p := points[1]
	assert.Equal(t, "2024-03-01 11:00", p.Time)
	assert.InDelta(t, 20, p.CPUUsage, 1e-9)
	assert.InDelta(t, 30, p.MemoryUsage, 1e-9)
	assert.InDelta(t, 40, p.DiskUsage, 1e-9)
	assert.InDelta(t, 2, p.NetworkRecv, 1e-9)
	assert.InDelta(t, 3, p.NetworkSent, 1e-9)
	assert.Equal(t, lastProcs, p.Processes)
}

func TestBucketFloorsOnLocalClock(t *testing.T) {
	kathmandu := time.FixedZone("+0545", 5*3600+45*60)
	snapshots := []model.Snapshot{
		{Timestamp: model.AgentTime{Time: time.Date(2024, 3, 1, 10, 10, 0, 0, kathmandu)}, CPUUsage: 40},
		{Timestamp: model.AgentTime{Time: time.Date(2024, 3, 1, 10, 20, 0, 0, kathmandu)}, CPUUsage: 60},
		{Timestamp: model.AgentTime{Time: time.Date(2024, 3, 1, 10, 30, 0, 0, kathmandu)}, CPUUsage: 90},
	}

	points := Bucket(snapshots, DefaultBucketWidth)
	require.Len(t, points, 2)
	assert.Equal(t, "2024-03-01 10:00", points[0].Time)
	assert.Equal(t, 2, points[0].Count)
	assert.InDelta(t, 50, points[0].CPUUsage, 1e-9)
	assert.Equal(t, "2024-03-01 10:30", points[1].Time)
	assert.Equal(t, 1, points[1].Count)

	parsed, err := model.ParseAgentTime("2024-03-01T10:10:00+05:45")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01 10:00", floorLocal(parsed, DefaultBucketWidth).Format(BucketKeyLayout))
}

func TestTopPeaks(t *testing.T) {
	points := []model.AggregatedPoint{
		{Time: "a", CPUUsage: 10, MemoryUsage: 5},
		{Time: "b", CPUUsage: 90},
		{Time: "c", CPUUsage: 40},
		{Time: "d", CPUUsage: 90},
		{Time: "e", CPUUsage: 70},
		{Time: "f", CPUUsage: 20},
		{Time: "g", CPUUsage: 40},
	}

	top, err := TopPeaks(points, MetricCPU, TopN)
	require.NoError(t, err)
	require.Len(t, top, 5)
	var names []string
	for _, p := range top {
		names = append(names, p.Time)
	}
	assert.Equal(t, []string{"b", "d", "e", "c", "g"}, names)
	assert.Equal(t, "a", points[0].Time, "input is not reordered")

	short, err := TopPeaks(points[:2], MetricMemory, TopN)
	require.NoError(t, err)
	require.Len(t, short, 2)
	assert.Equal(t, "a", short[0].Time)

	none, err := TopPeaks(points, MetricCPU, -3)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = TopPeaks(points, Metric("load"), TopN)
	assert.Error(t, err)
}

func TestTopProcesses(t *testing.T) {
	procs := []model.ProcessData{
		{PID: 1, MemoryUsage: 10, CPUUsage: 1},
		{PID: 2, MemoryUsage: 30, CPUUsage: 1},
		{PID: 3, MemoryUsage: 30, CPUUsage: 5},
		{PID: 4, MemoryUsage: 5, CPUUsage: 90},
		{PID: 5, MemoryUsage: 20, CPUUsage: 2},
		{PID: 6, MemoryUsage: 1, CPUUsage: 1},
	}

	top := TopProcesses(procs, TopN)
	require.Len(t, top, 5)
	var pids []int32
	for _, p := range top {
		pids = append(pids, p.PID)
	}
	assert.Equal(t, []int32{3, 2, 5, 1, 4}, pids)

	assert.Empty(t, TopProcesses(nil, TopN))
	assert.Empty(t, TopProcesses(procs, -1))
}

func TestSummarize(t *testing.T) {
	snapshots := []model.Snapshot{
		{Timestamp: at(10, 0), CPUUsage: 20, MemoryUsage: 95, DiskUsage: 40, BytesSent: 100, BytesRecv: 300},
		{Timestamp: at(10, 5), CPUUsage: 85, MemoryUsage: 50, DiskUsage: 42, BytesSent: 300, BytesRecv: 100,
			Processes: []model.ProcessData{
				{Name: "busy", CPUUsage: 25},
				{Name: "idle", CPUUsage: 1, MemoryUsage: 2},
				{Name: "fat", MemoryUsage: 21},
			}},
		{Timestamp: at(10, 10), CPUUsage: 50, MemoryUsage: 60, DiskUsage: 44},
	}

	sum := Summarize(snapshots)
	assert.Equal(t, 3, sum.Samples)
	assert.InDelta(t, 51.666, sum.AvgCPU, 0.001)
	assert.InDelta(t, 68.333, sum.AvgMemory, 0.001)
	assert.InDelta(t, 42, sum.AvgDisk, 1e-9)
	assert.EqualValues(t, 400, sum.TotalBytesSent)
	assert.EqualValues(t, 400, sum.TotalBytesRecv)
	assert.InDelta(t, 133.333, sum.AvgBytesSent, 0.001)
	assert.Equal(t, 85.0, sum.PeakCPU.CPUUsage)
	assert.Equal(t, 95.0, sum.PeakMemory.MemoryUsage)
	assert.Equal(t, 44.0, sum.PeakDisk.DiskUsage)

	assert.Len(t, HighUsage(snapshots), 2)

	alerts := ProcessAlerts(snapshots)
	require.Len(t, alerts, 2)
	assert.Equal(t, "busy", alerts[0].Process.Name)
	assert.Equal(t, "fat", alerts[1].Process.Name)
	assert.Equal(t, 5, alerts[0].At.Minute())

	assert.Zero(t, Summarize(nil).Samples)
}
