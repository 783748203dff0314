package agentd

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/model"
)

// MaxProcesses caps the process list of a sample, busiest by memory first
const MaxProcesses = 50

// Sampler takes one reading of the host
type Sampler interface {
	Sample(ctx context.Context) (*model.Snapshot, error)
}

// HostSampler reads the local host with gopsutil
type HostSampler struct {
	logger      *zap.Logger
	diskPath    string
	cpuInterval time.Duration
	now         func() time.Time
}

// NewHostSampler creates a sampler reporting disk usage of diskPath
func NewHostSampler(logger *zap.Logger, diskPath string) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostSampler{
		logger:      logger.Named("sampler"),
		diskPath:    diskPath,
		cpuInterval: time.Second,
		now:         time.Now,
	}
}

// Sample implements Sampler
func (s *HostSampler) Sample(ctx context.Context) (*model.Snapshot, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, s.cpuInterval, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(cpuPercent) == 0 {
		return nil, fmt.Errorf("failed to get CPU usage: no data")
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory usage: %w", err)
	}

	diskInfo, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk usage: %w", err)
	}

	snapshot := &model.Snapshot{
		CPUUsage:    cpuPercent[0],
		MemoryUsage: memInfo.UsedPercent,
		DiskUsage:   diskInfo.UsedPercent,
		CurrentTime: model.AgentTime{Time: s.now().UTC()},
	}

	counters, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		s.logger.Warn("Failed to get network counters", zap.Error(err))
	} else if len(counters) > 0 {
		snapshot.BytesSent = counters[0].BytesSent
		snapshot.BytesRecv = counters[0].BytesRecv
	}

	snapshot.Processes = s.processes(ctx)
	return snapshot, nil
}

func (s *HostSampler) processes(ctx context.Context) []model.ProcessData {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		s.logger.Warn("Failed to list processes", zap.Error(err))
		return nil
	}

	out := make([]model.ProcessData, 0, len(procs))
	for _, p := range procs {
		// processes can exit between listing and inspection
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cpuPercent, _ := p.CPUPercentWithContext(ctx)
		memPercent, _ := p.MemoryPercentWithContext(ctx)

		data := model.ProcessData{
			PID:         p.Pid,
			Name:        name,
			CPUUsage:    cpuPercent,
			MemoryUsage: float64(memPercent),
		}
		if created, err := p.CreateTimeWithContext(ctx); err == nil {
			data.StartTime = model.AgentTime{Time: time.UnixMilli(created).UTC()}
		}
		out = append(out, data)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].MemoryUsage > out[j].MemoryUsage })
	if len(out) > MaxProcesses {
		out = out[:MaxProcesses]
	}
	return out
}

// Collector samples the host on an interval and records the samples
type Collector struct {
	logger   *zap.Logger
	sampler  Sampler
	history  History
	interval time.Duration

	mu     sync.RWMutex
	latest *model.Snapshot

	stop     chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a new collector
func NewCollector(logger *zap.Logger, sampler Sampler, history History, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{
		logger:   logger.Named("collector"),
		sampler:  sampler,
		history:  history,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start samples once immediately and then on every interval
func (c *Collector) Start(ctx context.Context) {
	c.logger.Info("Starting collector", zap.Duration("interval", c.interval))

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.collect(ctx)
			}
		}
	}()
}

// Stop stops the collection loop
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping collector")
		close(c.stop)
	})
}

// Latest returns the most recent recorded sample
func (c *Collector) Latest() (*model.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.latest != nil
}

// Collect takes one sample and records it
func (c *Collector) Collect(ctx context.Context) (*model.Snapshot, error) {
	snapshot, err := c.sampler.Sample(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.history.Store(ctx, snapshot); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.latest = snapshot
	c.mu.Unlock()

	c.logger.Debug("Sample collected",
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage),
		zap.Float64("disk_usage", snapshot.DiskUsage),
		zap.Int("processes", len(snapshot.Processes)))
	return snapshot, nil
}

func (c *Collector) collect(ctx context.Context) {
	if _, err := c.Collect(ctx); err != nil {
		c.logger.Error("Failed to collect sample", zap.Error(err))
	}
}
