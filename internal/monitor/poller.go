package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/model"
	"github.com/t77yq/servermon/internal/sse"
	"github.com/t77yq/servermon/internal/storage"
)

// ErrFetchInProgress is returned by Refresh while a fetch for the same server is running
var ErrFetchInProgress = errors.New("fetch already in progress")

// AgentClient is the part of the agent client the monitor uses
type AgentClient interface {
	CurrentData(ctx context.Context, server *model.ServerDetails) (*model.Snapshot, error)
	Services(ctx context.Context, server *model.ServerDetails) ([]model.ServiceStatus, error)
}

// Broadcaster pushes live events to dashboard clients
type Broadcaster interface {
	Broadcast(eventType string, data interface{}) error
}

// SnapshotEvent is the live event sent for every polled snapshot
type SnapshotEvent struct {
	ServerID string          `json:"server_id"`
	Snapshot *model.Snapshot `json:"snapshot"`
}

// Status is what the poller knows about one server
type Status struct {
	ServerID  string          `json:"server_id"`
	Snapshot  *model.Snapshot `json:"snapshot,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
	LastError string          `json:"last_error,omitempty"`
}

// PollerConfig holds poller tuning
type PollerConfig struct {
	Interval      time.Duration
	HistoryPoints int
	Concurrency   int
}

type serverState struct {
	snapshot  *model.Snapshot
	fetchedAt time.Time
	lastErr   string
	history   []model.Snapshot
}

// Poller periodically fetches the current snapshot of every registered server
type Poller struct {
	logger      *zap.Logger
	servers     storage.ServerStore
	agent       AgentClient
	broadcaster Broadcaster
	cfg         PollerConfig
	now         func() time.Time

	mu     sync.RWMutex
	states map[string]*serverState

	inflightMu sync.Mutex
	inflight   map[string]bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPoller creates a new poller
func NewPoller(logger *zap.Logger, servers storage.ServerStore, agent AgentClient, cfg PollerConfig) *Poller {
	if cfg.HistoryPoints <= 0 {
		cfg.HistoryPoints = 30
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	return &Poller{
		logger:   logger.Named("poller"),
		servers:  servers,
		agent:    agent,
		cfg:      cfg,
		now:      time.Now,
		states:   make(map[string]*serverState),
		inflight: make(map[string]bool),
		stop:     make(chan struct{}),
	}
}

// WithBroadcaster sends every fetched snapshot to b
func (p *Poller) WithBroadcaster(b Broadcaster) *Poller {
	p.broadcaster = b
	return p
}

// Start polls once immediately and then on every interval until ctx is done or Stop is called
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("Starting poller",
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("concurrency", p.cfg.Concurrency))

	go func() {
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		p.PollOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				go p.PollOnce(ctx)
			}
		}
	}()
}

// Stop stops the polling loop
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping poller")
		close(p.stop)
	})
}

// PollOnce fetches every registered server and waits for the fetches to finish.
// A server whose previous fetch is still running is skipped.
func (p *Poller) PollOnce(ctx context.Context) {
	servers, err := p.servers.ListServers(ctx)
	if err != nil {
		p.logger.Error("Failed to list servers", zap.Error(err))
		return
	}

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, server := range servers {
		if !p.acquire(server.ID) {
			p.logger.Warn("Skipping server, previous fetch still running",
				zap.String("server_id", server.ID))
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(server *model.ServerDetails) {
			defer wg.Done()
			defer func() { <-sem }()
			defer p.release(server.ID)

			_, _ = p.fetch(ctx, server)
		}(server)
	}
	wg.Wait()

	p.prune(servers)
}

// Refresh fetches one server right away
func (p *Poller) Refresh(ctx context.Context, serverID string) (*model.Snapshot, error) {
	server, err := p.servers.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !p.acquire(serverID) {
		return nil, ErrFetchInProgress
	}
	defer p.release(serverID)

	return p.fetch(ctx, server)
}

// Latest returns the last known status of a server
func (p *Poller) Latest(serverID string) (Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st, ok := p.states[serverID]
	if !ok {
		return Status{}, false
	}
	return Status{
		ServerID:  serverID,
		Snapshot:  st.snapshot,
		FetchedAt: st.fetchedAt,
		LastError: st.lastErr,
	}, true
}

// History returns the rolling window of recent snapshots, oldest first
func (p *Poller) History(serverID string) []model.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st, ok := p.states[serverID]
	if !ok {
		return nil
	}
	out := make([]model.Snapshot, len(st.history))
	copy(out, st.history)
	return out
}

// Fresh returns the cached snapshot when it was fetched within maxAge
func (p *Poller) Fresh(serverID string, maxAge time.Duration) (*model.Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st, ok := p.states[serverID]
	if !ok || st.snapshot == nil || p.now().Sub(st.fetchedAt) > maxAge {
		return nil, false
	}
	return st.snapshot, true
}

func (p *Poller) fetch(ctx context.Context, server *model.ServerDetails) (*model.Snapshot, error) {
	snapshot, err := p.agent.CurrentData(ctx, server)
	now := p.now()

	p.mu.Lock()
	st, ok := p.states[server.ID]
	if !ok {
		st = &serverState{}
		p.states[server.ID] = st
	}
	if err != nil {
		// keep the last good snapshot
		st.lastErr = err.Error()
		p.mu.Unlock()

		p.logger.Warn("Failed to fetch current data",
			zap.String("server_id", server.ID),
			zap.String("ip_address", server.IPAddress),
			zap.Error(err))
		return nil, fmt.Errorf("failed to fetch current data: %w", err)
	}

	if snapshot.At().IsZero() {
		snapshot.Timestamp = model.AgentTime{Time: now.UTC()}
	}
	st.snapshot = snapshot
	st.fetchedAt = now
	st.lastErr = ""
	st.history = append(st.history, *snapshot)
	if len(st.history) > p.cfg.HistoryPoints {
		st.history = st.history[len(st.history)-p.cfg.HistoryPoints:]
	}
	p.mu.Unlock()

	if p.broadcaster != nil {
		if err := p.broadcaster.Broadcast(sse.EventSnapshot, SnapshotEvent{ServerID: server.ID, Snapshot: snapshot}); err != nil {
			p.logger.Error("Failed to broadcast snapshot", zap.Error(err))
		}
	}

	p.logger.Debug("Snapshot collected",
		zap.String("server_id", server.ID),
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage),
		zap.Float64("disk_usage", snapshot.DiskUsage))
	return snapshot, nil
}

// prune forgets servers that are no longer registered
func (p *Poller) prune(servers []*model.ServerDetails) {
	keep := make(map[string]bool, len(servers))
	for _, s := range servers {
		keep[s.ID] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.states {
		if !keep[id] {
			delete(p.states, id)
		}
	}
}

func (p *Poller) acquire(serverID string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if p.inflight[serverID] {
		return false
	}
	p.inflight[serverID] = true
	return true
}

func (p *Poller) release(serverID string) {
	p.inflightMu.Lock()
	delete(p.inflight, serverID)
	p.inflightMu.Unlock()
}
