package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/servermon/internal/model"
	"github.com/t77yq/servermon/internal/storage"
)

// fakeAgent serves canned data per server IP
type fakeAgent struct {
	mu       sync.Mutex
	cpu      map[string]float64
	services map[string][]model.ServiceStatus
	fail     map[string]error
	calls    int
	block    chan struct{}
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		cpu:      make(map[string]float64),
		services: make(map[string][]model.ServiceStatus),
		fail:     make(map[string]error),
	}
}

func (f *fakeAgent) setCPU(ip string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cpu[ip] = v
}

func (f *fakeAgent) CurrentData(ctx context.Context, server *model.ServerDetails) (*model.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	err := f.fail[server.IPAddress]
	cpu := f.cpu[server.IPAddress]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &model.Snapshot{CPUUsage: cpu, MemoryUsage: 40, DiskUsage: 50}, nil
}

func (f *fakeAgent) Services(ctx context.Context, server *model.ServerDetails) ([]model.ServiceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services[server.IPAddress], nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBroadcaster) Broadcast(eventType string, data interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []*model.Alert
}

func (p *recordingPublisher) PublishAlert(ctx context.Context, alert *model.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return nil
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func addServer(t *testing.T, store storage.Store, name, ip string) *model.ServerDetails {
	t.Helper()
	server := &model.ServerDetails{Name: name, IPAddress: ip}
	require.NoError(t, store.CreateServer(context.Background(), server))
	return server
}

func TestPollerKeepsHistoryAndLastGoodSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	server := addServer(t, store, "web-01", "10.0.0.1")

	agent := newFakeAgent()
	events := &recordingBroadcaster{}
	poller := NewPoller(zaptest.NewLogger(t), store, agent, PollerConfig{HistoryPoints: 3, Concurrency: 2}).
		WithBroadcaster(events)

	for i := 1; i <= 5; i++ {
		agent.setCPU("10.0.0.1", float64(i*10))
		poller.PollOnce(ctx)
	}

	history := poller.History(server.ID)
	require.Len(t, history, 3)
	assert.Equal(t, 30.0, history[0].CPUUsage)
	assert.Equal(t, 50.0, history[2].CPUUsage)
	assert.False(t, history[2].At().IsZero(), "snapshots without a timestamp are stamped")
	assert.Len(t, events.events, 5)

	agent.mu.Lock()
	agent.fail["10.0.0.1"] = errors.New("connection refused")
	agent.mu.Unlock()
	poller.PollOnce(ctx)

	status, ok := poller.Latest(server.ID)
	require.True(t, ok)
	require.NotNil(t, status.Snapshot)
	assert.Equal(t, 50.0, status.Snapshot.CPUUsage)
	assert.Contains(t, status.LastError, "connection refused")
	assert.Len(t, poller.History(server.ID), 3)

	snapshot, ok := poller.Fresh(server.ID, time.Hour)
	require.True(t, ok)
	assert.Equal(t, 50.0, snapshot.CPUUsage)

	poller.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, ok = poller.Fresh(server.ID, time.Hour)
	assert.False(t, ok)
}

func TestPollerSkipsServerWithFetchInFlight(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	server := addServer(t, store, "web-01", "10.0.0.1")

	agent := newFakeAgent()
	agent.block = make(chan struct{})
	poller := NewPoller(zaptest.NewLogger(t), store, agent, PollerConfig{Concurrency: 1})

	done := make(chan struct{})
	go func() {
		poller.PollOnce(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		agent.mu.Lock()
		defer agent.mu.Unlock()
		return agent.calls == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the second pass finds the first fetch still running
	poller.PollOnce(ctx)
	_, err := poller.Refresh(ctx, server.ID)
	assert.ErrorIs(t, err, ErrFetchInProgress)

	close(agent.block)
	<-done

	agent.mu.Lock()
	assert.Equal(t, 1, agent.calls)
	agent.mu.Unlock()

	snapshot, err := poller.Refresh(ctx, server.ID)
	require.NoError(t, err)
	assert.NotNil(t, snapshot)
}

func TestPollerForgetsDeletedServers(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	server := addServer(t, store, "web-01", "10.0.0.1")
	poller := NewPoller(zaptest.NewLogger(t), store, newFakeAgent(), PollerConfig{})

	poller.PollOnce(ctx)
	_, ok := poller.Latest(server.ID)
	require.True(t, ok)

	require.NoError(t, store.SoftDeleteServer(ctx, server.ID))
	poller.PollOnce(ctx)
	_, ok = poller.Latest(server.ID)
	assert.False(t, ok)
}

type evalFixture struct {
	store     *storage.SQLiteStore
	agent     *fakeAgent
	events    *recordingPublisher
	evaluator *Evaluator
	server    *model.ServerDetails
	now       time.Time
}

func newEvalFixture(t *testing.T) *evalFixture {
	f := &evalFixture{
		store:  newStore(t),
		agent:  newFakeAgent(),
		events: &recordingPublisher{},
		now:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.server = addServer(t, f.store, "web-01", "10.0.0.1")
	f.evaluator = NewEvaluator(zaptest.NewLogger(t), f.store, f.agent).WithEvents(f.events)
	f.evaluator.now = func() time.Time { return f.now }
	return f
}

func (f *evalFixture) addRule(t *testing.T, rule *model.AlertRule) *model.AlertRule {
	t.Helper()
	if rule.MonitoredEntity == "" {
		rule.MonitoredEntity = model.EntityServer
	}
	require.NoError(t, f.store.CreateAlertRule(context.Background(), rule))
	return rule
}

func (f *evalFixture) step(t *testing.T, d time.Duration) {
	t.Helper()
	f.now = f.now.Add(d)
	require.NoError(t, f.evaluator.Evaluate(context.Background()))
}

func (f *evalFixture) alerts(t *testing.T) []*model.Alert {
	t.Helper()
	alerts, err := f.store.ListAlerts(context.Background(), model.AlertFilter{})
	require.NoError(t, err)
	return alerts
}

func TestEvaluatorFiresAfterSustainedBreachAndResolves(t *testing.T) {
	f := newEvalFixture(t)
	rule := f.addRule(t, &model.AlertRule{
		Name:          "High CPU",
		ConditionType: model.ConditionCPUUsage,
		Threshold:     80,
		Duration:      5,
		Severity:      model.AlertSeverityHigh,
		Color:         "#ff0000",
	})

	f.agent.setCPU("10.0.0.1", 91)
	f.step(t, 0)
	assert.Equal(t, StatePending, f.evaluator.State(rule.ID, f.server.ID))
	assert.Empty(t, f.alerts(t))

	f.step(t, 2*time.Minute)
	assert.Equal(t, StatePending, f.evaluator.State(rule.ID, f.server.ID))

	f.step(t, 3*time.Minute)
	assert.Equal(t, StateFiring, f.evaluator.State(rule.ID, f.server.ID))
	alerts := f.alerts(t)
	require.Len(t, alerts, 1)
	alert := alerts[0]
	assert.Equal(t, model.AlertStatusActive, alert.Status)
	assert.Equal(t, model.AlertSeverityHigh, alert.Severity)
	assert.Equal(t, rule.ID, alert.RuleID)
	assert.Equal(t, f.server.ID, alert.ServerID)
	assert.Equal(t, "web-01", alert.AffectedEntity)
	assert.Contains(t, alert.Description, "91.00%")
	require.NotNil(t, alert.Snapshot)
	assert.Equal(t, 91.0, alert.Snapshot.CPUUsage)
	require.Len(t, f.events.alerts, 1)

	// still breached: no second alert
	f.step(t, time.Minute)
	assert.Len(t, f.alerts(t), 1)

	f.agent.setCPU("10.0.0.1", 20)
	f.step(t, time.Minute)
	assert.Equal(t, StateOK, f.evaluator.State(rule.ID, f.server.ID))
	resolved, err := f.store.GetAlert(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusResolved, resolved.Status)
}

func TestEvaluatorZeroDurationFiresImmediately(t *testing.T) {
	f := newEvalFixture(t)
	rule := f.addRule(t, &model.AlertRule{
		Name:          "Disk full",
		ConditionType: model.ConditionDiskUsage,
		Threshold:     45,
		Severity:      model.AlertSeverityCritical,
	})

	f.step(t, 0)
	assert.Equal(t, StateFiring, f.evaluator.State(rule.ID, f.server.ID))
	assert.Len(t, f.alerts(t), 1)
}

// blockingPublisher holds every publish until release is closed
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPublisher) PublishAlert(ctx context.Context, alert *model.Alert) error {
	p.entered <- struct{}{}
	<-p.release
	return nil
}

func TestEvaluatorStateReadableDuringPublish(t *testing.T) {
	f := newEvalFixture(t)
	pub := &blockingPublisher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.evaluator.WithEvents(pub)
	rule := f.addRule(t, &model.AlertRule{
		Name:          "Disk full",
		ConditionType: model.ConditionDiskUsage,
		Threshold:     45,
		Severity:      model.AlertSeverityCritical,
	})

	done := make(chan error, 1)
	go func() { done <- f.evaluator.Evaluate(context.Background()) }()

	select {
	case <-pub.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("alert was not published")
	}

	state := make(chan State, 1)
	go func() { state <- f.evaluator.State(rule.ID, f.server.ID) }()
	select {
	case s := <-state:
		assert.Equal(t, StatePending, s)
	case <-time.After(2 * time.Second):
		t.Fatal("State blocked behind the publish")
	}

	close(pub.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateFiring, f.evaluator.State(rule.ID, f.server.ID))
}

func TestEvaluatorValueAtThresholdDoesNotBreach(t *testing.T) {
	f := newEvalFixture(t)
	rule := f.addRule(t, &model.AlertRule{
		Name:          "Memory",
		ConditionType: model.ConditionMemoryUsage,
		Threshold:     40,
		Severity:      model.AlertSeverityLow,
	})

	f.step(t, 0)
	assert.Equal(t, StateOK, f.evaluator.State(rule.ID, f.server.ID))
	assert.Empty(t, f.alerts(t))
}

func TestEvaluatorAcknowledgedAlertIsNotResolved(t *testing.T) {
	f := newEvalFixture(t)
	f.addRule(t, &model.AlertRule{
		Name:          "High CPU",
		ConditionType: model.ConditionCPUUsage,
		Threshold:     80,
		Severity:      model.AlertSeverityHigh,
	})

	f.agent.setCPU("10.0.0.1", 95)
	f.step(t, 0)
	n, err := f.store.AcknowledgeAll(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	f.agent.setCPU("10.0.0.1", 10)
	f.step(t, time.Minute)
	alerts := f.alerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertStatusAcknowledged, alerts[0].Status)
}

func TestEvaluatorAdoptsExistingActiveAlert(t *testing.T) {
	f := newEvalFixture(t)
	rule := f.addRule(t, &model.AlertRule{
		Name:          "High CPU",
		ConditionType: model.ConditionCPUUsage,
		Threshold:     80,
		Severity:      model.AlertSeverityHigh,
	})
	require.NoError(t, f.store.CreateAlert(context.Background(), &model.Alert{
		ServerID: f.server.ID,
		RuleID:   rule.ID,
		Type:     model.ConditionCPUUsage,
		Severity: model.AlertSeverityHigh,
	}))

	f.agent.setCPU("10.0.0.1", 95)
	f.step(t, 0)
	assert.Equal(t, StateFiring, f.evaluator.State(rule.ID, f.server.ID))
	assert.Len(t, f.alerts(t), 1)
	assert.Empty(t, f.events.alerts)
}

func TestEvaluatorServiceDownAndCustomRules(t *testing.T) {
	f := newEvalFixture(t)
	down := f.addRule(t, &model.AlertRule{
		Name:            "Service down",
		MonitoredEntity: model.EntityService,
		ConditionType:   model.ConditionServiceDown,
		Severity:        model.AlertSeverityCritical,
	})
	custom := f.addRule(t, &model.AlertRule{
		Name:          "Manual",
		ConditionType: model.ConditionCustom,
		Threshold:     0,
		Severity:      model.AlertSeverityLow,
	})

	f.agent.services["10.0.0.1"] = []model.ServiceStatus{
		{Name: "nginx", State: "running", Running: true},
		{Name: "postgres", State: "exited", Running: false},
	}
	f.step(t, 0)

	assert.Equal(t, StateFiring, f.evaluator.State(down.ID, f.server.ID))
	assert.Equal(t, StateOK, f.evaluator.State(custom.ID, f.server.ID))
	alerts := f.alerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, "postgres", alerts[0].AffectedEntity)
	assert.Equal(t, model.ConditionServiceDown, alerts[0].Type)
}

func TestEvaluatorUnreachableAgentKeepsState(t *testing.T) {
	f := newEvalFixture(t)
	rule := f.addRule(t, &model.AlertRule{
		Name:          "High CPU",
		ConditionType: model.ConditionCPUUsage,
		Threshold:     80,
		Duration:      10,
		Severity:      model.AlertSeverityHigh,
	})

	f.agent.setCPU("10.0.0.1", 90)
	f.step(t, 0)
	require.Equal(t, StatePending, f.evaluator.State(rule.ID, f.server.ID))

	f.agent.fail["10.0.0.1"] = errors.New("timeout")
	f.step(t, 5*time.Minute)
	assert.Equal(t, StatePending, f.evaluator.State(rule.ID, f.server.ID))

	delete(f.agent.fail, "10.0.0.1")
	f.step(t, 5*time.Minute)
	assert.Equal(t, StateFiring, f.evaluator.State(rule.ID, f.server.ID))
}

func TestEvaluatorUsesFreshCache(t *testing.T) {
	f := newEvalFixture(t)
	f.addRule(t, &model.AlertRule{
		Name:          "High CPU",
		ConditionType: model.ConditionCPUUsage,
		Threshold:     80,
		Severity:      model.AlertSeverityHigh,
	})

	poller := NewPoller(zaptest.NewLogger(t), f.store, f.agent, PollerConfig{})
	poller.PollOnce(context.Background())
	f.evaluator.WithCache(poller, time.Hour)

	f.agent.mu.Lock()
	calls := f.agent.calls
	f.agent.mu.Unlock()

	f.step(t, 0)
	f.agent.mu.Lock()
	assert.Equal(t, calls, f.agent.calls)
	f.agent.mu.Unlock()
}
