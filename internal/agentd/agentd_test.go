package agentd

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/servermon/internal/agent"
	"github.com/t77yq/servermon/internal/model"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeSampler struct {
	mu    sync.Mutex
	next  float64
	err   error
	calls int
}

func (f *fakeSampler) Sample(ctx context.Context) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.next += 10
	return &model.Snapshot{
		CPUUsage:    f.next,
		MemoryUsage: 50,
		DiskUsage:   60,
		BytesSent:   100,
		BytesRecv:   200,
		CurrentTime: model.AgentTime{Time: base.Add(time.Duration(f.calls) * time.Minute)},
		Processes:   []model.ProcessData{{PID: 7, Name: "sshd", CPUUsage: 0.5, MemoryUsage: 0.1}},
	}, nil
}

func newHistory(t *testing.T) *SQLiteHistory {
	t.Helper()
	h, err := NewSQLiteHistory(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func sampleAt(at time.Time, cpu float64) *model.Snapshot {
	return &model.Snapshot{CPUUsage: cpu, CurrentTime: model.AgentTime{Time: at}}
}

func TestHistoryRangeAndRetention(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, h.Store(ctx, sampleAt(base.Add(time.Duration(i)*10*time.Minute), float64(i))))
	}

	got, err := h.Range(ctx, base.Add(10*time.Minute), base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3, "bounds are inclusive")
	assert.Equal(t, 1.0, got[0].CPUUsage)
	assert.Equal(t, 3.0, got[2].CPUUsage)
	assert.Equal(t, base.Add(10*time.Minute), got[0].Timestamp.Time)

	deleted, err := h.DeleteBefore(ctx, base.Add(25*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)

	count, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRetentionJob(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	require.NoError(t, h.Store(ctx, sampleAt(base.Add(-48*time.Hour), 1)))
	require.NoError(t, h.Store(ctx, sampleAt(base.Add(-time.Hour), 2)))

	job := NewRetention(zaptest.NewLogger(t), h, 24*time.Hour)
	job.now = func() time.Time { return base }
	job.Run()

	count, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCollector(t *testing.T) {
	h := newHistory(t)
	sampler := &fakeSampler{}
	c := NewCollector(zaptest.NewLogger(t), sampler, h, time.Hour)

	_, ok := c.Latest()
	assert.False(t, ok)

	snapshot, err := c.Collect(context.Background())
	require.NoError(t, err)
	latest, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, snapshot, latest)

	sampler.err = errors.New("boom")
	_, err = c.Collect(context.Background())
	assert.Error(t, err)

	count, err := h.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCollectorLoop(t *testing.T) {
	h := newHistory(t)
	c := NewCollector(zaptest.NewLogger(t), &fakeSampler{}, h, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	require.Eventually(t, func() bool {
		n, err := h.Count(context.Background())
		return err == nil && n >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

type fakeDocker struct {
	containers []types.Container
}

func (f *fakeDocker) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	return f.containers, nil
}

func TestDockerProbe(t *testing.T) {
	p := &DockerProbe{
		logger: zaptest.NewLogger(t),
		docker: &fakeDocker{containers: []types.Container{
			{ID: "bbbbbbbbbbbbbbbb", Names: []string{"/web"}, State: "running"},
			{ID: "aaaaaaaaaaaaaaaa", Names: []string{"/db"}, State: "exited"},
			{ID: "cccccccccccccccc", State: "running"},
		}},
	}

	services, err := p.Services(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.ServiceStatus{
		{Name: "cccccccccccc", State: "running", Running: true},
		{Name: "db", State: "exited", Running: false},
		{Name: "web", State: "running", Running: true},
	}, services)
}

func serverFor(t *testing.T, ts *httptest.Server) *model.ServerDetails {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &model.ServerDetails{ID: "srv-1", Name: "agent", IPAddress: host, Port: port}
}

func TestServerWithAgentClient(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, h.Store(ctx, sampleAt(base.Add(time.Duration(i)*time.Minute), float64(10*i))))
	}

	srv := NewServer(zaptest.NewLogger(t), &fakeSampler{}, h, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	client := agent.NewClient(zaptest.NewLogger(t), 5*time.Second, 5000)
	server := serverFor(t, ts)

	snapshot, err := client.CurrentData(ctx, server)
	require.NoError(t, err)
	assert.Equal(t, 10.0, snapshot.CPUUsage)
	require.Len(t, snapshot.Processes, 1)
	assert.Equal(t, "sshd", snapshot.Processes[0].Name)

	resp, err := client.Range(ctx, server, base.Add(time.Minute), base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, resp.Metrics, 2)
	assert.Equal(t, 10.0, resp.Metrics[0].CPUUsage)
	assert.Equal(t, base.Add(2*time.Minute), resp.Metrics[1].At())

	services, err := client.Services(ctx, server)
	require.NoError(t, err)
	assert.Empty(t, services)

	health := client.Health(ctx, server)
	assert.Equal(t, model.HealthHealthy, health.Status)
	assert.Contains(t, string(health.Data), `"samples":4`)
}

func TestRangeQueryAndValidation(t *testing.T) {
	h := newHistory(t)
	require.NoError(t, h.Store(context.Background(), sampleAt(base, 42)))
	router := NewServer(zaptest.NewLogger(t), &fakeSampler{}, h, nil).Router()

	do := func(method, target, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	q := url.Values{}
	q.Set("start_time", "2024-03-01 09:00:00")
	q.Set("end_time", "2024-03-01 11:00:00")
	w := do(http.MethodGet, "/monitor/range?"+q.Encode(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp model.RangeResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Metrics, 1)
	assert.Equal(t, 42.0, resp.Metrics[0].CPUUsage)

	w = do(http.MethodPost, "/monitor/range", `{"start_time":"2024-03-01 12:00:00","end_time":"2024-03-01 13:00:00"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"metrics":[]}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/monitor/range", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(http.MethodPost, "/monitor/range", `{"start_time":"2024-03-01 12:00:00","end_time":"2024-03-01 11:00:00"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(http.MethodPost, "/monitor/range", `{"start_time":"yesterday","end_time":"2024-03-01 11:00:00"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(http.MethodPost, "/monitor/range", `{"start_time":"2024-01-01 00:00:00","end_time":"2024-03-01 11:00:00"}`).Code)
}

func TestCurrentDataSamplerFailure(t *testing.T) {
	router := NewServer(zaptest.NewLogger(t), &fakeSampler{err: errors.New("no /proc")}, newHistory(t), nil).Router()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/current_data", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
