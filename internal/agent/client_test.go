package agent

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/servermon/internal/model"
)

func serverFor(t *testing.T, ts *httptest.Server) *model.ServerDetails {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &model.ServerDetails{ID: "srv-1", Name: "test", IPAddress: host, Port: port}
}

func TestCurrentData(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/current_data", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"cpu_usage": 42.5,
			"memory_usage": 61.2,
			"disk_usage": 70.1,
			"bytes_sent": 2048,
			"bytes_recv": 4096,
			"current_time": "2024-03-01 10:15:00",
			"process_data": [
				{"pid": 1, "name": "init", "cpu_usage": 0.1, "memory_usage": 0.2, "start_time": "Fri, 01 Mar 2024 09:00:00 GMT"}
			]
		}`))
	}))
	defer ts.Close()

	client := NewClient(zaptest.NewLogger(t), time.Second, 5000)
	snap, err := client.CurrentData(context.Background(), serverFor(t, ts))
	require.NoError(t, err)

	assert.Equal(t, 42.5, snap.CPUUsage)
	assert.EqualValues(t, 4096, snap.BytesRecv)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC), snap.CurrentTime.Time)
	require.Len(t, snap.Processes, 1)
	assert.Equal(t, "init", snap.Processes[0].Name)
	assert.Equal(t, 9, snap.Processes[0].StartTime.Hour())
}

func TestRangeSendsFormattedBounds(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/monitor/range", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req model.RangeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2024-03-01 10:00:00", req.StartTime)
		assert.Equal(t, "2024-03-01 11:00:00", req.EndTime)

		w.Write([]byte(`{"metrics": [
			{"cpu_usage": 50, "timestamp": "2024-03-01 10:00:00"},
			{"cpu_usage": 70, "timestamp": "2024-03-01T10:10:00Z"}
		]}`))
	}))
	defer ts.Close()

	client := NewClient(zaptest.NewLogger(t), time.Second, 5000)
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	resp, err := client.Range(context.Background(), serverFor(t, ts), start, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, resp.Metrics, 2)
	assert.Equal(t, start, resp.Metrics[0].At())
	assert.Equal(t, start.Add(10*time.Minute), resp.Metrics[1].At())

	_, err = client.Range(context.Background(), serverFor(t, ts), start, start.Add(-time.Minute))
	assert.Error(t, err)
}

func TestUnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(zaptest.NewLogger(t), time.Second, 5000)
	_, err := client.CurrentData(context.Background(), serverFor(t, ts))
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer healthy.Close()

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	client := NewClient(zaptest.NewLogger(t), time.Second, 5000)
	ctx := context.Background()

	status := client.Health(ctx, serverFor(t, healthy))
	assert.Equal(t, model.HealthHealthy, status.Status)
	assert.JSONEq(t, `{"status":"ok"}`, string(status.Data))

	assert.Equal(t, model.HealthUnhealthy, client.Health(ctx, serverFor(t, unhealthy)).Status)

	gone := serverFor(t, unhealthy)
	unhealthy.Close()
	assert.Equal(t, model.HealthUnreachable, client.Health(ctx, gone).Status)
}

func TestDefaultPort(t *testing.T) {
	server := &model.ServerDetails{IPAddress: "10.1.2.3"}
	assert.Equal(t, "http://10.1.2.3:5000", server.AgentBaseURL(5000))
	assert.Equal(t, "http://10.1.2.3:5005", server.AgentBaseURL(5005))
	server.Port = 6000
	assert.Equal(t, "http://10.1.2.3:6000", server.AgentBaseURL(5000))
}
