package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AgentTimeLayout is the wall-clock format agents and range queries use
const AgentTimeLayout = "2006-01-02 15:04:05"

var agentTimeLayouts = []string{
	AgentTimeLayout,
	time.RFC3339Nano,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
}

// AgentTime is a timestamp reported by a monitoring agent.
// It accepts the few layouts agents are known to emit and always writes AgentTimeLayout.
type AgentTime struct {
	time.Time
}

// ParseAgentTime parses s using any known agent layout.
func ParseAgentTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range agentTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized agent time %q", s)
}

func (t AgentTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Format(AgentTimeLayout))
}

func (t *AgentTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("agent time must be a string: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseAgentTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// ProcessData is one process in an agent snapshot
type ProcessData struct {
	PID         int32     `json:"pid"`
	Name        string    `json:"name"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	StartTime   AgentTime `json:"start_time"`
}

// Snapshot is a point-in-time resource reading from an agent
type Snapshot struct {
	CPUUsage    float64       `json:"cpu_usage"`
	MemoryUsage float64       `json:"memory_usage"`
	DiskUsage   float64       `json:"disk_usage"`
	BytesSent   uint64        `json:"bytes_sent"`
	BytesRecv   uint64        `json:"bytes_recv"`
	CurrentTime AgentTime     `json:"current_time"`
	Timestamp   AgentTime     `json:"timestamp,omitempty"`
	Processes   []ProcessData `json:"process_data"`
}

// At returns the snapshot's time, preferring the range timestamp over current_time.
func (s *Snapshot) At() time.Time {
	if !s.Timestamp.IsZero() {
		return s.Timestamp.Time
	}
	return s.CurrentTime.Time
}

// RangeRequest is the body of an agent range query
type RangeRequest struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// NewRangeRequest formats start and end the way agents expect.
func NewRangeRequest(start, end time.Time) RangeRequest {
	return RangeRequest{
		StartTime: start.Format(AgentTimeLayout),
		EndTime:   end.Format(AgentTimeLayout),
	}
}

// RangeResponse is the agent's answer to a range query
type RangeResponse struct {
	Metrics []Snapshot `json:"metrics"`
}

// AggregatedPoint is one time bucket of averaged snapshots
type AggregatedPoint struct {
	Time        string        `json:"time"`
	Start       time.Time     `json:"start"`
	CPUUsage    float64       `json:"cpu_usage"`
	MemoryUsage float64       `json:"memory_usage"`
	DiskUsage   float64       `json:"disk_usage"`
	NetworkRecv float64       `json:"network_recv"`
	NetworkSent float64       `json:"network_sent"`
	Processes   []ProcessData `json:"process_data,omitempty"`
	Count       int           `json:"count"`
}

// ServiceStatus is a service or container reported by an agent
type ServiceStatus struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Running bool   `json:"running"`
}

// HealthState is the outcome of an agent health probe
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthUnhealthy   HealthState = "unhealthy"
	HealthUnreachable HealthState = "unreachable"
)

// HealthStatus is the result of an agent health probe
type HealthStatus struct {
	Status HealthState     `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}
