package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/analysis"
	"github.com/t77yq/servermon/internal/auth"
	"github.com/t77yq/servermon/internal/model"
	"github.com/t77yq/servermon/internal/monitor"
	"github.com/t77yq/servermon/internal/storage"
)

// usageConditions are the metrics that get a threshold color on the live view
var usageConditions = []model.ConditionType{
	model.ConditionCPUUsage,
	model.ConditionMemoryUsage,
	model.ConditionDiskUsage,
}

type currentResponse struct {
	ServerID  string                         `json:"server_id"`
	Snapshot  *model.Snapshot                `json:"snapshot"`
	Colors    map[model.ConditionType]string `json:"colors"`
	FetchedAt time.Time                      `json:"fetched_at"`
	Stale     bool                           `json:"stale"`
	LastError string                         `json:"last_error,omitempty"`
}

type rangeRequest struct {
	StartTime string `json:"start_time" validate:"required"`
	EndTime   string `json:"end_time" validate:"required"`
	Metric    string `json:"metric" validate:"omitempty,oneof=cpu_usage memory_usage disk_usage network_recv network_sent"`
}

type rangeResponse struct {
	ServerID     string                  `json:"server_id"`
	Start        time.Time               `json:"start_time"`
	End          time.Time               `json:"end_time"`
	Metric       analysis.Metric         `json:"metric"`
	Points       []model.AggregatedPoint `json:"points"`
	Peaks        []model.AggregatedPoint `json:"peaks"`
	TopProcesses []model.ProcessData     `json:"top_processes"`
}

type selectServerRequest struct {
	ServerID string `json:"server_id" validate:"required"`
}

type selectedResponse struct {
	ServerID string               `json:"server_id"`
	Server   *model.ServerDetails `json:"server"`
}

func (a *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := a.cfg.Store.ListServers(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if servers == nil {
		servers = []*model.ServerDetails{}
	}
	respondJSON(w, http.StatusOK, servers)
}

func (a *API) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var server model.ServerDetails
	if err := a.decode(w, r, &server); err != nil {
		a.respondError(w, r, err)
		return
	}
	server.ID = ""

	if err := a.cfg.Store.CreateServer(r.Context(), &server); err != nil {
		a.respondError(w, r, err)
		return
	}

	a.logger.Info("Server registered",
		zap.String("server_id", server.ID),
		zap.String("ip_address", server.IPAddress))
	respondJSON(w, http.StatusCreated, server)
}

func (a *API) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, err := a.cfg.Store.GetServer(r.Context(), pathID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, server)
}

func (a *API) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	existing, err := a.cfg.Store.GetServer(r.Context(), pathID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	var server model.ServerDetails
	if err := a.decode(w, r, &server); err != nil {
		a.respondError(w, r, err)
		return
	}
	server.ID = existing.ID
	server.CreatedAt = existing.CreatedAt

	if err := a.cfg.Store.UpdateServer(r.Context(), &server); err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, server)
}

func (a *API) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if err := a.cfg.Store.SoftDeleteServer(r.Context(), id); err != nil {
		a.respondError(w, r, err)
		return
	}
	a.cfg.Sessions.ClearServer(id)

	a.logger.Info("Server deleted", zap.String("server_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// handleCurrent fetches a live snapshot and colors it with the matching alert rules.
// When the agent cannot be reached the last good snapshot is returned with a 502.
func (a *API) handleCurrent(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	ctx := r.Context()

	status := http.StatusOK
	resp := currentResponse{ServerID: id, FetchedAt: time.Now().UTC()}

	snapshot, err := a.cfg.Live.Refresh(ctx, id)
	switch {
	case err == nil:
		resp.Snapshot = snapshot
	case errors.Is(err, storage.ErrNotFound):
		a.respondError(w, r, err)
		return
	default:
		latest, ok := a.cfg.Live.Latest(id)
		if errors.Is(err, monitor.ErrFetchInProgress) && ok && latest.Snapshot != nil {
			resp.Snapshot = latest.Snapshot
			resp.FetchedAt = latest.FetchedAt
			break
		}
		if !ok || latest.Snapshot == nil {
			a.respondError(w, r, fmt.Errorf("%w: %v", ErrAgentUnavailable, err))
			return
		}
		status = http.StatusBadGateway
		resp.Snapshot = latest.Snapshot
		resp.FetchedAt = latest.FetchedAt
		resp.Stale = true
		resp.LastError = err.Error()
	}

	colors, err := a.colors(r, resp.Snapshot)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	resp.Colors = colors
	respondJSON(w, status, resp)
}

func (a *API) colors(r *http.Request, snapshot *model.Snapshot) (map[model.ConditionType]string, error) {
	colors := make(map[model.ConditionType]string, len(usageConditions))
	for _, condition := range usageConditions {
		rules, err := a.cfg.Store.ListAlertRulesByCondition(r.Context(), condition)
		if err != nil {
			return nil, err
		}
		value, _ := analysis.MetricValue(snapshot, condition)
		colors[condition] = analysis.MatchColor(rules, value)
	}
	return colors, nil
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	server, err := a.cfg.Store.GetServer(r.Context(), pathID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	history := a.cfg.Live.History(server.ID)
	if history == nil {
		history = []model.Snapshot{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"server_id": server.ID,
		"points":    history,
	})
}

// handleRange buckets the agent's metrics for a time range and ranks the peaks
func (a *API) handleRange(w http.ResponseWriter, r *http.Request) {
	server, err := a.cfg.Store.GetServer(r.Context(), pathID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	var req rangeRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	start, end, err := parseRange(req.StartTime, req.EndTime)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	metric := analysis.Metric(req.Metric)
	if metric == "" {
		metric = analysis.MetricCPU
	}

	metrics, err := a.fetchRange(r, server, start, end)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	points := analysis.Bucket(metrics, analysis.DefaultBucketWidth)
	peaks, err := analysis.TopPeaks(points, metric, analysis.TopN)
	if err != nil {
		a.respondError(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	var processes []model.ProcessData
	if latest := latestSnapshot(metrics); latest != nil {
		processes = analysis.TopProcesses(latest.Processes, analysis.TopN)
	}

	resp := rangeResponse{
		ServerID:     server.ID,
		Start:        start,
		End:          end,
		Metric:       metric,
		Points:       points,
		Peaks:        peaks,
		TopProcesses: processes,
	}
	if resp.Points == nil {
		resp.Points = []model.AggregatedPoint{}
	}
	if resp.Peaks == nil {
		resp.Peaks = []model.AggregatedPoint{}
	}
	if resp.TopProcesses == nil {
		resp.TopProcesses = []model.ProcessData{}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) fetchRange(r *http.Request, server *model.ServerDetails, start, end time.Time) ([]model.Snapshot, error) {
	resp, err := a.cfg.Agent.Range(r.Context(), server, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	return resp.Metrics, nil
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	server, err := a.cfg.Store.GetServer(r.Context(), pathID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a.cfg.Agent.Health(r.Context(), server))
}

func (a *API) handleServices(w http.ResponseWriter, r *http.Request) {
	server, err := a.cfg.Store.GetServer(r.Context(), pathID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	services, err := a.cfg.Agent.Services(r.Context(), server)
	if err != nil {
		a.respondError(w, r, fmt.Errorf("%w: %v", ErrAgentUnavailable, err))
		return
	}
	if services == nil {
		services = []model.ServiceStatus{}
	}
	respondJSON(w, http.StatusOK, services)
}

func (a *API) handleSelectServer(w http.ResponseWriter, r *http.Request) {
	var req selectServerRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}

	server, err := a.cfg.Store.GetServer(r.Context(), req.ServerID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	user := auth.GetUserFromContext(r.Context())
	a.cfg.Sessions.Select(user.ID, server.ID)
	respondJSON(w, http.StatusOK, selectedResponse{ServerID: server.ID, Server: server})
}

func (a *API) handleGetSelected(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	id, ok := a.cfg.Sessions.Selected(user.ID)
	if !ok {
		respondJSON(w, http.StatusOK, selectedResponse{})
		return
	}

	server, err := a.cfg.Store.GetServer(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		a.cfg.Sessions.Clear(user.ID)
		respondJSON(w, http.StatusOK, selectedResponse{})
		return
	}
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, selectedResponse{ServerID: server.ID, Server: server})
}

func (a *API) handleClearSelected(w http.ResponseWriter, r *http.Request) {
	a.cfg.Sessions.Clear(auth.GetUserFromContext(r.Context()).ID)
	w.WriteHeader(http.StatusNoContent)
}

// parseRange parses agent-formatted bounds; end must not precede start
func parseRange(startTime, endTime string) (time.Time, time.Time, error) {
	start, err := model.ParseAgentTime(startTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start_time: %v", ErrBadRequest, err)
	}
	end, err := model.ParseAgentTime(endTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_time: %v", ErrBadRequest, err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_time before start_time", ErrBadRequest)
	}
	return start, end, nil
}

func latestSnapshot(snapshots []model.Snapshot) *model.Snapshot {
	var latest *model.Snapshot
	for i := range snapshots {
		if latest == nil || !snapshots[i].At().Before(latest.At()) {
			latest = &snapshots[i]
		}
	}
	return latest
}
