package agentd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/model"
)

// maxRange bounds a single range query
const maxRange = 31 * 24 * time.Hour

// Server exposes the agent HTTP endpoints the dashboard calls
type Server struct {
	logger   *zap.Logger
	sampler  Sampler
	history  History
	services ServiceProbe
	started  time.Time
	now      func() time.Time
}

// NewServer creates the agent HTTP server
func NewServer(logger *zap.Logger, sampler Sampler, history History, services ServiceProbe) *Server {
	if services == nil {
		services = NoServices{}
	}
	return &Server{
		logger:   logger.Named("agentd"),
		sampler:  sampler,
		history:  history,
		services: services,
		started:  time.Now(),
		now:      time.Now,
	}
}

// Router returns the agent routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/current_data", s.handleCurrentData).Methods(http.MethodGet)
	r.HandleFunc("/monitor/range", s.handleRange).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/services", s.handleServices).Methods(http.MethodGet)
	return r
}

func (s *Server) handleCurrentData(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.sampler.Sample(r.Context())
	if err != nil {
		s.logger.Error("Failed to sample host", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to collect metrics")
		return
	}
	if snapshot.CurrentTime.IsZero() {
		snapshot.CurrentTime = model.AgentTime{Time: s.now().UTC()}
	}
	respondJSON(w, http.StatusOK, snapshot)
}

// parseRange reads start_time and end_time from a JSON body or the query string
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	var req model.RangeRequest
	if r.Method == http.MethodPost && r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid request body: %w", err)
		}
	}
	if req.StartTime == "" {
		req.StartTime = r.URL.Query().Get("start_time")
	}
	if req.EndTime == "" {
		req.EndTime = r.URL.Query().Get("end_time")
	}
	if req.StartTime == "" || req.EndTime == "" {
		return time.Time{}, time.Time{}, errors.New("start_time and end_time are required")
	}

	start, err := model.ParseAgentTime(req.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := model.ParseAgentTime(req.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("end_time is before start_time")
	}
	if end.Sub(start) > maxRange {
		return time.Time{}, time.Time{}, fmt.Errorf("range longer than %s", maxRange)
	}
	return start, end, nil
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	metrics, err := s.history.Range(r.Context(), start, end)
	if err != nil {
		s.logger.Error("Failed to query history", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	if metrics == nil {
		metrics = []model.Snapshot{}
	}

	s.logger.Debug("Range served",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("count", len(metrics)))
	respondJSON(w, http.StatusOK, model.RangeResponse{Metrics: metrics})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	samples, err := s.history.Count(r.Context())
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(s.now().Sub(s.started).Seconds()),
		"samples":        samples,
	})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.services.Services(r.Context())
	if err != nil {
		s.logger.Error("Failed to list services", zap.Error(err))
		respondError(w, http.StatusBadGateway, "failed to list services")
		return
	}
	respondJSON(w, http.StatusOK, services)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
