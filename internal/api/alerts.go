package api

import (
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/analysis"
	"github.com/t77yq/servermon/internal/auth"
	"github.com/t77yq/servermon/internal/model"
)

type alertStatusRequest struct {
	Status model.AlertStatus `json:"status" validate:"required,oneof=ACTIVE ACKNOWLEDGED RESOLVED"`
}

type assignRequest struct {
	AssignedTo string `json:"assigned_to" validate:"max=100"`
}

type matchResponse struct {
	Matched bool             `json:"matched"`
	Color   string           `json:"color"`
	Rule    *model.AlertRule `json:"rule,omitempty"`
}

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.cfg.Store.ListAlertRules(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if rules == nil {
		rules = []*model.AlertRule{}
	}
	respondJSON(w, http.StatusOK, rules)
}

func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule model.AlertRule
	if err := a.decode(w, r, &rule); err != nil {
		a.respondError(w, r, err)
		return
	}
	user := auth.GetUserFromContext(r.Context())
	rule.ID = ""
	rule.CreatedBy = user.ID
	rule.UpdatedBy = user.ID

	if err := a.cfg.Store.CreateAlertRule(r.Context(), &rule); err != nil {
		a.respondError(w, r, err)
		return
	}

	a.logger.Info("Alert rule created",
		zap.String("rule_id", rule.ID),
		zap.String("condition_type", string(rule.ConditionType)),
		zap.Float64("threshold", rule.Threshold))
	respondJSON(w, http.StatusCreated, rule)
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.cfg.Store.GetAlertRule(r.Context(), pathID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (a *API) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	existing, err := a.cfg.Store.GetAlertRule(r.Context(), pathID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	var rule model.AlertRule
	if err := a.decode(w, r, &rule); err != nil {
		a.respondError(w, r, err)
		return
	}
	rule.ID = existing.ID
	rule.CreatedBy = existing.CreatedBy
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedBy = auth.GetUserFromContext(r.Context()).ID

	if err := a.cfg.Store.UpdateAlertRule(r.Context(), &rule); err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := a.cfg.Store.SoftDeleteAlertRule(r.Context(), pathID(r)); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMatchRule returns the color of the lowest threshold at or above value
func (a *API) handleMatchRule(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	condition := model.ConditionType(q.Get("condition_type"))
	if condition == "" {
		a.respondError(w, r, fmt.Errorf("%w: condition_type is required", ErrBadRequest))
		return
	}
	value, err := strconv.ParseFloat(q.Get("value"), 64)
	if err != nil {
		a.respondError(w, r, fmt.Errorf("%w: value must be a number", ErrBadRequest))
		return
	}

	rules, err := a.cfg.Store.ListAlertRulesByCondition(r.Context(), condition)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	rule, ok := analysis.MatchRule(rules, value)
	if !ok {
		respondJSON(w, http.StatusOK, matchResponse{})
		return
	}
	respondJSON(w, http.StatusOK, matchResponse{Matched: true, Color: rule.Color, Rule: rule})
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.AlertFilter{
		ServerID: q.Get("server_id"),
		Status:   model.AlertStatus(q.Get("status")),
	}
	if filter.Status != "" {
		if err := a.validate.Var(filter.Status, "oneof=ACTIVE ACKNOWLEDGED RESOLVED"); err != nil {
			a.respondError(w, r, fmt.Errorf("%w: unknown status %q", ErrBadRequest, filter.Status))
			return
		}
	}

	alerts, err := a.cfg.Store.ListAlerts(r.Context(), filter)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*model.Alert{}
	}
	respondJSON(w, http.StatusOK, alerts)
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := a.cfg.Store.GetAlert(r.Context(), pathID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

func (a *API) handleAlertStatus(w http.ResponseWriter, r *http.Request) {
	var req alertStatusRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}

	id := pathID(r)
	if err := a.cfg.Store.UpdateAlertStatus(r.Context(), id, req.Status); err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondAlert(w, r, id)
}

func (a *API) handleAssignAlert(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}

	id := pathID(r)
	if err := a.cfg.Store.AssignAlert(r.Context(), id, req.AssignedTo); err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondAlert(w, r, id)
}

func (a *API) respondAlert(w http.ResponseWriter, r *http.Request, id string) {
	alert, err := a.cfg.Store.GetAlert(r.Context(), id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

func (a *API) handleAcknowledgeAll(w http.ResponseWriter, r *http.Request) {
	n, err := a.cfg.Store.AcknowledgeAll(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	a.logger.Info("Alerts acknowledged",
		zap.Int64("count", n),
		zap.String("user_id", auth.GetUserFromContext(r.Context()).ID))
	respondJSON(w, http.StatusOK, map[string]int64{"acknowledged": n})
}

func (a *API) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	if err := a.cfg.Store.SoftDeleteAlert(r.Context(), pathID(r)); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
