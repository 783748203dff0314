package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/analysis"
	"github.com/t77yq/servermon/internal/model"
	"github.com/t77yq/servermon/internal/sse"
	"github.com/t77yq/servermon/internal/storage"
)

// State is the evaluation state of one (rule, server) pair
type State string

const (
	StateOK      State = "OK"
	StatePending State = "PENDING"
	StateFiring  State = "FIRING"
)

// EvaluatorStore is the persistence the evaluator needs
type EvaluatorStore interface {
	storage.ServerStore
	storage.AlertRuleStore
	storage.AlertStore
}

// SnapshotCache serves recently fetched snapshots
type SnapshotCache interface {
	Fresh(serverID string, maxAge time.Duration) (*model.Snapshot, bool)
}

// AlertPublisher receives every alert the evaluator creates
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *model.Alert) error
}

type stateKey struct {
	ruleID   string
	serverID string
}

type ruleState struct {
	state   State
	since   time.Time
	alertID string
}

// Evaluator checks alert rules against live server data
type Evaluator struct {
	logger      *zap.Logger
	store       EvaluatorStore
	agent       AgentClient
	cache       SnapshotCache
	events      AlertPublisher
	broadcaster Broadcaster
	maxAge      time.Duration
	timeout     time.Duration
	now         func() time.Time

	mu     sync.Mutex
	states map[stateKey]*ruleState
}

// NewEvaluator creates a new evaluator
func NewEvaluator(logger *zap.Logger, store EvaluatorStore, agent AgentClient) *Evaluator {
	return &Evaluator{
		logger:  logger.Named("alert-evaluator"),
		store:   store,
		agent:   agent,
		maxAge:  time.Minute,
		timeout: 2 * time.Minute,
		now:     time.Now,
		states:  make(map[stateKey]*ruleState),
	}
}

// WithCache reuses snapshots younger than maxAge instead of asking the agent again
func (e *Evaluator) WithCache(cache SnapshotCache, maxAge time.Duration) *Evaluator {
	e.cache = cache
	e.maxAge = maxAge
	return e
}

// WithEvents publishes created alerts to p
func (e *Evaluator) WithEvents(p AlertPublisher) *Evaluator {
	e.events = p
	return e
}

// WithBroadcaster sends created alerts to live dashboard clients
func (e *Evaluator) WithBroadcaster(b Broadcaster) *Evaluator {
	e.broadcaster = b
	return e
}

// Run evaluates once with its own timeout. It lets the evaluator be scheduled as a cron job.
func (e *Evaluator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	if err := e.Evaluate(ctx); err != nil {
		e.logger.Error("Alert evaluation failed", zap.Error(err))
	}
}

// State returns the evaluation state of a (rule, server) pair
func (e *Evaluator) State(ruleID, serverID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[stateKey{ruleID, serverID}]
	if !ok {
		return StateOK
	}
	return st.state
}

type serverData struct {
	server   *model.ServerDetails
	snapshot *model.Snapshot
	services []model.ServiceStatus
	err      error
	svcErr   error
}

// Evaluate checks every automatically evaluated rule against every server.
// Servers whose agent cannot be reached keep their current state.
func (e *Evaluator) Evaluate(ctx context.Context) error {
	var rules []*model.AlertRule
	needServices := false
	for _, condition := range model.EvaluatedConditions {
		rs, err := e.store.ListAlertRulesByCondition(ctx, condition)
		if err != nil {
			return fmt.Errorf("failed to load alert rules: %w", err)
		}
		if condition == model.ConditionServiceDown && len(rs) > 0 {
			needServices = true
		}
		rules = append(rules, rs...)
	}

	servers, err := e.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load servers: %w", err)
	}

	seen := make(map[stateKey]bool)
	if len(rules) > 0 {
		for _, server := range servers {
			data := e.collect(ctx, server, needServices)
			for _, rule := range rules {
				key := stateKey{rule.ID, server.ID}
				seen[key] = true
				e.evaluatePair(ctx, key, rule, data)
			}
		}
	}

	e.mu.Lock()
	for key := range e.states {
		if !seen[key] {
			delete(e.states, key)
		}
	}
	e.mu.Unlock()

	e.logger.Debug("Alert rules evaluated",
		zap.Int("rules", len(rules)),
		zap.Int("servers", len(servers)))
	return nil
}

func (e *Evaluator) collect(ctx context.Context, server *model.ServerDetails, needServices bool) *serverData {
	data := &serverData{server: server}

	if e.cache != nil {
		if snapshot, ok := e.cache.Fresh(server.ID, e.maxAge); ok {
			data.snapshot = snapshot
		}
	}
	if data.snapshot == nil {
		snapshot, err := e.agent.CurrentData(ctx, server)
		if err != nil {
			e.logger.Warn("Failed to fetch current data",
				zap.String("server_id", server.ID),
				zap.Error(err))
			data.err = err
			return data
		}
		data.snapshot = snapshot
	}

	if needServices {
		services, err := e.agent.Services(ctx, server)
		if err != nil {
			e.logger.Warn("Failed to fetch services",
				zap.String("server_id", server.ID),
				zap.Error(err))
			data.svcErr = err
			return data
		}
		data.services = services
	}
	return data
}

// check reports whether the rule is breached and describes the observation
func check(rule *model.AlertRule, data *serverData) (bool, string, string) {
	if rule.ConditionType == model.ConditionServiceDown {
		var down []string
		for _, svc := range data.services {
			if !svc.Running {
				down = append(down, svc.Name)
			}
		}
		if len(down) == 0 {
			return false, "", data.server.Name
		}
		entity := strings.Join(down, ", ")
		return true, fmt.Sprintf("%s: service down on %s: %s", rule.Name, data.server.Name, entity), entity
	}

	value, ok := analysis.MetricValue(data.snapshot, rule.ConditionType)
	if !ok || value <= rule.Threshold {
		return false, "", data.server.Name
	}
	metric := strings.ToLower(strings.ReplaceAll(string(rule.ConditionType), "_", " "))
	return true, fmt.Sprintf("%s: %s %.2f%% above threshold %.2f%% on %s",
		rule.Name, metric, value, rule.Threshold, data.server.Name), data.server.Name
}

// action is the side effect a state transition asks for
type action int

const (
	actionNone action = iota
	actionFire
	actionResolve
)

func (e *Evaluator) evaluatePair(ctx context.Context, key stateKey, rule *model.AlertRule, data *serverData) {
	if data.err != nil {
		return
	}
	if rule.ConditionType == model.ConditionServiceDown && data.svcErr != nil {
		return
	}
	breached, description, entity := check(rule, data)
	now := e.now().UTC()

	// store and stream I/O runs without e.mu held
	act, alertID := e.transition(key, rule, breached, now)
	switch act {
	case actionFire:
		if id, ok := e.fire(ctx, rule, data, description, entity, now); ok {
			e.markFiring(key, id)
		}
	case actionResolve:
		e.resolve(ctx, alertID, rule, key.serverID)
	}
}

// transition advances the pair's state and reports the side effect to run.
// A pair stays PENDING until markFiring records the created alert.
func (e *Evaluator) transition(key stateKey, rule *model.AlertRule, breached bool, now time.Time) (action, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[key]
	if !ok {
		st = &ruleState{state: StateOK, since: now}
		e.states[key] = st
	}

	if breached {
		switch st.state {
		case StateOK:
			st.state = StatePending
			st.since = now
			if rule.SustainFor() > 0 {
				e.logger.Info("Alert rule pending",
					zap.String("rule_id", rule.ID),
					zap.String("server_id", key.serverID),
					zap.Duration("sustain_for", rule.SustainFor()))
				return actionNone, ""
			}
			return actionFire, ""
		case StatePending:
			if now.Sub(st.since) >= rule.SustainFor() {
				return actionFire, ""
			}
		}
		return actionNone, ""
	}

	act, alertID := actionNone, ""
	if st.state == StateFiring {
		act, alertID = actionResolve, st.alertID
	}
	st.state = StateOK
	st.since = now
	st.alertID = ""
	return act, alertID
}

func (e *Evaluator) markFiring(key stateKey, alertID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok := e.states[key]; ok && st.state == StatePending {
		st.state = StateFiring
		st.alertID = alertID
	}
}

// fire creates, publishes and broadcasts an alert for the pair and returns its id
func (e *Evaluator) fire(ctx context.Context, rule *model.AlertRule, data *serverData, description, entity string, now time.Time) (string, bool) {
	// an alert left ACTIVE by an earlier process is adopted instead of duplicated
	active, err := e.store.ListAlerts(ctx, model.AlertFilter{ServerID: data.server.ID, Status: model.AlertStatusActive})
	if err != nil {
		e.logger.Error("Failed to list active alerts", zap.Error(err))
		return "", false
	}
	for _, a := range active {
		if a.RuleID == rule.ID {
			return a.ID, true
		}
	}

	alert := &model.Alert{
		ID:             uuid.New().String(),
		Timestamp:      now,
		ServerID:       data.server.ID,
		RuleID:         rule.ID,
		AffectedEntity: entity,
		Type:           rule.ConditionType,
		Severity:       rule.Severity,
		Status:         model.AlertStatusActive,
		Description:    description,
		Snapshot:       data.snapshot,
	}
	if err := e.store.CreateAlert(ctx, alert); err != nil {
		e.logger.Error("Failed to create alert",
			zap.String("rule_id", rule.ID),
			zap.String("server_id", data.server.ID),
			zap.Error(err))
		return "", false
	}

	e.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", rule.ID),
		zap.String("server_id", data.server.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))

	if e.events != nil {
		if err := e.events.PublishAlert(ctx, alert); err != nil {
			e.logger.Error("Failed to publish alert", zap.String("id", alert.ID), zap.Error(err))
		}
	}
	if e.broadcaster != nil {
		if err := e.broadcaster.Broadcast(sse.EventAlert, alert); err != nil {
			e.logger.Error("Failed to broadcast alert", zap.String("id", alert.ID), zap.Error(err))
		}
	}
	return alert.ID, true
}

func (e *Evaluator) resolve(ctx context.Context, alertID string, rule *model.AlertRule, serverID string) {
	if alertID == "" {
		return
	}
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		e.logger.Warn("Failed to load firing alert",
			zap.String("alert_id", alertID),
			zap.Error(err))
		return
	}
	if alert.Status != model.AlertStatusActive {
		return
	}
	if err := e.store.UpdateAlertStatus(ctx, alert.ID, model.AlertStatusResolved); err != nil {
		e.logger.Error("Failed to resolve alert", zap.String("alert_id", alert.ID), zap.Error(err))
		return
	}
	e.logger.Info("Alert resolved",
		zap.String("id", alert.ID),
		zap.String("rule_id", rule.ID),
		zap.String("server_id", serverID))
}
