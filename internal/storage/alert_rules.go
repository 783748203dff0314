package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/t77yq/servermon/internal/model"
)

const alertRuleColumns = `alert_rule_id, rule_name, monitored_entity, condition_type, threshold_value,
	duration, severity, color, notification_email, notification_sms, notification_webhook,
	notification_slack, created_by, updated_by, created_date, updated_date, is_delete`

// CreateAlertRule implements AlertRuleStore.CreateAlertRule
func (s *SQLiteStore) CreateAlertRule(ctx context.Context, rule *model.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.RoundThreshold()
	rule.CreatedAt = s.now()
	rule.UpdatedAt = rule.CreatedAt
	rule.Deleted = false
	if rule.UpdatedBy == "" {
		rule.UpdatedBy = rule.CreatedBy
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (`+alertRuleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rule.ID,
		rule.Name,
		rule.MonitoredEntity,
		rule.ConditionType,
		rule.Threshold,
		rule.Duration,
		rule.Severity,
		nullString(rule.Color),
		rule.NotifyEmail,
		rule.NotifySMS,
		rule.NotifyWebhook,
		rule.NotifySlack,
		nullString(rule.CreatedBy),
		nullString(rule.UpdatedBy),
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store alert rule: %w", err)
	}
	return nil
}

// GetAlertRule implements AlertRuleStore.GetAlertRule
func (s *SQLiteStore) GetAlertRule(ctx context.Context, id string) (*model.AlertRule, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+alertRuleColumns+" FROM alert_rules WHERE alert_rule_id = ? AND is_delete = 0", id)
	rule, err := scanAlertRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert rule %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan alert rule: %w", err)
	}
	return rule, nil
}

// ListAlertRules implements AlertRuleStore.ListAlertRules
func (s *SQLiteStore) ListAlertRules(ctx context.Context) ([]*model.AlertRule, error) {
	return s.queryAlertRules(ctx,
		"SELECT "+alertRuleColumns+" FROM alert_rules WHERE is_delete = 0 ORDER BY created_date DESC")
}

// ListAlertRulesByCondition implements AlertRuleStore.ListAlertRulesByCondition
func (s *SQLiteStore) ListAlertRulesByCondition(ctx context.Context, condition model.ConditionType) ([]*model.AlertRule, error) {
	return s.queryAlertRules(ctx,
		"SELECT "+alertRuleColumns+" FROM alert_rules WHERE condition_type = ? AND is_delete = 0 ORDER BY created_date DESC",
		condition)
}

func (s *SQLiteStore) queryAlertRules(ctx context.Context, query string, args ...any) ([]*model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.AlertRule
	for rows.Next() {
		rule, err := scanAlertRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return rules, nil
}

// UpdateAlertRule implements AlertRuleStore.UpdateAlertRule
func (s *SQLiteStore) UpdateAlertRule(ctx context.Context, rule *model.AlertRule) error {
	rule.RoundThreshold()
	rule.UpdatedAt = s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules SET
			rule_name = ?,
			monitored_entity = ?,
			condition_type = ?,
			threshold_value = ?,
			duration = ?,
			severity = ?,
			color = ?,
			notification_email = ?,
			notification_sms = ?,
			notification_webhook = ?,
			notification_slack = ?,
			updated_by = ?,
			updated_date = ?
		WHERE alert_rule_id = ? AND is_delete = 0`,
		rule.Name,
		rule.MonitoredEntity,
		rule.ConditionType,
		rule.Threshold,
		rule.Duration,
		rule.Severity,
		nullString(rule.Color),
		rule.NotifyEmail,
		rule.NotifySMS,
		rule.NotifyWebhook,
		rule.NotifySlack,
		nullString(rule.UpdatedBy),
		rule.UpdatedAt,
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert rule: %w", err)
	}
	return expectAffected(result, "alert rule", rule.ID)
}

// SoftDeleteAlertRule implements AlertRuleStore.SoftDeleteAlertRule
func (s *SQLiteStore) SoftDeleteAlertRule(ctx context.Context, id string) error {
	return s.softDelete(ctx, "alert_rules", "alert_rule_id", id)
}

func scanAlertRule(row rowScanner) (*model.AlertRule, error) {
	var rule model.AlertRule
	var color, createdBy, updatedBy sql.NullString
	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.MonitoredEntity,
		&rule.ConditionType,
		&rule.Threshold,
		&rule.Duration,
		&rule.Severity,
		&color,
		&rule.NotifyEmail,
		&rule.NotifySMS,
		&rule.NotifyWebhook,
		&rule.NotifySlack,
		&createdBy,
		&updatedBy,
		&rule.CreatedAt,
		&rule.UpdatedAt,
		&rule.Deleted,
	)
	if err != nil {
		return nil, err
	}
	rule.Color = color.String
	rule.CreatedBy = createdBy.String
	rule.UpdatedBy = updatedBy.String
	return &rule, nil
}
