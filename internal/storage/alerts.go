package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/t77yq/servermon/internal/model"
)

const alertColumns = `alert_id, timestamp, server_details_id, alert_rule_id, affected_entity, alert_type,
	severity, status, description, assigned_to, process_data, is_delete`

// CreateAlert implements AlertStore.CreateAlert
func (s *SQLiteStore) CreateAlert(ctx context.Context, alert *model.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = s.now()
	}
	if alert.Status == "" {
		alert.Status = model.AlertStatusActive
	}
	alert.Deleted = false

	var snapshot sql.NullString
	if alert.Snapshot != nil {
		data, err := json.Marshal(alert.Snapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal alert snapshot: %w", err)
		}
		snapshot = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		alert.ID,
		alert.Timestamp,
		nullString(alert.ServerID),
		nullString(alert.RuleID),
		nullString(alert.AffectedEntity),
		alert.Type,
		alert.Severity,
		alert.Status,
		nullString(alert.Description),
		nullString(alert.AssignedTo),
		snapshot,
	)
	if err != nil {
		return fmt.Errorf("failed to store alert: %w", err)
	}
	return nil
}

// GetAlert implements AlertStore.GetAlert
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+alertColumns+" FROM alerts WHERE alert_id = ? AND is_delete = 0", id)
	alert, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	return alert, nil
}

// ListAlerts implements AlertStore.ListAlerts. Newest alerts come first.
func (s *SQLiteStore) ListAlerts(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, error) {
	conditions := []string{"is_delete = 0"}
	args := make([]any, 0, 2)
	if filter.ServerID != "" {
		conditions = append(conditions, "server_details_id = ?")
		args = append(args, filter.ServerID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	query := "SELECT " + alertColumns + " FROM alerts WHERE " +
		strings.Join(conditions, " AND ") + " ORDER BY timestamp DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return alerts, nil
}

// UpdateAlertStatus implements AlertStore.UpdateAlertStatus
func (s *SQLiteStore) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE alerts SET status = ? WHERE alert_id = ? AND is_delete = 0", status, id)
	if err != nil {
		return fmt.Errorf("failed to update alert status: %w", err)
	}
	return expectAffected(result, "alert", id)
}

// AssignAlert implements AlertStore.AssignAlert
func (s *SQLiteStore) AssignAlert(ctx context.Context, id, assignee string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE alerts SET assigned_to = ? WHERE alert_id = ? AND is_delete = 0", nullString(assignee), id)
	if err != nil {
		return fmt.Errorf("failed to assign alert: %w", err)
	}
	return expectAffected(result, "alert", id)
}

// AcknowledgeAll implements AlertStore.AcknowledgeAll
func (s *SQLiteStore) AcknowledgeAll(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE alerts SET status = ? WHERE status = ? AND is_delete = 0",
		model.AlertStatusAcknowledged, model.AlertStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to acknowledge alerts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected, nil
}

// SoftDeleteAlert implements AlertStore.SoftDeleteAlert. Alerts carry no updated_date.
func (s *SQLiteStore) SoftDeleteAlert(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE alerts SET is_delete = 1 WHERE alert_id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to soft delete alert: %w", err)
	}
	return expectAffected(result, "alert", id)
}

func scanAlert(row rowScanner) (*model.Alert, error) {
	var alert model.Alert
	var serverID, ruleID, entity, description, assignee, snapshot sql.NullString
	err := row.Scan(
		&alert.ID,
		&alert.Timestamp,
		&serverID,
		&ruleID,
		&entity,
		&alert.Type,
		&alert.Severity,
		&alert.Status,
		&description,
		&assignee,
		&snapshot,
		&alert.Deleted,
	)
	if err != nil {
		return nil, err
	}
	alert.ServerID = serverID.String
	alert.RuleID = ruleID.String
	alert.AffectedEntity = entity.String
	alert.Description = description.String
	alert.AssignedTo = assignee.String

	if snapshot.Valid && snapshot.String != "" {
		var snap model.Snapshot
		if err := json.Unmarshal([]byte(snapshot.String), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert snapshot: %w", err)
		}
		alert.Snapshot = &snap
	}
	return &alert, nil
}
