package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/servermon/internal/model"
)

const reportTemplateColumns = `report_templates_id, template_name, description, schedule_status,
	last_generated, last_modified, created_by, created_date, updated_date, is_delete`

// CreateReportTemplate implements ReportTemplateStore.CreateReportTemplate
func (s *SQLiteStore) CreateReportTemplate(ctx context.Context, tmpl *model.ReportTemplate) error {
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	tmpl.CreatedAt = s.now()
	tmpl.UpdatedAt = tmpl.CreatedAt
	tmpl.Deleted = false

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO report_templates (`+reportTemplateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		tmpl.ID,
		tmpl.Name,
		nullString(tmpl.Description),
		tmpl.ScheduleStatus,
		nullTime(tmpl.LastGenerated),
		nullTime(tmpl.LastModified),
		nullString(tmpl.CreatedBy),
		tmpl.CreatedAt,
		tmpl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store report template: %w", err)
	}
	return nil
}

// GetReportTemplate implements ReportTemplateStore.GetReportTemplate
func (s *SQLiteStore) GetReportTemplate(ctx context.Context, id string) (*model.ReportTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+reportTemplateColumns+" FROM report_templates WHERE report_templates_id = ? AND is_delete = 0", id)
	tmpl, err := scanReportTemplate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("report template %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan report template: %w", err)
	}
	return tmpl, nil
}

// ListReportTemplates implements ReportTemplateStore.ListReportTemplates
func (s *SQLiteStore) ListReportTemplates(ctx context.Context) ([]*model.ReportTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+reportTemplateColumns+" FROM report_templates WHERE is_delete = 0 ORDER BY created_date DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list report templates: %w", err)
	}
	defer rows.Close()

	var templates []*model.ReportTemplate
	for rows.Next() {
		tmpl, err := scanReportTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report template: %w", err)
		}
		templates = append(templates, tmpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return templates, nil
}

// UpdateReportTemplate implements ReportTemplateStore.UpdateReportTemplate
func (s *SQLiteStore) UpdateReportTemplate(ctx context.Context, tmpl *model.ReportTemplate) error {
	now := s.now()
	tmpl.UpdatedAt = now
	tmpl.LastModified = &now
	result, err := s.db.ExecContext(ctx, `
		UPDATE report_templates SET
			template_name = ?,
			description = ?,
			schedule_status = ?,
			last_modified = ?,
			updated_date = ?
		WHERE report_templates_id = ? AND is_delete = 0`,
		tmpl.Name,
		nullString(tmpl.Description),
		tmpl.ScheduleStatus,
		now,
		now,
		tmpl.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update report template: %w", err)
	}
	return expectAffected(result, "report template", tmpl.ID)
}

// MarkReportGenerated implements ReportTemplateStore.MarkReportGenerated
func (s *SQLiteStore) MarkReportGenerated(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE report_templates SET last_generated = ? WHERE report_templates_id = ? AND is_delete = 0", at, id)
	if err != nil {
		return fmt.Errorf("failed to mark report generated: %w", err)
	}
	return expectAffected(result, "report template", id)
}

// SoftDeleteReportTemplate implements ReportTemplateStore.SoftDeleteReportTemplate
func (s *SQLiteStore) SoftDeleteReportTemplate(ctx context.Context, id string) error {
	return s.softDelete(ctx, "report_templates", "report_templates_id", id)
}

func scanReportTemplate(row rowScanner) (*model.ReportTemplate, error) {
	var tmpl model.ReportTemplate
	var description, createdBy sql.NullString
	var lastGenerated, lastModified sql.NullTime
	err := row.Scan(
		&tmpl.ID,
		&tmpl.Name,
		&description,
		&tmpl.ScheduleStatus,
		&lastGenerated,
		&lastModified,
		&createdBy,
		&tmpl.CreatedAt,
		&tmpl.UpdatedAt,
		&tmpl.Deleted,
	)
	if err != nil {
		return nil, err
	}
	tmpl.Description = description.String
	tmpl.CreatedBy = createdBy.String
	tmpl.LastGenerated = timePtr(lastGenerated)
	tmpl.LastModified = timePtr(lastModified)
	return &tmpl, nil
}
