package model

import "time"

// ReportTemplate is a saved report definition
type ReportTemplate struct {
	ID             string     `json:"report_templates_id"`
	Name           string     `json:"template_name" validate:"required,max=100"`
	Description    string     `json:"description"`
	ScheduleStatus bool       `json:"schedule_status"`
	LastGenerated  *time.Time `json:"last_generated,omitempty"`
	LastModified   *time.Time `json:"last_modified,omitempty"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_date"`
	UpdatedAt      time.Time  `json:"updated_date"`
	Deleted        bool       `json:"is_delete"`
}

// ReportKind selects which report is rendered
type ReportKind string

const (
	ReportSummary ReportKind = "summary"
	ReportProcess ReportKind = "process"
	ReportAlert   ReportKind = "alert"
)

// ReportFormat is the export format of a rendered report
type ReportFormat string

const (
	FormatPDF ReportFormat = "pdf"
	FormatPNG ReportFormat = "png"
)
