package model

import (
	"math"
	"time"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "LOW"
	AlertSeverityMedium   AlertSeverity = "MEDIUM"
	AlertSeverityHigh     AlertSeverity = "HIGH"
	AlertSeverityCritical AlertSeverity = "CRITICAL"
)

// AlertStatus represents the lifecycle state of a generated alert
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "ACTIVE"
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertStatusResolved     AlertStatus = "RESOLVED"
)

// MonitoredEntity is the kind of thing an alert rule watches
type MonitoredEntity string

const (
	EntityServer  MonitoredEntity = "SERVER"
	EntityService MonitoredEntity = "SERVICE"
)

// ConditionType represents the metric or condition an alert rule evaluates
type ConditionType string

const (
	ConditionCPUUsage    ConditionType = "CPU_USAGE"
	ConditionMemoryUsage ConditionType = "MEMORY_USAGE"
	ConditionDiskUsage   ConditionType = "DISK_USAGE"
	ConditionServiceDown ConditionType = "SERVICE_DOWN"
	ConditionCustom      ConditionType = "CUSTOM"
)

// EvaluatedConditions are the condition types checked by the alert cron job.
// CUSTOM rules are only raised by hand.
var EvaluatedConditions = []ConditionType{
	ConditionCPUUsage,
	ConditionMemoryUsage,
	ConditionDiskUsage,
	ConditionServiceDown,
}

// AlertRule defines a threshold rule for generating alerts
type AlertRule struct {
	ID              string          `json:"alert_rule_id"`
	Name            string          `json:"rule_name" validate:"required,max=100"`
	MonitoredEntity MonitoredEntity `json:"monitored_entity" validate:"required,oneof=SERVER SERVICE"`
	ConditionType   ConditionType   `json:"condition_type" validate:"required,oneof=CPU_USAGE MEMORY_USAGE DISK_USAGE SERVICE_DOWN CUSTOM"`
	Threshold       float64         `json:"threshold_value" validate:"gte=0,lte=100"`
	Duration        int             `json:"duration" validate:"gte=0"`
	Severity        AlertSeverity   `json:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	Color           string          `json:"color" validate:"omitempty,hexcolor"`
	NotifyEmail     bool            `json:"notification_email"`
	NotifySMS       bool            `json:"notification_sms"`
	NotifyWebhook   bool            `json:"notification_webhook"`
	NotifySlack     bool            `json:"notification_slack"`
	CreatedBy       string          `json:"created_by"`
	UpdatedBy       string          `json:"updated_by"`
	CreatedAt       time.Time       `json:"created_date"`
	UpdatedAt       time.Time       `json:"updated_date"`
	Deleted         bool            `json:"is_delete"`
}

// RoundThreshold keeps the threshold at two decimal places.
func (r *AlertRule) RoundThreshold() {
	r.Threshold = math.Round(r.Threshold*100) / 100
}

// SustainFor returns how long a breach must last before the rule fires.
func (r *AlertRule) SustainFor() time.Duration {
	return time.Duration(r.Duration) * time.Minute
}

// Alert represents a generated alert event
type Alert struct {
	ID             string        `json:"alert_id"`
	Timestamp      time.Time     `json:"timestamp"`
	ServerID       string        `json:"server_details_id"`
	RuleID         string        `json:"alert_rule_id,omitempty"`
	AffectedEntity string        `json:"affected_entity"`
	Type           ConditionType `json:"alert_type"`
	Severity       AlertSeverity `json:"severity"`
	Status         AlertStatus   `json:"status"`
	Description    string        `json:"description"`
	AssignedTo     string        `json:"assigned_to"`
	Deleted        bool          `json:"is_delete"`
	Snapshot       *Snapshot     `json:"process_data,omitempty"`
}

// AlertFilter narrows alert listings
type AlertFilter struct {
	ServerID string
	Status   AlertStatus
}
