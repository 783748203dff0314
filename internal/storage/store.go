package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/model"
)

// ServerStore persists monitored servers
type ServerStore interface {
	CreateServer(ctx context.Context, server *model.ServerDetails) error
	GetServer(ctx context.Context, id string) (*model.ServerDetails, error)
	ListServers(ctx context.Context) ([]*model.ServerDetails, error)
	UpdateServer(ctx context.Context, server *model.ServerDetails) error
	SoftDeleteServer(ctx context.Context, id string) error
}

// AlertRuleStore persists alert rules
type AlertRuleStore interface {
	CreateAlertRule(ctx context.Context, rule *model.AlertRule) error
	GetAlertRule(ctx context.Context, id string) (*model.AlertRule, error)
	ListAlertRules(ctx context.Context) ([]*model.AlertRule, error)
	ListAlertRulesByCondition(ctx context.Context, condition model.ConditionType) ([]*model.AlertRule, error)
	UpdateAlertRule(ctx context.Context, rule *model.AlertRule) error
	SoftDeleteAlertRule(ctx context.Context, id string) error
}

// AlertStore persists generated alerts
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	ListAlerts(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, error)
	UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus) error
	AssignAlert(ctx context.Context, id, assignee string) error
	AcknowledgeAll(ctx context.Context) (int64, error)
	SoftDeleteAlert(ctx context.Context, id string) error
}

// ReportTemplateStore persists report templates
type ReportTemplateStore interface {
	CreateReportTemplate(ctx context.Context, tmpl *model.ReportTemplate) error
	GetReportTemplate(ctx context.Context, id string) (*model.ReportTemplate, error)
	ListReportTemplates(ctx context.Context) ([]*model.ReportTemplate, error)
	UpdateReportTemplate(ctx context.Context, tmpl *model.ReportTemplate) error
	MarkReportGenerated(ctx context.Context, id string, at time.Time) error
	SoftDeleteReportTemplate(ctx context.Context, id string) error
}

// UserStore persists application users
type UserStore interface {
	CreateUser(ctx context.Context, user *model.UserManagement) error
	RegisterUser(ctx context.Context, creds *model.Credentials, user *model.UserManagement) error
	GetUser(ctx context.Context, id string) (*model.UserManagement, error)
	GetUserByAuthID(ctx context.Context, authUserID string) (*model.UserManagement, error)
	GetUserByEmail(ctx context.Context, email string) (*model.UserManagement, error)
	ListUsers(ctx context.Context) ([]*model.UserManagement, error)
	UpdateUser(ctx context.Context, user *model.UserManagement) error
	DeleteUser(ctx context.Context, id string) error
	CountUsers(ctx context.Context) (int, error)
}

// CredentialStore persists sign-in identities and refresh tokens
type CredentialStore interface {
	CreateCredentials(ctx context.Context, creds *model.Credentials) error
	GetCredentialsByEmail(ctx context.Context, email string) (*model.Credentials, error)
	GetCredentials(ctx context.Context, authUserID string) (*model.Credentials, error)
	UpdatePassword(ctx context.Context, authUserID, passwordHash string) error
	StoreRefreshToken(ctx context.Context, token, authUserID string, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (string, error)
	DeleteRefreshTokensBefore(ctx context.Context, before time.Time) (int64, error)
}

// Store is everything the dashboard persists
type Store interface {
	ServerStore
	AlertRuleStore
	AlertStore
	ReportTemplateStore
	UserStore
	CredentialStore
	Close() error
}

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the SQLite database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS server_details (
			server_details_id TEXT PRIMARY KEY,
			server_name TEXT NOT NULL,
			ip_address TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 0,
			operating_system TEXT NOT NULL,
			location TEXT,
			description TEXT,
			created_date DATETIME NOT NULL,
			updated_date DATETIME NOT NULL,
			is_delete BOOLEAN NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_server_details_is_delete ON server_details(is_delete);

		CREATE TABLE IF NOT EXISTS alert_rules (
			alert_rule_id TEXT PRIMARY KEY,
			rule_name TEXT NOT NULL,
			monitored_entity TEXT NOT NULL,
			condition_type TEXT NOT NULL,
			threshold_value REAL NOT NULL,
			duration INTEGER NOT NULL DEFAULT 0,
			severity TEXT NOT NULL,
			color TEXT,
			notification_email BOOLEAN NOT NULL DEFAULT 0,
			notification_sms BOOLEAN NOT NULL DEFAULT 0,
			notification_webhook BOOLEAN NOT NULL DEFAULT 0,
			notification_slack BOOLEAN NOT NULL DEFAULT 0,
			created_by TEXT,
			updated_by TEXT,
			created_date DATETIME NOT NULL,
			updated_date DATETIME NOT NULL,
			is_delete BOOLEAN NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_alert_rules_condition ON alert_rules(condition_type, is_delete);

		CREATE TABLE IF NOT EXISTS alerts (
			alert_id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			server_details_id TEXT,
			alert_rule_id TEXT,
			affected_entity TEXT,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			description TEXT,
			assigned_to TEXT,
			process_data TEXT,
			is_delete BOOLEAN NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp);
		CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
		CREATE INDEX IF NOT EXISTS idx_alerts_server ON alerts(server_details_id);

		CREATE TABLE IF NOT EXISTS report_templates (
			report_templates_id TEXT PRIMARY KEY,
			template_name TEXT NOT NULL,
			description TEXT,
			schedule_status BOOLEAN NOT NULL DEFAULT 0,
			last_generated DATETIME,
			last_modified DATETIME,
			created_by TEXT,
			created_date DATETIME NOT NULL,
			updated_date DATETIME NOT NULL,
			is_delete BOOLEAN NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS auth_users (
			auth_user_id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS refresh_tokens (
			token TEXT PRIMARY KEY,
			auth_user_id TEXT NOT NULL REFERENCES auth_users(auth_user_id) ON DELETE CASCADE,
			expires_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires_at ON refresh_tokens(expires_at);

		CREATE TABLE IF NOT EXISTS user_management (
			user_management_id TEXT PRIMARY KEY,
			auth_user_id TEXT NOT NULL UNIQUE REFERENCES auth_users(auth_user_id) ON DELETE CASCADE,
			username TEXT NOT NULL,
			email TEXT NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			can_view_servers BOOLEAN NOT NULL DEFAULT 0,
			can_modify_servers BOOLEAN NOT NULL DEFAULT 0,
			can_view_services BOOLEAN NOT NULL DEFAULT 0,
			can_modify_services BOOLEAN NOT NULL DEFAULT 0,
			can_manage_alerts BOOLEAN NOT NULL DEFAULT 0,
			can_generate_reports BOOLEAN NOT NULL DEFAULT 0,
			created_date DATETIME NOT NULL,
			updated_date DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_user_management_email ON user_management(email);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// softDelete flags a row as deleted. Deleting an already-deleted row is a no-op success.
func (s *SQLiteStore) softDelete(ctx context.Context, table, idColumn, id string) error {
	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET is_delete = 1, updated_date = ? WHERE %s = ?", table, idColumn),
		s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to soft delete from %s: %w", table, err)
	}
	return expectAffected(result, table, id)
}

func expectAffected(result sql.Result, table, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
