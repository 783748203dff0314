package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/servermon/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// step the clock so ordering by created_date is deterministic
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	var tick int
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return store
}

func TestServerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	server := &model.ServerDetails{
		Name:            "web-01",
		IPAddress:       "10.0.0.5",
		OperatingSystem: "Ubuntu 22.04",
		Location:        "eu-west",
	}
	require.NoError(t, store.CreateServer(ctx, server))
	require.NotEmpty(t, server.ID)

	got, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, "web-01", got.Name)
	assert.Equal(t, "eu-west", got.Location)
	assert.Empty(t, got.Description)
	assert.False(t, got.Deleted)

	got.Description = "frontend"
	got.Port = 5001
	require.NoError(t, store.UpdateServer(ctx, got))

	got, err = store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, "frontend", got.Description)
	assert.Equal(t, 5001, got.Port)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestListServersSortedByName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, name := range []string{"db-01", "app-02", "app-01"} {
		require.NoError(t, store.CreateServer(ctx, &model.ServerDetails{
			Name: name, IPAddress: "10.0.0.1", OperatingSystem: "Linux",
		}))
	}

	servers, err := store.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 3)
	assert.Equal(t, "app-01", servers[0].Name)
	assert.Equal(t, "app-02", servers[1].Name)
	assert.Equal(t, "db-01", servers[2].Name)
}

func TestSoftDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	keep := &model.ServerDetails{Name: "keep", IPAddress: "10.0.0.1", OperatingSystem: "Linux"}
	drop := &model.ServerDetails{Name: "drop", IPAddress: "10.0.0.2", OperatingSystem: "Linux"}
	require.NoError(t, store.CreateServer(ctx, keep))
	require.NoError(t, store.CreateServer(ctx, drop))

	require.NoError(t, store.SoftDeleteServer(ctx, drop.ID))
	require.NoError(t, store.SoftDeleteServer(ctx, drop.ID))

	_, err := store.GetServer(ctx, drop.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	servers, err := store.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, keep.ID, servers[0].ID)

	// the row is still there, only flagged
	var flagged bool
	require.NoError(t, store.db.QueryRow(
		"SELECT is_delete FROM server_details WHERE server_details_id = ?", drop.ID).Scan(&flagged))
	assert.True(t, flagged)

	assert.ErrorIs(t, store.UpdateServer(ctx, drop), ErrNotFound)
	assert.ErrorIs(t, store.SoftDeleteServer(ctx, "missing"), ErrNotFound)
}

func TestAlertRules(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	warn := &model.AlertRule{
		Name:            "CPU warning",
		MonitoredEntity: model.EntityServer,
		ConditionType:   model.ConditionCPUUsage,
		Threshold:       70.456,
		Duration:        5,
		Severity:        model.AlertSeverityMedium,
		Color:           "#ffa500",
		NotifyEmail:     true,
		CreatedBy:       "admin@example.com",
	}
	disk := &model.AlertRule{
		Name:            "Disk full",
		MonitoredEntity: model.EntityServer,
		ConditionType:   model.ConditionDiskUsage,
		Threshold:       90,
		Severity:        model.AlertSeverityCritical,
		NotifySlack:     true,
	}
	require.NoError(t, store.CreateAlertRule(ctx, warn))
	require.NoError(t, store.CreateAlertRule(ctx, disk))
	assert.Equal(t, 70.46, warn.Threshold)

	rules, err := store.ListAlertRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, disk.ID, rules[0].ID, "newest first")

	cpuRules, err := store.ListAlertRulesByCondition(ctx, model.ConditionCPUUsage)
	require.NoError(t, err)
	require.Len(t, cpuRules, 1)
	got := cpuRules[0]
	assert.Equal(t, 70.46, got.Threshold)
	assert.True(t, got.NotifyEmail)
	assert.False(t, got.NotifySMS)
	assert.Equal(t, "admin@example.com", got.UpdatedBy)

	got.Threshold = 75
	got.UpdatedBy = "ops@example.com"
	require.NoError(t, store.UpdateAlertRule(ctx, got))
	updated, err := store.GetAlertRule(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, 75.0, updated.Threshold)
	assert.Equal(t, "ops@example.com", updated.UpdatedBy)

	require.NoError(t, store.SoftDeleteAlertRule(ctx, warn.ID))
	cpuRules, err = store.ListAlertRulesByCondition(ctx, model.ConditionCPUUsage)
	require.NoError(t, err)
	assert.Empty(t, cpuRules)
}

func TestAlerts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	older := &model.Alert{
		Timestamp: base,
		ServerID:  "srv-1",
		Type:      model.ConditionCPUUsage,
		Severity:  model.AlertSeverityHigh,
		Snapshot: &model.Snapshot{
			CPUUsage:  93.5,
			Processes: []model.ProcessData{{PID: 42, Name: "java", CPUUsage: 80}},
		},
	}
	newer := &model.Alert{
		Timestamp: base.Add(time.Minute),
		ServerID:  "srv-2",
		Type:      model.ConditionDiskUsage,
		Severity:  model.AlertSeverityLow,
	}
	resolved := &model.Alert{
		Timestamp: base.Add(2 * time.Minute),
		ServerID:  "srv-1",
		Type:      model.ConditionMemoryUsage,
		Severity:  model.AlertSeverityMedium,
		Status:    model.AlertStatusResolved,
	}
	for _, a := range []*model.Alert{older, newer, resolved} {
		require.NoError(t, store.CreateAlert(ctx, a))
	}
	assert.Equal(t, model.AlertStatusActive, older.Status)

	all, err := store.ListAlerts(ctx, model.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, resolved.ID, all[0].ID)
	assert.Equal(t, older.ID, all[2].ID)
	require.NotNil(t, all[2].Snapshot)
	assert.Equal(t, 93.5, all[2].Snapshot.CPUUsage)
	assert.Equal(t, "java", all[2].Snapshot.Processes[0].Name)

	forServer, err := store.ListAlerts(ctx, model.AlertFilter{ServerID: "srv-1", Status: model.AlertStatusActive})
	require.NoError(t, err)
	require.Len(t, forServer, 1)
	assert.Equal(t, older.ID, forServer[0].ID)

	n, err := store.AcknowledgeAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := store.GetAlert(ctx, resolved.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusResolved, got.Status, "resolved alerts are not acknowledged")

	require.NoError(t, store.UpdateAlertStatus(ctx, newer.ID, model.AlertStatusResolved))
	require.NoError(t, store.AssignAlert(ctx, newer.ID, "oncall"))
	got, err = store.GetAlert(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusResolved, got.Status)
	assert.Equal(t, "oncall", got.AssignedTo)

	require.NoError(t, store.SoftDeleteAlert(ctx, newer.ID))
	require.NoError(t, store.SoftDeleteAlert(ctx, newer.ID))
	_, err = store.GetAlert(ctx, newer.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.UpdateAlertStatus(ctx, newer.ID, model.AlertStatusActive), ErrNotFound)
}

func TestReportTemplates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	tmpl := &model.ReportTemplate{Name: "Weekly summary", Description: "CPU and memory", ScheduleStatus: true}
	require.NoError(t, store.CreateReportTemplate(ctx, tmpl))

	got, err := store.GetReportTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastGenerated)
	assert.True(t, got.ScheduleStatus)

	at := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkReportGenerated(ctx, tmpl.ID, at))

	got.Name = "Weekly summary v2"
	require.NoError(t, store.UpdateReportTemplate(ctx, got))

	got, err = store.GetReportTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "Weekly summary v2", got.Name)
	require.NotNil(t, got.LastGenerated)
	assert.True(t, at.Equal(*got.LastGenerated))
	assert.NotNil(t, got.LastModified)

	require.NoError(t, store.SoftDeleteReportTemplate(ctx, tmpl.ID))
	list, err := store.ListReportTemplates(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUsersAndCredentials(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	creds := &model.Credentials{Email: "ops@example.com", PasswordHash: "hash"}
	require.NoError(t, store.CreateCredentials(ctx, creds))
	assert.ErrorIs(t, store.CreateCredentials(ctx, &model.Credentials{Email: "ops@example.com", PasswordHash: "x"}), ErrDuplicate)

	user := &model.UserManagement{
		AuthUserID: creds.AuthUserID,
		Username:   "ops",
		Email:      "ops@example.com",
		Role:       model.RoleOperator,
		Capabilities: model.Capabilities{
			ViewServers:  true,
			ManageAlerts: true,
		},
	}
	require.NoError(t, store.CreateUser(ctx, user))
	assert.Equal(t, model.UserActive, user.Status)

	count, err := store.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	byAuth, err := store.GetUserByAuthID(ctx, creds.AuthUserID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, byAuth.ID)
	assert.True(t, byAuth.ViewServers)
	assert.False(t, byAuth.ModifyServers)

	byAuth.Status = model.UserInactive
	byAuth.GenerateReports = true
	require.NoError(t, store.UpdateUser(ctx, byAuth))

	byEmail, err := store.GetUserByEmail(ctx, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.UserInactive, byEmail.Status)
	assert.True(t, byEmail.GenerateReports)

	require.NoError(t, store.UpdatePassword(ctx, creds.AuthUserID, "new-hash"))
	got, err := store.GetCredentialsByEmail(ctx, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.PasswordHash)

	require.NoError(t, store.DeleteUser(ctx, user.ID))
	_, err = store.GetUser(ctx, user.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetCredentials(ctx, creds.AuthUserID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshTokens(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	creds := &model.Credentials{Email: "a@example.com", PasswordHash: "hash"}
	require.NoError(t, store.CreateCredentials(ctx, creds))

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.StoreRefreshToken(ctx, "live", creds.AuthUserID, now.Add(time.Hour)))
	require.NoError(t, store.StoreRefreshToken(ctx, "stale", creds.AuthUserID, now.Add(-time.Hour)))

	id, err := store.ConsumeRefreshToken(ctx, "live", now)
	require.NoError(t, err)
	assert.Equal(t, creds.AuthUserID, id)

	_, err = store.ConsumeRefreshToken(ctx, "live", now)
	assert.ErrorIs(t, err, ErrTokenInvalid, "tokens are single use")

	_, err = store.ConsumeRefreshToken(ctx, "stale", now)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	require.NoError(t, store.StoreRefreshToken(ctx, "old", creds.AuthUserID, now.Add(-2*time.Hour)))
	deleted, err := store.DeleteRefreshTokensBefore(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestRegisterUser(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	creds := &model.Credentials{Email: "new@example.com", PasswordHash: "hash"}
	user := &model.UserManagement{Username: "new", Email: "new@example.com", Role: model.RoleViewer}
	require.NoError(t, store.RegisterUser(ctx, creds, user))
	assert.Equal(t, creds.AuthUserID, user.AuthUserID)

	got, err := store.GetUserByAuthID(ctx, creds.AuthUserID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	err = store.RegisterUser(ctx,
		&model.Credentials{Email: "new@example.com", PasswordHash: "x"},
		&model.UserManagement{Username: "dup", Email: "new@example.com", Role: model.RoleViewer})
	assert.ErrorIs(t, err, ErrDuplicate)

	count, err := store.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
