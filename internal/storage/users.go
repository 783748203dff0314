package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/model"
)

const userColumns = `user_management_id, auth_user_id, username, email, role, status,
	can_view_servers, can_modify_servers, can_view_services, can_modify_services,
	can_manage_alerts, can_generate_reports, created_date, updated_date`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateUser implements UserStore.CreateUser
func (s *SQLiteStore) CreateUser(ctx context.Context, user *model.UserManagement) error {
	return s.insertUser(ctx, s.db, user)
}

// RegisterUser implements UserStore.RegisterUser. Both rows are written or neither.
func (s *SQLiteStore) RegisterUser(ctx context.Context, creds *model.Credentials, user *model.UserManagement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertCredentials(ctx, tx, creds); err != nil {
		return err
	}
	user.AuthUserID = creds.AuthUserID
	if err := s.insertUser(ctx, tx, user); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user registration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) insertUser(ctx context.Context, ex execer, user *model.UserManagement) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Status == "" {
		user.Status = model.UserActive
	}
	user.CreatedAt = s.now()
	user.UpdatedAt = user.CreatedAt

	_, err := ex.ExecContext(ctx, `
		INSERT INTO user_management (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.AuthUserID,
		user.Username,
		user.Email,
		user.Role,
		user.Status,
		user.ViewServers,
		user.ModifyServers,
		user.ViewServices,
		user.ModifyServices,
		user.ManageAlerts,
		user.GenerateReports,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user for %s: %w", user.Email, ErrDuplicate)
		}
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}

// GetUser implements UserStore.GetUser
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.UserManagement, error) {
	return s.getUserBy(ctx, "user_management_id", id)
}

// GetUserByAuthID implements UserStore.GetUserByAuthID
func (s *SQLiteStore) GetUserByAuthID(ctx context.Context, authUserID string) (*model.UserManagement, error) {
	return s.getUserBy(ctx, "auth_user_id", authUserID)
}

// GetUserByEmail implements UserStore.GetUserByEmail
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*model.UserManagement, error) {
	return s.getUserBy(ctx, "email", email)
}

func (s *SQLiteStore) getUserBy(ctx context.Context, column, value string) (*model.UserManagement, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM user_management WHERE "+column+" = ?", value)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", value, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return user, nil
}

// ListUsers implements UserStore.ListUsers
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*model.UserManagement, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM user_management ORDER BY created_date DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*model.UserManagement
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return users, nil
}

// UpdateUser implements UserStore.UpdateUser
func (s *SQLiteStore) UpdateUser(ctx context.Context, user *model.UserManagement) error {
	user.UpdatedAt = s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_management SET
			username = ?,
			email = ?,
			role = ?,
			status = ?,
			can_view_servers = ?,
			can_modify_servers = ?,
			can_view_services = ?,
			can_modify_services = ?,
			can_manage_alerts = ?,
			can_generate_reports = ?,
			updated_date = ?
		WHERE user_management_id = ?`,
		user.Username,
		user.Email,
		user.Role,
		user.Status,
		user.ViewServers,
		user.ModifyServers,
		user.ViewServices,
		user.ModifyServices,
		user.ManageAlerts,
		user.GenerateReports,
		user.UpdatedAt,
		user.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return expectAffected(result, "user", user.ID)
}

// DeleteUser implements UserStore.DeleteUser. Users are removed together with their
// sign-in identity rather than soft deleted.
func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM user_management WHERE user_management_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE auth_user_id = ?", user.AuthUserID); err != nil {
		return fmt.Errorf("failed to delete refresh tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM auth_users WHERE auth_user_id = ?", user.AuthUserID); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user deletion: %w", err)
	}

	s.logger.Info("Deleted user",
		zap.String("user_id", id),
		zap.String("email", user.Email))
	return nil
}

// CountUsers implements UserStore.CountUsers
func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM user_management").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// CreateCredentials implements CredentialStore.CreateCredentials
func (s *SQLiteStore) CreateCredentials(ctx context.Context, creds *model.Credentials) error {
	return s.insertCredentials(ctx, s.db, creds)
}

func (s *SQLiteStore) insertCredentials(ctx context.Context, ex execer, creds *model.Credentials) error {
	if creds.AuthUserID == "" {
		creds.AuthUserID = uuid.New().String()
	}
	creds.CreatedAt = s.now()

	_, err := ex.ExecContext(ctx,
		"INSERT INTO auth_users (auth_user_id, email, password_hash, created_at) VALUES (?, ?, ?, ?)",
		creds.AuthUserID, creds.Email, creds.PasswordHash, creds.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("credentials for %s: %w", creds.Email, ErrDuplicate)
		}
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	return nil
}

// GetCredentialsByEmail implements CredentialStore.GetCredentialsByEmail
func (s *SQLiteStore) GetCredentialsByEmail(ctx context.Context, email string) (*model.Credentials, error) {
	return s.getCredentialsBy(ctx, "email", email)
}

// GetCredentials implements CredentialStore.GetCredentials
func (s *SQLiteStore) GetCredentials(ctx context.Context, authUserID string) (*model.Credentials, error) {
	return s.getCredentialsBy(ctx, "auth_user_id", authUserID)
}

func (s *SQLiteStore) getCredentialsBy(ctx context.Context, column, value string) (*model.Credentials, error) {
	var creds model.Credentials
	err := s.db.QueryRowContext(ctx,
		"SELECT auth_user_id, email, password_hash, created_at FROM auth_users WHERE "+column+" = ?", value).
		Scan(&creds.AuthUserID, &creds.Email, &creds.PasswordHash, &creds.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credentials %s: %w", value, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan credentials: %w", err)
	}
	return &creds, nil
}

// UpdatePassword implements CredentialStore.UpdatePassword
func (s *SQLiteStore) UpdatePassword(ctx context.Context, authUserID, passwordHash string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE auth_users SET password_hash = ? WHERE auth_user_id = ?", passwordHash, authUserID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return expectAffected(result, "credentials", authUserID)
}

// StoreRefreshToken implements CredentialStore.StoreRefreshToken
func (s *SQLiteStore) StoreRefreshToken(ctx context.Context, token, authUserID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO refresh_tokens (token, auth_user_id, expires_at) VALUES (?, ?, ?)",
		token, authUserID, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken implements CredentialStore.ConsumeRefreshToken. A token can be used once.
func (s *SQLiteStore) ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var authUserID string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx,
		"SELECT auth_user_id, expires_at FROM refresh_tokens WHERE token = ?", token).
		Scan(&authUserID, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrTokenInvalid
		}
		return "", fmt.Errorf("failed to scan refresh token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE token = ?", token); err != nil {
		return "", fmt.Errorf("failed to consume refresh token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit refresh token: %w", err)
	}

	if !now.Before(expiresAt) {
		return "", ErrTokenInvalid
	}
	return authUserID, nil
}

// DeleteRefreshTokensBefore implements CredentialStore.DeleteRefreshTokensBefore
func (s *SQLiteStore) DeleteRefreshTokensBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE expires_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete refresh tokens: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted expired refresh tokens",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func scanUser(row rowScanner) (*model.UserManagement, error) {
	var user model.UserManagement
	err := row.Scan(
		&user.ID,
		&user.AuthUserID,
		&user.Username,
		&user.Email,
		&user.Role,
		&user.Status,
		&user.ViewServers,
		&user.ModifyServers,
		&user.ViewServices,
		&user.ModifyServices,
		&user.ManageAlerts,
		&user.GenerateReports,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}
