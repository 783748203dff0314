package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/t77yq/servermon/internal/model"
)

const serverColumns = `server_details_id, server_name, ip_address, port, operating_system,
	location, description, created_date, updated_date, is_delete`

// CreateServer implements ServerStore.CreateServer
func (s *SQLiteStore) CreateServer(ctx context.Context, server *model.ServerDetails) error {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	server.CreatedAt = s.now()
	server.UpdatedAt = server.CreatedAt
	server.Deleted = false

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_details (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		server.ID,
		server.Name,
		server.IPAddress,
		server.Port,
		server.OperatingSystem,
		nullString(server.Location),
		nullString(server.Description),
		server.CreatedAt,
		server.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store server: %w", err)
	}
	return nil
}

// GetServer implements ServerStore.GetServer
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*model.ServerDetails, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+serverColumns+" FROM server_details WHERE server_details_id = ? AND is_delete = 0", id)
	server, err := scanServer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("server %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan server: %w", err)
	}
	return server, nil
}

// ListServers implements ServerStore.ListServers
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*model.ServerDetails, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+serverColumns+" FROM server_details WHERE is_delete = 0 ORDER BY server_name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var servers []*model.ServerDetails
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return servers, nil
}

// UpdateServer implements ServerStore.UpdateServer
func (s *SQLiteStore) UpdateServer(ctx context.Context, server *model.ServerDetails) error {
	server.UpdatedAt = s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE server_details SET
			server_name = ?,
			ip_address = ?,
			port = ?,
			operating_system = ?,
			location = ?,
			description = ?,
			updated_date = ?
		WHERE server_details_id = ? AND is_delete = 0`,
		server.Name,
		server.IPAddress,
		server.Port,
		server.OperatingSystem,
		nullString(server.Location),
		nullString(server.Description),
		server.UpdatedAt,
		server.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update server: %w", err)
	}
	return expectAffected(result, "server", server.ID)
}

// SoftDeleteServer implements ServerStore.SoftDeleteServer
func (s *SQLiteStore) SoftDeleteServer(ctx context.Context, id string) error {
	return s.softDelete(ctx, "server_details", "server_details_id", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*model.ServerDetails, error) {
	var server model.ServerDetails
	var location, description sql.NullString
	err := row.Scan(
		&server.ID,
		&server.Name,
		&server.IPAddress,
		&server.Port,
		&server.OperatingSystem,
		&location,
		&description,
		&server.CreatedAt,
		&server.UpdatedAt,
		&server.Deleted,
	)
	if err != nil {
		return nil, err
	}
	server.Location = location.String
	server.Description = description.String
	return &server, nil
}
