package agentd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/model"
)

// History stores host samples
type History interface {
	// Store records a sample at its CurrentTime
	Store(ctx context.Context, snapshot *model.Snapshot) error

	// Range returns samples taken between start and end inclusive, oldest first
	Range(ctx context.Context, start, end time.Time) ([]model.Snapshot, error)

	// Count returns the number of stored samples
	Count(ctx context.Context) (int, error)

	// DeleteBefore deletes samples older than before
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteHistory implements History using SQLite
type SQLiteHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

var _ History = (*SQLiteHistory)(nil)

// NewSQLiteHistory opens (creating if needed) the sample database at dbPath
func NewSQLiteHistory(logger *zap.Logger, dbPath string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	h := &SQLiteHistory{
		logger: logger.Named("history"),
		db:     db,
	}
	if err := h.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *SQLiteHistory) initialize() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS samples (
			id TEXT PRIMARY KEY,
			sampled_at INTEGER NOT NULL,
			cpu_usage REAL NOT NULL,
			memory_usage REAL NOT NULL,
			disk_usage REAL NOT NULL,
			bytes_sent INTEGER NOT NULL,
			bytes_recv INTEGER NOT NULL,
			process_data TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_samples_sampled_at ON samples(sampled_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements History.Store
func (h *SQLiteHistory) Store(ctx context.Context, snapshot *model.Snapshot) error {
	processes, err := json.Marshal(snapshot.Processes)
	if err != nil {
		return fmt.Errorf("failed to marshal processes: %w", err)
	}

	at := snapshot.CurrentTime.Time
	if at.IsZero() {
		at = time.Now()
	}

	_, err = h.db.ExecContext(ctx, `
		INSERT INTO samples (
			id, sampled_at, cpu_usage, memory_usage, disk_usage, bytes_sent, bytes_recv, process_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(),
		at.Unix(),
		snapshot.CPUUsage,
		snapshot.MemoryUsage,
		snapshot.DiskUsage,
		int64(snapshot.BytesSent),
		int64(snapshot.BytesRecv),
		string(processes),
	)
	if err != nil {
		return fmt.Errorf("failed to store sample: %w", err)
	}
	return nil
}

// Range implements History.Range. Each sample carries its time in Timestamp.
func (h *SQLiteHistory) Range(ctx context.Context, start, end time.Time) ([]model.Snapshot, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT sampled_at, cpu_usage, memory_usage, disk_usage, bytes_sent, bytes_recv, process_data
		FROM samples
		WHERE sampled_at >= ? AND sampled_at <= ?
		ORDER BY sampled_at`,
		start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		var (
			sampledAt  int64
			sent, recv int64
			processes  sql.NullString
			s          model.Snapshot
		)
		if err := rows.Scan(&sampledAt, &s.CPUUsage, &s.MemoryUsage, &s.DiskUsage, &sent, &recv, &processes); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.BytesSent = uint64(sent)
		s.BytesRecv = uint64(recv)
		s.Timestamp = model.AgentTime{Time: time.Unix(sampledAt, 0).UTC()}
		if processes.Valid && processes.String != "" {
			if err := json.Unmarshal([]byte(processes.String), &s.Processes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal processes: %w", err)
			}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate samples: %w", err)
	}
	return out, nil
}

// Count implements History.Count
func (h *SQLiteHistory) Count(ctx context.Context) (int, error) {
	var count int
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM samples").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}
	return count, nil
}

// DeleteBefore implements History.DeleteBefore
func (h *SQLiteHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := h.db.ExecContext(ctx, "DELETE FROM samples WHERE sampled_at < ?", before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete samples: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	h.logger.Info("Deleted old samples",
		zap.Time("before", before),
		zap.Int64("count", affected))
	return affected, nil
}

// Close closes the database connection
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

// Retention deletes samples older than MaxAge each time it runs. It is a cron.Job.
type Retention struct {
	logger  *zap.Logger
	history History
	maxAge  time.Duration
	now     func() time.Time
}

// NewRetention creates a retention job
func NewRetention(logger *zap.Logger, history History, maxAge time.Duration) *Retention {
	return &Retention{
		logger:  logger.Named("retention"),
		history: history,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Run implements cron.Job
func (r *Retention) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := r.history.DeleteBefore(ctx, r.now().Add(-r.maxAge)); err != nil {
		r.logger.Error("Failed to apply retention", zap.Error(err))
	}
}
