package alarm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	// timeFormat is fixed width so triggered_at sorts as text.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrNotFound is returned when an alarm log entry does not exist.
var ErrNotFound = errors.New("alarm log not found")

// Log is one raised alarm.
type Log struct {
	ID           string    `json:"id"`
	RuleName     string    `json:"rule"`
	DeviceID     string    `json:"device_id"`
	Parameter    string    `json:"parameter"`
	Condition    Condition `json:"condition"`
	Threshold    float64   `json:"threshold"`
	TriggerValue float64   `json:"value"`
	Processed    bool      `json:"processed"`
	TriggeredAt  time.Time `json:"triggered_at"`
}

// Repository stores alarm log entries.
type Repository interface {
	Create(ctx context.Context, log *Log) error
	List(ctx context.Context, limit int) ([]Log, error)
	MarkProcessed(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository on the alarm_log table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new entry. The ID and TriggeredAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, log *Log) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.TriggeredAt.IsZero() {
		log.TriggeredAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO alarm_log (id, rule_name, device_id, parameter, condition, threshold, trigger_value, processed, triggered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.RuleName, log.DeviceID, log.Parameter, string(log.Condition),
		log.Threshold, log.TriggerValue, boolToInt(log.Processed),
		log.TriggeredAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting alarm log: %w", err)
	}
	return nil
}

// List returns entries newest first. limit defaults to 50, max 200.
func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]Log, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, rule_name, device_id, parameter, condition, threshold, trigger_value, processed, triggered_at
		 FROM alarm_log ORDER BY triggered_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying alarm log: %w", err)
	}
	defer rows.Close()

	logs := []Log{}
	for rows.Next() {
		var l Log
		var condition, triggeredAt string
		var processed int

		if err := rows.Scan(&l.ID, &l.RuleName, &l.DeviceID, &l.Parameter, &condition,
			&l.Threshold, &l.TriggerValue, &processed, &triggeredAt); err != nil {
			return nil, fmt.Errorf("scanning alarm log: %w", err)
		}
		l.Condition = Condition(condition)
		l.Processed = processed != 0

		t, err := time.Parse(timeFormat, triggeredAt)
		if err != nil {
			return nil, fmt.Errorf("parsing alarm timestamp %q: %w", triggeredAt, err)
		}
		l.TriggeredAt = t

		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alarm log: %w", err)
	}

	return logs, nil
}

// MarkProcessed flags an entry as handled by an operator.
func (r *SQLiteRepository) MarkProcessed(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "UPDATE alarm_log SET processed = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("updating alarm log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
