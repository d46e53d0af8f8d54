package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/mqtt"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	// recordTimeout bounds the insert done from the drop callback, which has
	// no caller context.
	recordTimeout = 5 * time.Second

	// timeFormat is fixed width so dropped_at sorts as text.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrInvalidLetter is returned when a letter is missing its topic.
var ErrInvalidLetter = errors.New("invalid dead letter")

// Letter is one dropped message.
type Letter struct {
	ID        string    `json:"id"`
	MessageID uint64    `json:"message_id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	QoS       byte      `json:"qos"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	DroppedAt time.Time `json:"dropped_at"`
}

// Logger is the subset of slog.Logger the store needs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Store reads and writes the dead_letters table.
type Store struct {
	db     *sql.DB
	logger Logger
}

// NewStore creates a dead-letter store on an open, migrated database.
func NewStore(db *sql.DB, logger Logger) *Store {
	return &Store{db: db, logger: logger}
}

// FromPending builds a letter from a message the queue dropped.
func FromPending(msg mqtt.PendingMessage, cause error) Letter {
	l := Letter{
		MessageID: msg.ID,
		Topic:     msg.Topic,
		Payload:   msg.Payload,
		QoS:       msg.QoS,
		Attempts:  msg.Attempts(),
	}
	if cause != nil {
		l.LastError = cause.Error()
	}
	return l
}

// Record inserts a letter. ID and DroppedAt are generated if empty.
func (s *Store) Record(ctx context.Context, l *Letter) error {
	if l.Topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidLetter)
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.DroppedAt.IsZero() {
		l.DroppedAt = time.Now().UTC()
	}
	payload := l.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, message_id, topic, payload, qos, attempts, last_error, dropped_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, int64(l.MessageID), l.Topic, payload, int(l.QoS), l.Attempts, l.LastError, //nolint:gosec // ids stay far below MaxInt64
		l.DroppedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return nil
}

// List returns the most recent letters first.
// limit defaults to 50 and is capped at 500.
func (s *Store) List(ctx context.Context, limit int) ([]Letter, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, topic, payload, qos, attempts, last_error, dropped_at
		 FROM dead_letters ORDER BY dropped_at DESC, message_id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	letters := []Letter{}
	for rows.Next() {
		var l Letter
		var messageID int64
		var qos int
		var droppedAt string

		if err := rows.Scan(&l.ID, &messageID, &l.Topic, &l.Payload, &qos,
			&l.Attempts, &l.LastError, &droppedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		l.MessageID = uint64(messageID) //nolint:gosec // stored from a uint64
		l.QoS = byte(qos)               //nolint:gosec // CHECK constraint keeps 0..2

		t, err := time.Parse(timeFormat, droppedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing dead letter timestamp %q: %w", droppedAt, err)
		}
		l.DroppedAt = t

		letters = append(letters, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dead letters: %w", err)
	}

	return letters, nil
}

// Count returns the number of stored letters.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting dead letters: %w", err)
	}
	return n, nil
}

// Handler returns a drop callback for mqtt.Manager.SetOnDrop.
// Insert failures are logged; the message is already lost to the queue.
func (s *Store) Handler() mqtt.DropFunc {
	return func(msg mqtt.PendingMessage, cause error) {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()

		l := FromPending(msg, cause)
		if err := s.Record(ctx, &l); err != nil {
			if s.logger != nil {
				s.logger.Error("failed to record dead letter",
					"message_id", msg.ID,
					"topic", msg.Topic,
					"error", err,
				)
			}
			return
		}
		if s.logger != nil {
			s.logger.Warn("message moved to dead letters",
				"id", l.ID,
				"message_id", msg.ID,
				"topic", msg.Topic,
				"attempts", l.Attempts,
			)
		}
	}
}
