// Package sqlite provides a SQLite-backed AppointmentStore for single-node
// deployments. All writes go through one connection with immediate
// transactions, so the overlap check and insert never interleave.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"appointment-service/internal/domain"
	"appointment-service/internal/store"
)

type Store struct {
	sqlDB *sql.DB
}

var _ store.AppointmentStore = (*Store)(nil)

// Times are stored as unix microseconds, the precision the engine admits at.
func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// Open opens the database at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

const selectColumns = `id, subject_name, start_time, end_time, status, idempotency_key, created_at, updated_at`

func (s *Store) FindOverlapping(ctx context.Context, start, end time.Time) ([]domain.Appointment, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM appointments
		 WHERE status = ? AND start_time < ? AND end_time > ?
		 ORDER BY start_time ASC`,
		string(domain.StatusConfirmed), toMicros(end), toMicros(start),
	)
	if err != nil {
		return nil, fmt.Errorf("find overlapping appointments: %w", err)
	}
	defer rows.Close()

	var out []domain.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("find overlapping appointments: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find overlapping appointments: %w", err)
	}
	return out, nil
}

func (s *Store) InsertIfNoConflict(ctx context.Context, appt domain.Appointment) (bool, error) {
	if appt.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return false, err
		}
		appt.ID = id
	}
	now := time.Now().UTC()
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	if appt.UpdatedAt.IsZero() {
		appt.UpdatedAt = now
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if appt.Status == domain.StatusConfirmed {
		overlaps, err := hasOverlap(ctx, tx, appt.StartTime, appt.EndTime)
		if err != nil {
			return false, err
		}
		if overlaps {
			return false, nil
		}
	}

	var key sql.NullString
	if appt.IdempotencyKey != "" {
		key = sql.NullString{String: appt.IdempotencyKey, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO appointments (`+selectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		appt.ID.String(),
		appt.SubjectName,
		toMicros(appt.StartTime),
		toMicros(appt.EndTime),
		string(appt.Status),
		key,
		toMicros(appt.CreatedAt),
		toMicros(appt.UpdatedAt),
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return false, store.ErrDuplicateID
		}
		return false, fmt.Errorf("insert appointment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit insert: %w", err)
	}
	return true, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.Status) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if to == domain.StatusConfirmed {
		var startMicros, endMicros int64
		err := tx.QueryRowContext(ctx,
			`SELECT start_time, end_time FROM appointments WHERE id = ? AND status = ?`,
			id.String(), string(from),
		).Scan(&startMicros, &endMicros)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("load appointment: %w", err)
		}
		overlaps, err := hasOverlap(ctx, tx, fromMicros(startMicros), fromMicros(endMicros))
		if err != nil {
			return false, err
		}
		if overlaps {
			return false, nil
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE appointments SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), toMicros(time.Now()), id.String(), string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update appointment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update appointment status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit update: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM appointments WHERE id = ?`,
		id.String(),
	)
	a, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func hasOverlap(ctx context.Context, tx *sql.Tx, start, end time.Time) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM appointments WHERE status = ? AND start_time < ? AND end_time > ?)`,
		string(domain.StatusConfirmed), toMicros(end), toMicros(start),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check overlap: %w", err)
	}
	return exists == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (domain.Appointment, error) {
	var (
		a                    domain.Appointment
		id, status           string
		key                  sql.NullString
		start, end           int64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&id, &a.SubjectName, &start, &end, &status, &key, &createdAt, &updatedAt); err != nil {
		return domain.Appointment{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("parse appointment id %q: %w", id, err)
	}
	a.ID = parsed
	a.Status = domain.Status(status)
	a.IdempotencyKey = key.String
	a.StartTime = fromMicros(start)
	a.EndTime = fromMicros(end)
	a.CreatedAt = fromMicros(createdAt)
	a.UpdatedAt = fromMicros(updatedAt)
	return a, nil
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "appointments.id")
}
