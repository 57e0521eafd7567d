package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"appointment-service/internal/domain"
	"appointment-service/internal/store"
)

const (
	overlapConstraint = "appointments_no_overlap"
	primaryKey        = "appointments_pkey"
)

var errOverlap = errors.New("overlapping confirmed appointment")

// AppointmentRepo stores appointments in Postgres. Inserts serialize on a
// transaction-scoped advisory lock, and the appointments_no_overlap exclusion
// constraint rejects any overlap that slips past it.
type AppointmentRepo struct {
	db *bun.DB
}

func NewAppointmentRepo(db *bun.DB) *AppointmentRepo {
	return &AppointmentRepo{db: db}
}

var _ store.AppointmentStore = (*AppointmentRepo)(nil)

func (r *AppointmentRepo) FindOverlapping(ctx context.Context, start, end time.Time) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := r.db.NewSelect().
		Model(&rows).
		Where("status = ?", domain.StatusConfirmed).
		Where("start_time < ?", end.UTC()).
		Where("end_time > ?", start.UTC()).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("find overlapping appointments: %w", err)
	}
	for i := range rows {
		normalize(&rows[i])
	}
	return rows, nil
}

func (r *AppointmentRepo) InsertIfNoConflict(ctx context.Context, appt domain.Appointment) (bool, error) {
	m := appt
	m.StartTime = appt.StartTime.UTC()
	m.EndTime = appt.EndTime.UTC()

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockAppointments(ctx, tx); err != nil {
			return err
		}

		if m.Status == domain.StatusConfirmed {
			exists, err := tx.NewSelect().
				Model((*domain.Appointment)(nil)).
				Where("status = ?", domain.StatusConfirmed).
				Where("start_time < ?", m.EndTime).
				Where("end_time > ?", m.StartTime).
				Exists(ctx)
			if err != nil {
				return err
			}
			if exists {
				return errOverlap
			}
		}

		_, err := tx.NewInsert().Model(&m).Exec(ctx)
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errOverlap), isExclusionViolation(err):
		return false, nil
	case isPrimaryKeyViolation(err):
		return false, store.ErrDuplicateID
	default:
		return false, fmt.Errorf("insert appointment: %w", err)
	}
}

func (r *AppointmentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.Status) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, nil
	}

	var affected int64
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Confirming takes the same lock as inserts so the overlap check stays serialized.
		if to == domain.StatusConfirmed {
			if err := lockAppointments(ctx, tx); err != nil {
				return err
			}
		}
		res, err := tx.NewUpdate().
			Table("appointments").
			Set("status = ?", to).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", id).
			Where("status = ?", from).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		if isExclusionViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("update appointment status: %w", err)
	}
	return affected > 0, nil
}

func (r *AppointmentRepo) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	err := r.db.NewSelect().
		Model(&a).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, fmt.Errorf("get appointment: %w", err)
	}
	normalize(&a)
	return a, nil
}

func (r *AppointmentRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func lockAppointments(ctx context.Context, tx bun.Tx) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", "appointments").Exec(ctx)
	return err
}

func normalize(a *domain.Appointment) {
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
}

func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01" && pgErr.ConstraintName == overlapConstraint
}

func isPrimaryKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == primaryKey
}
