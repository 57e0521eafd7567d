package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"appointment-service/internal/domain"
)

// AppointmentStore is the durable home of admitted appointments. Implementations
// must make InsertIfNoConflict and UpdateStatus atomic with respect to each other
// and to concurrent callers in other processes.
type AppointmentStore interface {
	// FindOverlapping returns confirmed appointments intersecting [start, end), ordered by start.
	FindOverlapping(ctx context.Context, start, end time.Time) ([]domain.Appointment, error)
	// InsertIfNoConflict stores appt unless a confirmed appointment overlaps it.
	// A false result means the write lost to an overlapping booking.
	InsertIfNoConflict(ctx context.Context, appt domain.Appointment) (bool, error)
	// UpdateStatus moves id from one status to another. A false result means no
	// appointment with that id is currently in status from, or that from cannot
	// move to to.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.Status) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	Ping(ctx context.Context) error
}
