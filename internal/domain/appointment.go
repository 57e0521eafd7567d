package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID             uuid.UUID `bun:"id,pk,type:uuid"`
	SubjectName    string    `bun:"subject_name,notnull"`
	StartTime      time.Time `bun:"start_time,notnull"`
	EndTime        time.Time `bun:"end_time,notnull"`
	Status         Status    `bun:"status,notnull"`
	IdempotencyKey string    `bun:"idempotency_key,nullzero"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,notnull"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

// Overlaps reports whether the appointment's half-open interval [start, end)
// intersects [start, end). Adjacent intervals do not overlap.
func (a Appointment) Overlaps(start, end time.Time) bool {
	return a.StartTime.Before(end) && start.Before(a.EndTime)
}

// SameRequest reports whether other describes the same booking: subject and
// interval. Ids, status and timestamps are ignored.
func (a Appointment) SameRequest(other Appointment) bool {
	return a.SubjectName == other.SubjectName &&
		a.StartTime.Equal(other.StartTime) &&
		a.EndTime.Equal(other.EndTime)
}
