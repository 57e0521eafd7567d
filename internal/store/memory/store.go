// Package memory is a single-process AppointmentStore. One mutex covers the
// overlap check and the insert, which is enough when every writer shares the process.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"appointment-service/internal/domain"
	"appointment-service/internal/store"
)

type Store struct {
	mu    sync.RWMutex
	appts map[uuid.UUID]domain.Appointment
	now   func() time.Time
}

func New() *Store {
	return &Store{
		appts: make(map[uuid.UUID]domain.Appointment),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) FindOverlapping(ctx context.Context, start, end time.Time) ([]domain.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Appointment
	for _, a := range s.appts {
		if a.Status == domain.StatusConfirmed && a.Overlaps(start, end) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

func (s *Store) InsertIfNoConflict(ctx context.Context, appt domain.Appointment) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.appts[appt.ID]; ok {
		return false, store.ErrDuplicateID
	}
	for _, a := range s.appts {
		if a.Status == domain.StatusConfirmed && a.Overlaps(appt.StartTime, appt.EndTime) {
			return false, nil
		}
	}

	if appt.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return false, err
		}
		appt.ID = id
	}
	now := s.now()
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	if appt.UpdatedAt.IsZero() {
		appt.UpdatedAt = now
	}
	s.appts[appt.ID] = appt
	return true, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.Status) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !from.CanTransitionTo(to) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appts[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = s.now()
	s.appts[id] = a
	return true, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Appointment{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.appts[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len reports how many appointments are stored, in any status.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.appts)
}
