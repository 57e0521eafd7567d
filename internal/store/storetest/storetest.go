// Package storetest holds behaviour tests every AppointmentStore must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"appointment-service/internal/domain"
	"appointment-service/internal/store"
)

// Run exercises st against the AppointmentStore contract. newStore must return
// an empty store for every call.
func Run(t *testing.T, newStore func(t *testing.T) store.AppointmentStore) {
	t.Helper()

	t.Run("insert then find overlapping", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

		a := confirmed("Alice", base, base.Add(30*time.Minute))
		ok, err := st.InsertIfNoConflict(ctx, a)
		if err != nil || !ok {
			t.Fatalf("InsertIfNoConflict = %v, %v; want true, nil", ok, err)
		}

		rows, err := st.FindOverlapping(ctx, base.Add(10*time.Minute), base.Add(20*time.Minute))
		if err != nil {
			t.Fatalf("FindOverlapping error: %v", err)
		}
		if len(rows) != 1 || rows[0].ID != a.ID {
			t.Fatalf("rows = %v, want [%s]", ids(rows), a.ID)
		}
		if rows[0].SubjectName != "Alice" || !rows[0].StartTime.Equal(a.StartTime) || !rows[0].EndTime.Equal(a.EndTime) {
			t.Fatalf("row fields not round-tripped: %+v", rows[0])
		}

		rows, err = st.FindOverlapping(ctx, base.Add(30*time.Minute), base.Add(time.Hour))
		if err != nil {
			t.Fatalf("FindOverlapping error: %v", err)
		}
		if len(rows) != 0 {
			t.Fatalf("adjacent window returned %v", ids(rows))
		}
	})

	t.Run("overlapping insert is rejected", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

		if ok, err := st.InsertIfNoConflict(ctx, confirmed("Alice", base, base.Add(30*time.Minute))); err != nil || !ok {
			t.Fatalf("first insert = %v, %v", ok, err)
		}
		ok, err := st.InsertIfNoConflict(ctx, confirmed("Bob", base.Add(15*time.Minute), base.Add(45*time.Minute)))
		if err != nil {
			t.Fatalf("second insert error: %v", err)
		}
		if ok {
			t.Fatalf("overlapping insert succeeded")
		}
		ok, err = st.InsertIfNoConflict(ctx, confirmed("Carol", base.Add(30*time.Minute), base.Add(time.Hour)))
		if err != nil || !ok {
			t.Fatalf("adjacent insert = %v, %v; want true, nil", ok, err)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

		a := confirmed("Alice", base, base.Add(30*time.Minute))
		if ok, err := st.InsertIfNoConflict(ctx, a); err != nil || !ok {
			t.Fatalf("first insert = %v, %v", ok, err)
		}
		dup := a
		dup.StartTime = base.Add(2 * time.Hour)
		dup.EndTime = base.Add(3 * time.Hour)
		_, err := st.InsertIfNoConflict(ctx, dup)
		if !errors.Is(err, store.ErrDuplicateID) {
			t.Fatalf("err = %v, want %v", err, store.ErrDuplicateID)
		}
	})

	t.Run("update status is compare and set", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

		a := confirmed("Alice", base, base.Add(30*time.Minute))
		if ok, err := st.InsertIfNoConflict(ctx, a); err != nil || !ok {
			t.Fatalf("insert = %v, %v", ok, err)
		}

		ok, err := st.UpdateStatus(ctx, a.ID, domain.StatusConfirmed, domain.StatusCancelled)
		if err != nil || !ok {
			t.Fatalf("UpdateStatus = %v, %v; want true, nil", ok, err)
		}
		ok, err = st.UpdateStatus(ctx, a.ID, domain.StatusConfirmed, domain.StatusCancelled)
		if err != nil || ok {
			t.Fatalf("second UpdateStatus = %v, %v; want false, nil", ok, err)
		}
		ok, err = st.UpdateStatus(ctx, uuid.New(), domain.StatusConfirmed, domain.StatusCancelled)
		if err != nil || ok {
			t.Fatalf("UpdateStatus unknown id = %v, %v; want false, nil", ok, err)
		}
		ok, err = st.UpdateStatus(ctx, a.ID, domain.StatusCancelled, domain.StatusConfirmed)
		if err != nil || ok {
			t.Fatalf("UpdateStatus out of cancelled = %v, %v; want false, nil", ok, err)
		}

		got, err := st.Get(ctx, a.ID)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if got.Status != domain.StatusCancelled {
			t.Fatalf("status = %s, want %s", got.Status, domain.StatusCancelled)
		}

		rows, err := st.FindOverlapping(ctx, base, base.Add(30*time.Minute))
		if err != nil {
			t.Fatalf("FindOverlapping error: %v", err)
		}
		if len(rows) != 0 {
			t.Fatalf("cancelled appointment still listed: %v", ids(rows))
		}

		ok, err = st.InsertIfNoConflict(ctx, confirmed("Bob", base, base.Add(30*time.Minute)))
		if err != nil || !ok {
			t.Fatalf("insert into freed interval = %v, %v; want true, nil", ok, err)
		}
	})

	t.Run("far future interval round-trips", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		base := time.Date(2300, 1, 5, 10, 0, 0, 0, time.UTC)

		a := confirmed("Alice", base, base.Add(30*time.Minute))
		if ok, err := st.InsertIfNoConflict(ctx, a); err != nil || !ok {
			t.Fatalf("insert = %v, %v; want true, nil", ok, err)
		}

		got, err := st.Get(ctx, a.ID)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if !got.StartTime.Equal(a.StartTime) || !got.EndTime.Equal(a.EndTime) {
			t.Fatalf("interval = [%s, %s), want [%s, %s)", got.StartTime, got.EndTime, a.StartTime, a.EndTime)
		}

		ok, err := st.InsertIfNoConflict(ctx, confirmed("Bob", base.Add(15*time.Minute), base.Add(45*time.Minute)))
		if err != nil || ok {
			t.Fatalf("overlapping far future insert = %v, %v; want false, nil", ok, err)
		}
		rows, err := st.FindOverlapping(ctx, base.Add(-time.Hour), base)
		if err != nil {
			t.Fatalf("FindOverlapping error: %v", err)
		}
		if len(rows) != 0 {
			t.Fatalf("window ending at start returned %v", ids(rows))
		}
	})

	t.Run("get missing", func(t *testing.T) {
		st := newStore(t)
		_, err := st.Get(context.Background(), uuid.New())
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v, want %v", err, store.ErrNotFound)
		}
	})

	t.Run("find overlapping orders by start", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

		late := confirmed("Late", base.Add(2*time.Hour), base.Add(3*time.Hour))
		early := confirmed("Early", base, base.Add(time.Hour))
		for _, a := range []domain.Appointment{late, early} {
			if ok, err := st.InsertIfNoConflict(ctx, a); err != nil || !ok {
				t.Fatalf("insert %s = %v, %v", a.SubjectName, ok, err)
			}
		}

		rows, err := st.FindOverlapping(ctx, base.Add(-time.Hour), base.Add(4*time.Hour))
		if err != nil {
			t.Fatalf("FindOverlapping error: %v", err)
		}
		if len(rows) != 2 || rows[0].ID != early.ID || rows[1].ID != late.ID {
			t.Fatalf("rows = %v, want [%s %s]", ids(rows), early.ID, late.ID)
		}
	})

	t.Run("concurrent overlapping inserts admit exactly one", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

		const n = 8
		var wg sync.WaitGroup
		results := make([]bool, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				start := base.Add(time.Duration(i) * time.Minute)
				results[i], errs[i] = st.InsertIfNoConflict(ctx, confirmed("racer", start, start.Add(time.Hour)))
			}(i)
		}
		wg.Wait()

		wins := 0
		for i := range results {
			if errs[i] != nil {
				t.Fatalf("insert %d error: %v", i, errs[i])
			}
			if results[i] {
				wins++
			}
		}
		if wins != 1 {
			t.Fatalf("wins = %d, want 1", wins)
		}
	})

	t.Run("ping", func(t *testing.T) {
		st := newStore(t)
		if err := st.Ping(context.Background()); err != nil {
			t.Fatalf("Ping error: %v", err)
		}
	})
}

func confirmed(name string, start, end time.Time) domain.Appointment {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.Appointment{
		ID:          uuid.Must(uuid.NewV7()),
		SubjectName: name,
		StartTime:   start,
		EndTime:     end,
		Status:      domain.StatusConfirmed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func ids(rows []domain.Appointment) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out
}
