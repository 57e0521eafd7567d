package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"appointment-service/internal/clock"
	"appointment-service/internal/domain"
	"appointment-service/internal/store"
	"appointment-service/internal/store/memory"
)

type fakeStore struct {
	findOverlappingFn func(ctx context.Context, start, end time.Time) ([]domain.Appointment, error)
	insertFn          func(ctx context.Context, appt domain.Appointment) (bool, error)
	updateStatusFn    func(ctx context.Context, id uuid.UUID, from, to domain.Status) (bool, error)
	getFn             func(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
}

func (f *fakeStore) FindOverlapping(ctx context.Context, start, end time.Time) ([]domain.Appointment, error) {
	if f.findOverlappingFn == nil {
		panic("FindOverlapping not configured")
	}
	return f.findOverlappingFn(ctx, start, end)
}

func (f *fakeStore) InsertIfNoConflict(ctx context.Context, appt domain.Appointment) (bool, error) {
	if f.insertFn == nil {
		panic("InsertIfNoConflict not configured")
	}
	return f.insertFn(ctx, appt)
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.Status) (bool, error) {
	if f.updateStatusFn == nil {
		panic("UpdateStatus not configured")
	}
	return f.updateStatusFn(ctx, id, from, to)
}

func (f *fakeStore) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	if f.getFn == nil {
		panic("Get not configured")
	}
	return f.getFn(ctx, id)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	return nil
}

var testNow = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(2026, 1, 5, hour, minute, 0, 0, time.UTC)
}

func newTestEngine(st store.AppointmentStore, opts ...Option) *Engine {
	opts = append([]Option{WithClock(clock.NewManual(testNow))}, opts...)
	return NewEngine(st, opts...)
}

func requireKind(t *testing.T, err error, want Kind) *AdmissionError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	var aErr *AdmissionError
	if !errors.As(err, &aErr) {
		t.Fatalf("error type = %T, want *AdmissionError", err)
	}
	if aErr.Kind != want {
		t.Fatalf("kind = %s, want %s (err=%v)", aErr.Kind, want, err)
	}
	return aErr
}

func TestRequestAdmission_HalfOpenScenario(t *testing.T) {
	eng := newTestEngine(memory.New())
	ctx := context.Background()

	alice, err := eng.RequestAdmission(ctx, AdmissionRequest{SubjectName: "Alice", Start: at(10, 0), End: at(10, 30)})
	if err != nil {
		t.Fatalf("Alice admission error: %v", err)
	}
	if alice.Status != domain.StatusConfirmed {
		t.Fatalf("status = %s, want %s", alice.Status, domain.StatusConfirmed)
	}
	if alice.ID == uuid.Nil {
		t.Fatalf("expected id to be assigned")
	}

	_, err = eng.RequestAdmission(ctx, AdmissionRequest{SubjectName: "Bob", Start: at(10, 15), End: at(10, 45)})
	aErr := requireKind(t, err, KindConflict)
	if aErr.ConflictingID != alice.ID {
		t.Fatalf("conflicting id = %s, want %s", aErr.ConflictingID, alice.ID)
	}

	carol, err := eng.RequestAdmission(ctx, AdmissionRequest{SubjectName: "Carol", Start: at(10, 30), End: at(11, 0)})
	if err != nil {
		t.Fatalf("Carol admission error: %v", err)
	}
	if carol.ID == alice.ID {
		t.Fatalf("ids must be unique")
	}
}

func TestRequestAdmission_Validation(t *testing.T) {
	tests := []struct {
		name       string
		in         AdmissionRequest
		wantReason string
	}{
		{
			name:       "empty subject",
			in:         AdmissionRequest{SubjectName: "", Start: at(10, 0), End: at(11, 0)},
			wantReason: "subjectName required",
		},
		{
			name:       "whitespace subject",
			in:         AdmissionRequest{SubjectName: " \t\n", Start: at(10, 0), End: at(11, 0)},
			wantReason: "subjectName required",
		},
		{
			name:       "start equals end",
			in:         AdmissionRequest{SubjectName: "a", Start: at(10, 0), End: at(10, 0)},
			wantReason: "invalid time range",
		},
		{
			name:       "start after end",
			in:         AdmissionRequest{SubjectName: "a", Start: at(11, 0), End: at(10, 0)},
			wantReason: "invalid time range",
		},
		{
			name:       "missing start",
			in:         AdmissionRequest{SubjectName: "a", End: at(10, 0)},
			wantReason: "invalid time range",
		},
		{
			name:       "missing end",
			in:         AdmissionRequest{SubjectName: "a", Start: at(10, 0)},
			wantReason: "invalid time range",
		},
		{
			name:       "start in the past",
			in:         AdmissionRequest{SubjectName: "a", Start: at(8, 59), End: at(10, 0)},
			wantReason: "start in the past",
		},
		{
			name: "idempotency key too long",
			in: AdmissionRequest{
				SubjectName:    "a",
				Start:          at(10, 0),
				End:            at(11, 0),
				IdempotencyKey: string(make([]byte, maxIdempotencyKeyLen+1)),
			},
			wantReason: "idempotency key too long",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			eng := newTestEngine(st)

			_, err := eng.RequestAdmission(context.Background(), tt.in)
			aErr := requireKind(t, err, KindInvalidInput)
			if aErr.Reason != tt.wantReason {
				t.Fatalf("reason = %q, want %q", aErr.Reason, tt.wantReason)
			}
			if st.Len() != 0 {
				t.Fatalf("store has %d appointments after failed admission", st.Len())
			}
		})
	}
}

func TestRequestAdmission_StartNotBeforeEndAlwaysInvalid(t *testing.T) {
	eng := newTestEngine(memory.New(), WithRejectPastStart(false))
	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

	for _, delta := range []time.Duration{0, -time.Nanosecond, -time.Second, -time.Hour, -365 * 24 * time.Hour} {
		for _, start := range []time.Time{base, base.Add(-48 * time.Hour), base.Add(72 * time.Hour)} {
			_, err := eng.RequestAdmission(context.Background(), AdmissionRequest{
				SubjectName: "a",
				Start:       start,
				End:         start.Add(delta),
			})
			aErr := requireKind(t, err, KindInvalidInput)
			if aErr.Reason != "invalid time range" {
				t.Fatalf("start=%v delta=%v reason = %q", start, delta, aErr.Reason)
			}
		}
	}
}

func TestRequestAdmission_PastStartPolicyConfigurable(t *testing.T) {
	eng := newTestEngine(memory.New(), WithRejectPastStart(false))

	appt, err := eng.RequestAdmission(context.Background(), AdmissionRequest{SubjectName: "a", Start: at(7, 0), End: at(8, 0)})
	if err != nil {
		t.Fatalf("RequestAdmission error: %v", err)
	}
	if appt.Status != domain.StatusConfirmed {
		t.Fatalf("status = %s, want %s", appt.Status, domain.StatusConfirmed)
	}
}

func TestRequestAdmission_StartAtSubMicrosecondNowIsAccepted(t *testing.T) {
	now := testNow.Add(500 * time.Nanosecond)
	eng := NewEngine(memory.New(), WithClock(clock.NewManual(now)))

	appt, err := eng.RequestAdmission(context.Background(), AdmissionRequest{SubjectName: "a", Start: now, End: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("RequestAdmission error: %v", err)
	}
	if !appt.StartTime.Equal(testNow) {
		t.Fatalf("start = %s, want %s", appt.StartTime, testNow)
	}
}

func TestRequestAdmission_TrimsSubjectAndNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("PST", -8*60*60)

	var inserted domain.Appointment
	eng := newTestEngine(&fakeStore{
		findOverlappingFn: func(ctx context.Context, start, end time.Time) ([]domain.Appointment, error) {
			return nil, nil
		},
		insertFn: func(ctx context.Context, appt domain.Appointment) (bool, error) {
			inserted = appt
			return true, nil
		},
	})

	start := time.Date(2026, 1, 10, 9, 0, 0, 0, loc)
	got, err := eng.RequestAdmission(context.Background(), AdmissionRequest{
		SubjectName: "  Alice  ",
		Start:       start,
		End:         start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("RequestAdmission error: %v", err)
	}
	if inserted.SubjectName != "Alice" || got.SubjectName != "Alice" {
		t.Fatalf("subject = %q, want %q", inserted.SubjectName, "Alice")
	}
	if inserted.StartTime.Location() != time.UTC || inserted.EndTime.Location() != time.UTC {
		t.Fatalf("expected UTC times, got start=%v end=%v", inserted.StartTime, inserted.EndTime)
	}
	if inserted.Status != domain.StatusConfirmed {
		t.Fatalf("inserted status = %s, want %s", inserted.Status, domain.StatusConfirmed)
	}
	if !inserted.CreatedAt.Equal(testNow) {
		t.Fatalf("created_at = %v, want %v", inserted.CreatedAt, testNow)
	}
}

func TestRequestAdmission_ConcurrentOverlappingAdmitsExactlyOne(t *testing.T) {
	st := memory.New()
	eng := newTestEngine(st)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := at(10, 0).Add(time.Duration(i%5) * time.Minute)
			_, errs[i] = eng.RequestAdmission(context.Background(), AdmissionRequest{
				SubjectName: "racer",
				Start:       start,
				End:         start.Add(30 * time.Minute),
			})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		requireKind(t, err, KindConflict)
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want 1", successes)
	}
	if st.Len() != 1 {
		t.Fatalf("stored = %d, want 1", st.Len())
	}
}

func TestRequestAdmission_ConcurrentDisjointAllSucceed(t *testing.T) {
	st := memory.New()
	eng := newTestEngine(st)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := at(10, 0).Add(time.Duration(i) * 30 * time.Minute)
			_, errs[i] = eng.RequestAdmission(context.Background(), AdmissionRequest{
				SubjectName: "slot",
				Start:       start,
				End:         start.Add(30 * time.Minute),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("admission %d error: %v", i, err)
		}
	}
	if st.Len() != n {
		t.Fatalf("stored = %d, want %d", st.Len(), n)
	}
}

func TestRequestAdmission_RetriesLostInsertRace(t *testing.T) {
	inserts := 0
	eng := newTestEngine(&fakeStore{
		findOverlappingFn: func(ctx context.Context, start, end time.Time) ([]domain.Appointment, error) {
			return nil, nil
		},
		insertFn: func(ctx context.Context, appt domain.Appointment) (bool, error) {
			inserts++
			return inserts == 3, nil
		},
	})

	_, err := eng.RequestAdmission(context.Background(), AdmissionRequest{SubjectName: "a", Start: at(10, 0), End: at(11, 0)})
	if err != nil {
		t.Fatalf("RequestAdmission error: %v", err)
	}
	if inserts != 3 {
		t.Fatalf("inserts = %d, want 3", inserts)
	}
}

func TestRequestAdmission_RetryBoundExhaustedReportsWinner(t *testing.T) {
	winner := domain.Appointment{ID: uuid.MustParse("00000000-0000-0000-0000-000000000042"), Status: domain.StatusConfirmed}
	finds := 0
	inserts := 0

	eng := newTestEngine(&fakeStore{
		findOverlappingFn: func(ctx context.Context, start, end time.Time) ([]domain.Appointment, error) {
			finds++
			if finds <= 2 {
				return nil, nil
			}
			return []domain.Appointment{winner}, nil
		},
		insertFn: func(ctx context.Context, appt domain.Appointment) (bool, error) {
			inserts++
			return false, nil
		},
	}, WithMaxAttempts(2))

	_, err := eng.RequestAdmission(context.Background(), AdmissionRequest{SubjectName: "a", Start: at(10, 0), End: at(11, 0)})
	aErr := requireKind(t, err, KindConflict)
	if aErr.ConflictingID != winner.ID {
		t.Fatalf("conflicting id = %s, want %s", aErr.ConflictingID, winner.ID)
	}
	if inserts != 2 {
		t.Fatalf("inserts = %d, want 2", inserts)
	}
}

func TestRequestAdmission_StoreFailureIsStoreUnavailable(t *testing.T) {
	boom := errors.New("connection refused")

	t.Run("find", func(t *testing.T) {
		eng := newTestEngine(&fakeStore{
			findOverlappingFn: func(ctx context.Context, start, end time.Time) ([]domain.Appointment, error) {
				return nil, boom
			},
		})
		_, err := eng.RequestAdmission(context.Background(), AdmissionRequest{SubjectName: "a", Start: at(10, 0), End: at(11, 0)})
		requireKind(t, err, KindStoreUnavailable)
		if !errors.Is(err, boom) {
			t.Fatalf("error chain lost cause: %v", err)
		}
	})

	t.Run("insert", func(t *testing.T) {
		eng := newTestEngine(&fakeStore{
			findOverlappingFn: func(ctx context.Context, start, end time.Time) ([]domain.Appointment, error) {
				return nil, nil
			},
			insertFn: func(ctx context.Context, appt domain.Appointment) (bool, error) {
				return false, boom
			},
		})
		_, err := eng.RequestAdmission(context.Background(), AdmissionRequest{SubjectName: "a", Start: at(10, 0), End: at(11, 0)})
		requireKind(t, err, KindStoreUnavailable)
		if !errors.Is(err, boom) {
			t.Fatalf("error chain lost cause: %v", err)
		}
	})
}

func TestRequestAdmission_IdempotentReplay(t *testing.T) {
	st := memory.New()
	eng := newTestEngine(st)
	ctx := context.Background()

	req := AdmissionRequest{SubjectName: "Alice", Start: at(10, 0), End: at(10, 30), IdempotencyKey: "k1"}
	first, err := eng.RequestAdmission(ctx, req)
	if err != nil {
		t.Fatalf("first admission error: %v", err)
	}
	second, err := eng.RequestAdmission(ctx, req)
	if err != nil {
		t.Fatalf("replayed admission error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if st.Len() != 1 {
		t.Fatalf("stored = %d, want 1", st.Len())
	}

	other, err := eng.RequestAdmission(ctx, AdmissionRequest{SubjectName: "Alice", Start: at(11, 0), End: at(11, 30), IdempotencyKey: "k2"})
	if err != nil {
		t.Fatalf("second key admission error: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("different keys produced the same id")
	}

	_, err = eng.RequestAdmission(ctx, AdmissionRequest{SubjectName: "Alice", Start: at(12, 0), End: at(12, 30), IdempotencyKey: "k1"})
	aErr := requireKind(t, err, KindConflict)
	if aErr.ConflictingID != first.ID {
		t.Fatalf("conflicting id = %s, want %s", aErr.ConflictingID, first.ID)
	}
}

func TestRequestAdmission_KeyOfCancelledAppointmentDoesNotReplay(t *testing.T) {
	st := memory.New()
	eng := newTestEngine(st)
	ctx := context.Background()

	req := AdmissionRequest{SubjectName: "Alice", Start: at(10, 0), End: at(10, 30), IdempotencyKey: "k1"}
	first, err := eng.RequestAdmission(ctx, req)
	if err != nil {
		t.Fatalf("first admission error: %v", err)
	}
	if err := eng.CancelAppointment(ctx, first.ID); err != nil {
		t.Fatalf("CancelAppointment error: %v", err)
	}

	_, err = eng.RequestAdmission(ctx, req)
	aErr := requireKind(t, err, KindConflict)
	if aErr.ConflictingID != first.ID {
		t.Fatalf("conflicting id = %s, want %s", aErr.ConflictingID, first.ID)
	}

	confirmed, err := st.FindOverlapping(ctx, at(10, 0), at(10, 30))
	if err != nil {
		t.Fatalf("FindOverlapping error: %v", err)
	}
	if len(confirmed) != 0 {
		t.Fatalf("confirmed in interval = %d, want 0", len(confirmed))
	}

	// Without the spent key the interval is free again.
	again, err := eng.RequestAdmission(ctx, AdmissionRequest{SubjectName: "Alice", Start: at(10, 0), End: at(10, 30)})
	if err != nil {
		t.Fatalf("admission without key error: %v", err)
	}
	if again.ID == first.ID || again.Status != domain.StatusConfirmed {
		t.Fatalf("readmitted = %+v", again)
	}
}

func TestRequestAdmission_DuplicateIDRaceResolvesToReplay(t *testing.T) {
	var stored domain.Appointment
	gets := 0

	eng := newTestEngine(&fakeStore{
		getFn: func(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
			gets++
			if gets == 1 {
				return domain.Appointment{}, store.ErrNotFound
			}
			return stored, nil
		},
		findOverlappingFn: func(ctx context.Context, start, end time.Time) ([]domain.Appointment, error) {
			return nil, nil
		},
		insertFn: func(ctx context.Context, appt domain.Appointment) (bool, error) {
			// A concurrent request with the same key won between Get and insert.
			stored = appt
			return false, store.ErrDuplicateID
		},
	})

	got, err := eng.RequestAdmission(context.Background(), AdmissionRequest{SubjectName: "a", Start: at(10, 0), End: at(11, 0), IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("RequestAdmission error: %v", err)
	}
	if got.ID != stored.ID {
		t.Fatalf("id = %s, want %s", got.ID, stored.ID)
	}
}

func TestCancelAppointment_FreesInterval(t *testing.T) {
	st := memory.New()
	eng := newTestEngine(st)
	ctx := context.Background()

	appt, err := eng.RequestAdmission(ctx, AdmissionRequest{SubjectName: "Alice", Start: at(10, 0), End: at(10, 30)})
	if err != nil {
		t.Fatalf("admission error: %v", err)
	}

	if err := eng.CancelAppointment(ctx, appt.ID); err != nil {
		t.Fatalf("CancelAppointment error: %v", err)
	}
	got, err := eng.GetAppointment(ctx, appt.ID)
	if err != nil {
		t.Fatalf("GetAppointment error: %v", err)
	}
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want %s", got.Status, domain.StatusCancelled)
	}

	again, err := eng.RequestAdmission(ctx, AdmissionRequest{SubjectName: "Bob", Start: at(10, 0), End: at(10, 30)})
	if err != nil {
		t.Fatalf("re-admission error: %v", err)
	}
	if again.ID == appt.ID {
		t.Fatalf("re-admission reused cancelled id")
	}
}

func TestCancelAppointment_NotFound(t *testing.T) {
	st := memory.New()
	eng := newTestEngine(st)
	ctx := context.Background()

	requireKind(t, eng.CancelAppointment(ctx, uuid.New()), KindNotFound)
	requireKind(t, eng.CancelAppointment(ctx, uuid.Nil), KindNotFound)

	appt, err := eng.RequestAdmission(ctx, AdmissionRequest{SubjectName: "Alice", Start: at(10, 0), End: at(10, 30)})
	if err != nil {
		t.Fatalf("admission error: %v", err)
	}
	if err := eng.CancelAppointment(ctx, appt.ID); err != nil {
		t.Fatalf("CancelAppointment error: %v", err)
	}
	requireKind(t, eng.CancelAppointment(ctx, appt.ID), KindNotFound)
}

func TestCancelAppointment_StoreFailure(t *testing.T) {
	boom := errors.New("timeout")
	eng := newTestEngine(&fakeStore{
		updateStatusFn: func(ctx context.Context, id uuid.UUID, from, to domain.Status) (bool, error) {
			if from != domain.StatusConfirmed || to != domain.StatusCancelled {
				t.Fatalf("transition = %s -> %s", from, to)
			}
			return false, boom
		},
	})

	err := eng.CancelAppointment(context.Background(), uuid.New())
	requireKind(t, err, KindStoreUnavailable)
	if !errors.Is(err, boom) {
		t.Fatalf("error chain lost cause: %v", err)
	}
}

func TestListConfirmed(t *testing.T) {
	st := memory.New()
	eng := newTestEngine(st)
	ctx := context.Background()

	a, err := eng.RequestAdmission(ctx, AdmissionRequest{SubjectName: "Alice", Start: at(10, 0), End: at(10, 30)})
	if err != nil {
		t.Fatalf("admission error: %v", err)
	}
	b, err := eng.RequestAdmission(ctx, AdmissionRequest{SubjectName: "Bob", Start: at(11, 0), End: at(11, 30)})
	if err != nil {
		t.Fatalf("admission error: %v", err)
	}
	if err := eng.CancelAppointment(ctx, b.ID); err != nil {
		t.Fatalf("CancelAppointment error: %v", err)
	}

	got, err := eng.ListConfirmed(ctx, at(9, 0), at(12, 0))
	if err != nil {
		t.Fatalf("ListConfirmed error: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("listed %d appointments, want only %s", len(got), a.ID)
	}

	_, err = eng.ListConfirmed(ctx, at(12, 0), at(9, 0))
	requireKind(t, err, KindInvalidInput)
}

func TestGetAppointment_NotFound(t *testing.T) {
	eng := newTestEngine(memory.New())
	_, err := eng.GetAppointment(context.Background(), uuid.New())
	requireKind(t, err, KindNotFound)
}
