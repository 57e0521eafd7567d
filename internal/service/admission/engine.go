package admission

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"appointment-service/internal/clock"
	"appointment-service/internal/domain"
	"appointment-service/internal/store"
)

const (
	DefaultMaxAttempts = 3

	maxIdempotencyKeyLen = 256
	tracerName           = "appointment-service/internal/service/admission"
)

// Engine admits appointments into a store while keeping confirmed intervals
// pairwise disjoint. It holds no booking state of its own; every call races
// against concurrent callers through the store's conditional insert.
type Engine struct {
	store           store.AppointmentStore
	clock           clock.Clock
	log             *slog.Logger
	tracer          trace.Tracer
	maxAttempts     int
	rejectPastStart bool
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithMaxAttempts bounds how many times a lost insert race is retried.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithRejectPastStart toggles rejection of requests whose start is before the clock.
func WithRejectPastStart(reject bool) Option {
	return func(e *Engine) {
		e.rejectPastStart = reject
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

func NewEngine(st store.AppointmentStore, opts ...Option) *Engine {
	e := &Engine{
		store:           st,
		clock:           clock.NewSystem(),
		log:             slog.Default(),
		tracer:          otel.Tracer(tracerName),
		maxAttempts:     DefaultMaxAttempts,
		rejectPastStart: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(slog.String("component", "admission"))
	return e
}

type AdmissionRequest struct {
	SubjectName string
	Start       time.Time
	End         time.Time
	// IdempotencyKey, when set, pins the appointment id so a retried request
	// returns the original booking instead of conflicting with it.
	IdempotencyKey string
}

func (e *Engine) RequestAdmission(ctx context.Context, in AdmissionRequest) (domain.Appointment, error) {
	ctx, span := e.tracer.Start(ctx, "admission.RequestAdmission")
	defer span.End()

	appt, err := e.prepare(in)
	if err != nil {
		return domain.Appointment{}, recordFailure(span, err)
	}
	span.SetAttributes(
		attribute.String("appointment.id", appt.ID.String()),
		attribute.Bool("admission.idempotent", appt.IdempotencyKey != ""),
	)

	if appt.IdempotencyKey != "" {
		existing, found, err := e.replay(ctx, appt)
		if err != nil {
			return domain.Appointment{}, recordFailure(span, err)
		}
		if found {
			e.log.Info("admission replayed", slog.String("appointment_id", existing.ID.String()))
			return existing, nil
		}
	}

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		span.SetAttributes(attribute.Int("admission.attempts", attempt))

		overlapping, err := e.store.FindOverlapping(ctx, appt.StartTime, appt.EndTime)
		if err != nil {
			return domain.Appointment{}, recordFailure(span, storeUnavailable("find overlapping appointments", err))
		}
		if len(overlapping) > 0 {
			e.log.Info(
				"admission conflict",
				slog.String("conflicting_id", overlapping[0].ID.String()),
				slog.Time("start_time", appt.StartTime),
				slog.Time("end_time", appt.EndTime),
			)
			return domain.Appointment{}, recordFailure(span, conflict("time range overlaps an existing appointment", overlapping[0].ID))
		}

		candidate := appt
		candidate.Status = domain.StatusConfirmed

		ok, err := e.store.InsertIfNoConflict(ctx, candidate)
		if err != nil {
			if errors.Is(err, store.ErrDuplicateID) && candidate.IdempotencyKey != "" {
				existing, found, rErr := e.replay(ctx, candidate)
				if rErr != nil {
					return domain.Appointment{}, recordFailure(span, rErr)
				}
				if found {
					return existing, nil
				}
			}
			return domain.Appointment{}, recordFailure(span, storeUnavailable("insert appointment", err))
		}
		if ok {
			e.log.Info(
				"appointment admitted",
				slog.String("appointment_id", candidate.ID.String()),
				slog.Time("start_time", candidate.StartTime),
				slog.Time("end_time", candidate.EndTime),
				slog.Int("attempt", attempt),
			)
			return candidate, nil
		}

		e.log.Debug("admission lost insert race", slog.String("appointment_id", candidate.ID.String()), slog.Int("attempt", attempt))
	}

	// Report the winner when it is visible; the conflict stands either way.
	var winner uuid.UUID
	if overlapping, err := e.store.FindOverlapping(ctx, appt.StartTime, appt.EndTime); err == nil && len(overlapping) > 0 {
		winner = overlapping[0].ID
	}
	e.log.Info("admission conflict after retries", slog.Int("attempts", e.maxAttempts), slog.String("conflicting_id", winner.String()))
	return domain.Appointment{}, recordFailure(span, conflict("time range overlaps an existing appointment", winner))
}

func (e *Engine) CancelAppointment(ctx context.Context, id uuid.UUID) error {
	ctx, span := e.tracer.Start(ctx, "admission.CancelAppointment", trace.WithAttributes(attribute.String("appointment.id", id.String())))
	defer span.End()

	if id == uuid.Nil {
		return recordFailure(span, notFound("appointment not found"))
	}

	ok, err := e.store.UpdateStatus(ctx, id, domain.StatusConfirmed, domain.StatusCancelled)
	if err != nil {
		return recordFailure(span, storeUnavailable("cancel appointment", err))
	}
	if !ok {
		return recordFailure(span, notFound("appointment not found"))
	}

	e.log.Info("appointment cancelled", slog.String("appointment_id", id.String()))
	return nil
}

func (e *Engine) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	appt, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Appointment{}, notFound("appointment not found")
		}
		return domain.Appointment{}, storeUnavailable("load appointment", err)
	}
	return appt, nil
}

// ListConfirmed returns confirmed appointments intersecting [from, to).
func (e *Engine) ListConfirmed(ctx context.Context, from, to time.Time) ([]domain.Appointment, error) {
	start := from.UTC()
	end := to.UTC()
	if from.IsZero() || to.IsZero() || !start.Before(end) {
		return nil, invalidInput("invalid time range")
	}

	appts, err := e.store.FindOverlapping(ctx, start, end)
	if err != nil {
		return nil, storeUnavailable("list appointments", err)
	}
	return appts, nil
}

func (e *Engine) prepare(in AdmissionRequest) (domain.Appointment, error) {
	name := strings.TrimSpace(in.SubjectName)
	if name == "" {
		return domain.Appointment{}, invalidInput("subjectName required")
	}

	if in.Start.IsZero() || in.End.IsZero() {
		return domain.Appointment{}, invalidInput("invalid time range")
	}
	// Postgres keeps microseconds; truncate so replays compare equal on every store.
	start := in.Start.UTC().Truncate(time.Microsecond)
	end := in.End.UTC().Truncate(time.Microsecond)
	if !start.Before(end) {
		return domain.Appointment{}, invalidInput("invalid time range")
	}

	now := e.clock.Now().UTC().Truncate(time.Microsecond)
	if e.rejectPastStart && start.Before(now) {
		return domain.Appointment{}, invalidInput("start in the past")
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if len(key) > maxIdempotencyKeyLen {
		return domain.Appointment{}, invalidInput("idempotency key too long")
	}

	appt := domain.Appointment{
		SubjectName:    name,
		StartTime:      start,
		EndTime:        end,
		Status:         domain.StatusPending,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if key != "" {
		appt.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("appointment-service:admission:"+key))
	} else {
		appt.ID = uuid.Must(uuid.NewV7())
	}
	return appt, nil
}

// replay looks up a previous admission made with the same idempotency key.
func (e *Engine) replay(ctx context.Context, want domain.Appointment) (domain.Appointment, bool, error) {
	existing, err := e.store.Get(ctx, want.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Appointment{}, false, nil
		}
		return domain.Appointment{}, false, storeUnavailable("load appointment", err)
	}
	if !existing.SameRequest(want) {
		return domain.Appointment{}, false, conflict("idempotency key reused for a different request", existing.ID)
	}
	// A key is spent once its appointment is cancelled; only a live booking replays.
	if existing.Status != domain.StatusConfirmed {
		return domain.Appointment{}, false, conflict("idempotency key belongs to a cancelled appointment", existing.ID)
	}
	return existing, true, nil
}

func recordFailure(span trace.Span, err error) error {
	if kind, ok := KindOf(err); ok {
		span.SetAttributes(attribute.String("admission.error_kind", string(kind)))
		if kind != KindStoreUnavailable {
			return err
		}
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	return err
}
