package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"appointment-service/internal/domain"
	"appointment-service/internal/service/admission"
)

const idempotencyHeader = "Idempotency-Key"

// Admissions is the slice of the admission engine the HTTP intake needs.
type Admissions interface {
	RequestAdmission(ctx context.Context, in admission.AdmissionRequest) (domain.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID) error
	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	ListConfirmed(ctx context.Context, from, to time.Time) ([]domain.Appointment, error)
}

type appointmentHandler struct {
	svc             Admissions
	log             *slog.Logger
	defaultDuration time.Duration
	location        *time.Location
}

// createAppointmentRequest accepts the current shape and the legacy
// {name, date, time} shape, where the end is derived from a default duration.
type createAppointmentRequest struct {
	SubjectName string `json:"subjectName"`
	Start       string `json:"start"`
	End         string `json:"end"`

	Name string `json:"name"`
	Date string `json:"date"`
	Time string `json:"time"`
}

type appointmentResponse struct {
	ID          string    `json:"id"`
	SubjectName string    `json:"subjectName"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Status      string    `json:"status"`
}

func toResponse(a domain.Appointment) appointmentResponse {
	return appointmentResponse{
		ID:          a.ID.String(),
		SubjectName: a.SubjectName,
		Start:       a.StartTime.UTC(),
		End:         a.EndTime.UTC(),
		Status:      string(a.Status),
	}
}

func (h *appointmentHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createAppointmentRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, codeBodyTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}

	in := h.admissionRequest(req)
	in.IdempotencyKey = r.Header.Get(idempotencyHeader)

	appt, err := h.svc.RequestAdmission(r.Context(), in)
	if err != nil {
		writeAdmissionError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(appt))
}

// admissionRequest turns the wire body into an engine request. Timestamps
// that do not parse are left zero so the engine reports them in its usual
// validation order.
func (h *appointmentHandler) admissionRequest(req createAppointmentRequest) admission.AdmissionRequest {
	name := req.SubjectName
	if strings.TrimSpace(name) == "" {
		name = req.Name
	}

	if req.Start == "" && req.End == "" && (req.Date != "" || req.Time != "") {
		start, err := time.ParseInLocation("2006-01-02 15:04", strings.TrimSpace(req.Date)+" "+strings.TrimSpace(req.Time), h.location)
		if err != nil {
			return admission.AdmissionRequest{SubjectName: name}
		}
		return admission.AdmissionRequest{SubjectName: name, Start: start, End: start.Add(h.defaultDuration)}
	}

	return admission.AdmissionRequest{
		SubjectName: name,
		Start:       parseTimestamp(req.Start),
		End:         parseTimestamp(req.End),
	}
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (h *appointmentHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		writeAdmissionError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *appointmentHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	appts, err := h.svc.ListConfirmed(r.Context(), parseTimestamp(q.Get("from")), parseTimestamp(q.Get("to")))
	if err != nil {
		writeAdmissionError(w, r, h.log, err)
		return
	}
	out := make([]appointmentResponse, 0, len(appts))
	for _, a := range appts {
		out = append(out, toResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *appointmentHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.svc.CancelAppointment(r.Context(), id); err != nil {
		writeAdmissionError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidID, "invalid appointment id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
