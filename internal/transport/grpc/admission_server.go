package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"appointment-service/internal/domain"
	"appointment-service/internal/service/admission"
)

type AdmissionServer struct {
	svc admissionService
	log *slog.Logger
}

type admissionService interface {
	RequestAdmission(ctx context.Context, in admission.AdmissionRequest) (domain.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID) error
	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
}

var _ AdmissionServiceServer = (*AdmissionServer)(nil)

func NewAdmissionServer(svc admissionService, log *slog.Logger) *AdmissionServer {
	if log == nil {
		log = slog.Default()
	}
	return &AdmissionServer{
		svc: svc,
		log: log.With(slog.String("component", "grpc.admission")),
	}
}

func (s *AdmissionServer) RequestAdmission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "RequestAdmission"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	fields := req.GetFields()

	appt, err := s.svc.RequestAdmission(ctx, admission.AdmissionRequest{
		SubjectName:    fields["subjectName"].GetStringValue(),
		Start:          parseTimestamp(fields["start"].GetStringValue()),
		End:            parseTimestamp(fields["end"].GetStringValue()),
		IdempotencyKey: idempotencyKey(ctx),
	})
	if err != nil {
		return nil, s.statusError(log, err)
	}

	log.Info(
		"appointment admitted",
		slog.String("appointment_id", appt.ID.String()),
		slog.Time("start_time", appt.StartTime),
		slog.Time("end_time", appt.EndTime),
	)
	return toStruct(appt)
}

func (s *AdmissionServer) CancelAppointment(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	log := s.log.With(slog.String("rpc", "CancelAppointment"))

	id, err := appointmentID(req)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_uuid"))
		return nil, err
	}
	if err := s.svc.CancelAppointment(ctx, id); err != nil {
		return nil, s.statusError(log.With(slog.String("appointment_id", id.String())), err)
	}

	log.Info("appointment cancelled", slog.String("appointment_id", id.String()))
	return &emptypb.Empty{}, nil
}

func (s *AdmissionServer) GetAppointment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "GetAppointment"))

	id, err := appointmentID(req)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_uuid"))
		return nil, err
	}
	appt, err := s.svc.GetAppointment(ctx, id)
	if err != nil {
		return nil, s.statusError(log.With(slog.String("appointment_id", id.String())), err)
	}
	return toStruct(appt)
}

func (s *AdmissionServer) statusError(log *slog.Logger, err error) error {
	var aErr *admission.AdmissionError
	if !errors.As(err, &aErr) {
		log.Error("rpc failed", slog.Any("err", err))
		return status.Error(codes.Internal, "internal error")
	}

	switch aErr.Kind {
	case admission.KindInvalidInput:
		log.Warn("invalid request", slog.String("reason", aErr.Reason))
		return status.Error(codes.InvalidArgument, aErr.Reason)
	case admission.KindConflict:
		log.Info("admission conflict", slog.String("conflicting_id", aErr.ConflictingID.String()))
		if aErr.ConflictingID != uuid.Nil {
			return status.Error(codes.FailedPrecondition, fmt.Sprintf("%s (conflicting appointment %s)", aErr.Reason, aErr.ConflictingID))
		}
		return status.Error(codes.FailedPrecondition, aErr.Reason)
	case admission.KindNotFound:
		log.Info("appointment not found")
		return status.Error(codes.NotFound, aErr.Reason)
	case admission.KindStoreUnavailable:
		log.Error("store unavailable", slog.Any("err", err))
		return status.Error(codes.Unavailable, "store unavailable")
	default:
		log.Error("rpc failed", slog.Any("err", err))
		return status.Error(codes.Internal, "internal error")
	}
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("idempotency-key")
	if len(values) == 0 {
		values = md.Get("x-idempotency-key")
	}
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func appointmentID(req *structpb.Struct) (uuid.UUID, error) {
	id, err := uuid.Parse(req.GetFields()["id"].GetStringValue())
	if err != nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, "id must be a UUID")
	}
	return id, nil
}

// parseTimestamp leaves unparseable input zero; the engine rejects it as an
// invalid time range after checking the subject.
func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

func toStruct(a domain.Appointment) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(map[string]any{
		"id":          a.ID.String(),
		"subjectName": a.SubjectName,
		"start":       a.StartTime.UTC().Format(time.RFC3339Nano),
		"end":         a.EndTime.UTC().Format(time.RFC3339Nano),
		"status":      string(a.Status),
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}
