package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-responder/internal/api"
	"github.com/miradorstack/mirador-responder/internal/engine"
	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/store"
	"github.com/miradorstack/mirador-responder/internal/utils"
)

// EventHandler runs one event through the incident pipeline.
type EventHandler interface {
	Handle(ctx context.Context, ev models.Event) (*models.Incident, error)
}

// IncidentReader reads the incident projection.
type IncidentReader interface {
	Load(ctx context.Context, correlationID string) (*models.Incident, error)
	ListByResource(ctx context.Context, resourceKey string, from, to time.Time) ([]models.Incident, error)
}

// IncidentService implements the gRPC IncidentEngine service.
type IncidentService struct {
	api.UnimplementedIncidentEngineServer

	logger    *slog.Logger
	handler   EventHandler
	incidents IncidentReader
	latencies *utils.LatencyTracker
	now       func() time.Time
}

// NewIncidentService constructs the service facade.
func NewIncidentService(logger *slog.Logger, handler EventHandler, incidents IncidentReader) *IncidentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IncidentService{
		logger:    logger,
		handler:   handler,
		incidents: incidents,
		latencies: utils.NewLatencyTracker(1024),
		now:       time.Now,
	}
}

// Handle runs ev through the pipeline and records its latency. The event
// consumer uses it as its handler.
func (s *IncidentService) Handle(ctx context.Context, ev models.Event) (*models.Incident, error) {
	if s.handler == nil {
		return nil, errors.New("incident pipeline not configured")
	}
	start := time.Now()
	inc, err := s.handler.Handle(ctx, ev)
	if err == nil {
		s.observe(time.Since(start))
	}
	return inc, err
}

// SubmitEvent runs an event to a terminal incident state. A duplicate event
// returns the existing incident flagged as duplicate.
func (s *IncidentService) SubmitEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.handler == nil {
		return nil, status.Error(codes.FailedPrecondition, "incident pipeline not configured")
	}

	ev, err := api.FromProtoEvent(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.logger.Debug("SubmitEvent called", slog.String("resource_key", ev.ResourceKey()), slog.String("event_name", ev.EventName))

	inc, err := s.Handle(ctx, ev)
	duplicate := false
	switch {
	case errors.Is(err, engine.ErrDuplicateEvent):
		duplicate = true
	case err != nil:
		s.logger.Error("incident run failed", slog.String("resource_key", ev.ResourceKey()), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to process event")
	}

	resp, err := api.SubmitResponse(inc, duplicate)
	if err != nil {
		s.logger.Error("encode incident failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode incident")
	}
	return resp, nil
}

// GetIncident returns a stored incident by correlation id.
func (s *IncidentService) GetIncident(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.incidents == nil {
		return nil, status.Error(codes.FailedPrecondition, "incident store not configured")
	}
	id, err := api.CorrelationIDFromProto(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	inc, err := s.incidents.Load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.Errorf(codes.NotFound, "incident %s not found", id)
		}
		s.logger.Error("load incident failed", slog.String("correlation_id", id), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to load incident")
	}

	resp, err := api.IncidentResponse(inc)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode incident")
	}
	return resp, nil
}

// ListResourceIncidents returns the incidents of one resource in a time window.
func (s *IncidentService) ListResourceIncidents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.incidents == nil {
		return nil, status.Error(codes.FailedPrecondition, "incident store not configured")
	}
	listReq, err := api.FromProtoListRequest(req, s.now())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	incidents, err := s.incidents.ListByResource(ctx, listReq.ResourceKey, listReq.From, listReq.To)
	if err != nil {
		s.logger.Error("list incidents failed", slog.String("resource_key", listReq.ResourceKey), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to list incidents")
	}

	resp, err := api.ListResponse(listReq, incidents)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode incidents")
	}
	return resp, nil
}

// HealthCheck returns the current health state.
func (s *IncidentService) HealthCheck(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return api.HealthResponse("SERVING"), nil
}

// LatencyP95 returns the current p95 incident run latency.
func (s *IncidentService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func (s *IncidentService) observe(d time.Duration) {
	s.latencies.Observe(d)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("incident latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
}
