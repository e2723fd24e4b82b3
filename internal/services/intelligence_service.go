package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/devhops/devhops-engine/internal/api"
	"github.com/devhops/devhops-engine/internal/models"
	"github.com/devhops/devhops-engine/internal/servicestore"
	"github.com/devhops/devhops-engine/internal/snapshot"
	"github.com/devhops/devhops-engine/internal/utils"
)

// SnapshotReader exposes the published evaluation state.
type SnapshotReader interface {
	Get(serviceID string) (*models.ServiceSnapshot, bool)
	List() []*models.ServiceSnapshot
	OverallHealth() (float64, bool)
	ResolveAnomaly(anomalyID string, at time.Time) (models.Anomaly, error)
}

// Refresher forces an evaluation cycle for a scheduled service.
type Refresher interface {
	Refresh(ctx context.Context, serviceID string) (*models.ServiceSnapshot, error)
}

// IntelligenceService implements the gRPC Intelligence service.
type IntelligenceService struct {
	logger    *slog.Logger
	snapshots SnapshotReader
	refresher Refresher
	latencies *utils.LatencyTracker
	now       func() time.Time
}

var _ api.IntelligenceServer = (*IntelligenceService)(nil)

// NewIntelligenceService constructs the gRPC facade. refresher may be nil, which disables RefreshService.
func NewIntelligenceService(logger *slog.Logger, snapshots SnapshotReader, refresher Refresher) *IntelligenceService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntelligenceService{
		logger:    logger,
		snapshots: snapshots,
		refresher: refresher,
		latencies: utils.NewLatencyTracker(1024),
		now:       time.Now,
	}
}

// GetSnapshot returns the latest snapshot of one service.
func (s *IntelligenceService) GetSnapshot(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if s.snapshots == nil {
		return nil, status.Error(codes.FailedPrecondition, "snapshot registry not configured")
	}
	id, err := api.FromProtoID(req, "service_id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	snap, ok := s.snapshots.Get(id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no snapshot for service %q", id)
	}
	return s.encode(api.ToProtoSnapshot(snap))
}

// ListSnapshots returns every snapshot together with the fleet health.
func (s *IntelligenceService) ListSnapshots(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.snapshots == nil {
		return nil, status.Error(codes.FailedPrecondition, "snapshot registry not configured")
	}
	overall, ok := s.snapshots.OverallHealth()
	return s.encode(api.ToProtoSnapshotList(s.snapshots.List(), overall, ok))
}

// ResolveAnomaly acknowledges an anomaly.
func (s *IntelligenceService) ResolveAnomaly(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if s.snapshots == nil {
		return nil, status.Error(codes.FailedPrecondition, "snapshot registry not configured")
	}
	id, err := api.FromProtoID(req, "anomaly_id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	anomaly, err := s.snapshots.ResolveAnomaly(id, s.now())
	switch {
	case errors.Is(err, snapshot.ErrAnomalyNotFound):
		return nil, status.Errorf(codes.NotFound, "anomaly %q not found", id)
	case errors.Is(err, snapshot.ErrAnomalyResolved):
		return nil, status.Errorf(codes.FailedPrecondition, "anomaly %q already resolved", id)
	case err != nil:
		s.logger.Error("resolve anomaly failed", slog.String("anomaly_id", id), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to resolve anomaly")
	}

	s.logger.Info("anomaly resolved", slog.String("anomaly_id", id), slog.String("service_id", anomaly.ServiceID))
	return s.encode(api.ToProtoAnomaly(anomaly))
}

// RefreshService runs an evaluation cycle immediately and returns the resulting snapshot. A cycle that
// ends stale still returns its snapshot.
func (s *IntelligenceService) RefreshService(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if s.refresher == nil {
		return nil, status.Error(codes.FailedPrecondition, "scheduler not configured")
	}
	id, err := api.FromProtoID(req, "service_id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	start := time.Now()
	snap, err := s.refresher.Refresh(ctx, id)
	duration := time.Since(start)
	if errors.Is(err, servicestore.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "service %q is not scheduled", id)
	}
	if err != nil && snap == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, status.FromContextError(ctxErr).Err()
		}
		s.logger.Error("refresh failed", slog.String("service_id", id), slog.Any("error", err))
		return nil, status.Error(codes.Unavailable, err.Error())
	}

	s.latencies.Observe(duration)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		p95 := s.latencies.Percentile(95)
		s.logger.Info("refresh latency", slog.Duration("p95", p95), slog.Int("samples", count))
	}
	return s.encode(api.ToProtoSnapshot(snap))
}

// LatencyP95 returns the current p95 refresh latency.
func (s *IntelligenceService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func (s *IntelligenceService) encode(payload *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		s.logger.Error("encode response failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return payload, nil
}
