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

	"github.com/miradorstack/mirador-insights/internal/api"
	"github.com/miradorstack/mirador-insights/internal/engine"
	"github.com/miradorstack/mirador-insights/internal/metrics"
	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/session"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

// AnalysisService implements the gRPC AnalysisService and the HTTP session surface on top of
// one pipeline and a session registry.
type AnalysisService struct {
	logger    *slog.Logger
	pipeline  *engine.Pipeline
	sessions  *session.Store[*engine.Session]
	latencies *utils.LatencyTracker
	timeout   time.Duration
}

var _ api.AnalysisServer = (*AnalysisService)(nil)
var _ api.SessionService = (*AnalysisService)(nil)

// NewAnalysisService constructs the service facade. timeout bounds each Analyze call; zero
// leaves it to the caller's context.
func NewAnalysisService(logger *slog.Logger, pipeline *engine.Pipeline, sessions *session.Store[*engine.Session], timeout time.Duration) *AnalysisService {
	if logger == nil {
		logger = slog.Default()
	}
	if sessions == nil {
		sessions = session.NewStore[*engine.Session](0, 0)
	}
	return &AnalysisService{
		logger:    logger,
		pipeline:  pipeline,
		sessions:  sessions,
		latencies: utils.NewLatencyTracker(1024),
		timeout:   timeout,
	}
}

// OpenDataset opens and registers a session for ds.
func (s *AnalysisService) OpenDataset(ctx context.Context, ds models.RawDataset) (*engine.Session, error) {
	if s.pipeline == nil {
		return nil, errors.New("pipeline not configured")
	}
	sess, err := s.pipeline.Open(ctx, ds)
	if err != nil {
		return nil, err
	}
	s.sessions.Put(sess.ID, sess)
	metrics.SetActiveSessions(s.sessions.Len())
	return sess, nil
}

// Lookup returns a live session.
func (s *AnalysisService) Lookup(id string) (*engine.Session, bool) {
	return s.sessions.Get(id)
}

// Ready reports whether the service can accept work.
func (s *AnalysisService) Ready() bool {
	return s.pipeline != nil
}

// OpenSession profiles the uploaded dataset and returns the capability decision.
func (s *AnalysisService) OpenSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	ds, err := api.DatasetFromProto(req)
	if err != nil {
		return nil, toStatus(err)
	}
	sess, err := s.OpenDataset(ctx, ds)
	if err != nil {
		return nil, s.fail("open session", err)
	}
	s.logger.Debug("OpenSession called", slog.String("session_id", sess.ID), slog.Int("records", ds.Len()))
	return respond(api.SessionToMap(sess))
}

// Analyze runs the admitted engines on a session.
func (s *AnalysisService) Analyze(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}
	analyzeReq, err := api.AnalyzeRequestFromProto(req)
	if err != nil {
		return nil, toStatus(err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	report, err := s.pipeline.Analyze(ctx, sess, analyzeReq)
	if err != nil {
		return nil, s.fail("analyze", err)
	}
	duration := time.Since(start)
	s.latencies.Observe("analyze", duration)
	if count := s.latencies.Count("analyze"); count >= 20 && count%20 == 0 {
		s.logger.Info("analysis latency", slog.Duration("p95", s.latencies.Percentile("analyze", 95)), slog.Int("samples", count))
	}
	return respond(api.ReportToMap(report))
}

// Simulate re-scores a record of the session with overrides.
func (s *AnalysisService) Simulate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}
	recordID, err := api.RecordID(req)
	if err != nil {
		return nil, toStatus(err)
	}
	overrides, err := api.OverridesFromProto(req)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.pipeline.Simulate(sess, recordID, overrides)
	if err != nil {
		return nil, s.fail("simulate", err)
	}
	return respond(api.AssessmentToMap(res))
}

// Explain returns the full attribution of one record.
func (s *AnalysisService) Explain(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}
	recordID, err := api.RecordID(req)
	if err != nil {
		return nil, toStatus(err)
	}
	attrs, err := s.pipeline.Explain(sess, recordID)
	if err != nil {
		return nil, s.fail("explain", err)
	}
	return respond(map[string]any{"record_id": recordID, "attributions": api.AttributionsToList(attrs)})
}

// Assign places new records into the session's retained clusters.
func (s *AnalysisService) Assign(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}
	ds, err := api.DatasetFromProto(req)
	if err != nil {
		return nil, toStatus(err)
	}
	assignments, err := s.pipeline.Assign(sess, ds)
	if err != nil {
		return nil, s.fail("assign", err)
	}
	return respond(map[string]any{"assignments": api.AssignmentsToList(assignments)})
}

// AttachModel loads a stored churn model into the session.
func (s *AnalysisService) AttachModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}
	version := req.GetFields()["version"].GetStringValue()
	if version == "" {
		return nil, toStatus(utils.ValidationError("services.AttachModel", "version is required", "version"))
	}
	model, err := s.pipeline.AttachModel(ctx, sess, version)
	if err != nil {
		return nil, s.fail("attach model", err)
	}
	features := make([]any, 0, len(model.Features()))
	for _, f := range model.Features() {
		features = append(features, f.Name)
	}
	return respond(map[string]any{
		"session_id":    sess.ID,
		"model_version": model.Version(),
		"trained_at":    model.TrainedAt().Format(time.RFC3339),
		"features":      features,
	})
}

// CloseSession discards a session.
func (s *AnalysisService) CloseSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := api.SessionID(req)
	if err != nil {
		return nil, toStatus(err)
	}
	if !s.sessions.Delete(id) {
		return nil, status.Error(codes.NotFound, "session not found")
	}
	metrics.SetActiveSessions(s.sessions.Len())
	return respond(map[string]any{"session_id": id, "closed": true})
}

// HealthCheck returns the current health state.
func (s *AnalysisService) HealthCheck(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	state := "SERVING"
	if !s.Ready() {
		state = "NOT_SERVING"
	}
	return respond(map[string]any{"status": state, "sessions": s.sessions.Len()})
}

// LatencyP95 returns the current p95 analysis latency.
func (s *AnalysisService) LatencyP95() time.Duration {
	return s.latencies.Percentile("analyze", 95)
}

func (s *AnalysisService) session(req *structpb.Struct) (*engine.Session, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.pipeline == nil {
		return nil, status.Error(codes.FailedPrecondition, "pipeline not configured")
	}
	id, err := api.SessionID(req)
	if err != nil {
		return nil, toStatus(err)
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, status.Error(codes.NotFound, "session not found")
	}
	return sess, nil
}

func (s *AnalysisService) fail(op string, err error) error {
	if utils.KindOf(err) == utils.KindInternal {
		s.logger.Error(op+" failed", slog.Any("error", err))
	} else {
		s.logger.Debug(op+" rejected", slog.String("reason", utils.Reason(err)))
	}
	return toStatus(err)
}

// toStatus maps error kinds onto gRPC codes. The message is always the user-facing reason.
func toStatus(err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, utils.Reason(err))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, utils.Reason(err))
	}
	switch utils.KindOf(err) {
	case utils.KindValidation:
		return status.Error(codes.InvalidArgument, utils.Reason(err))
	case utils.KindCapabilityUnavailable, utils.KindData, utils.KindSchema:
		return status.Error(codes.FailedPrecondition, utils.Reason(err))
	case utils.KindNotFound:
		return status.Error(codes.NotFound, utils.Reason(err))
	default:
		return status.Error(codes.Internal, utils.Reason(err))
	}
}

func respond(m map[string]any) (*structpb.Struct, error) {
	out, err := api.ToProto(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return out, nil
}
