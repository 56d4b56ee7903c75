package services

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-insights/internal/api"
	"github.com/miradorstack/mirador-insights/internal/cache"
	"github.com/miradorstack/mirador-insights/internal/engine"
	"github.com/miradorstack/mirador-insights/internal/repo"
	"github.com/miradorstack/mirador-insights/internal/session"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

func telcoCSV(n int) string {
	var b strings.Builder
	b.WriteString("tenure,amount,contract_type,churn_label\n")
	contracts := []string{"Month-to-month", "One year", "Two year"}
	for i := 0; i < n; i++ {
		c := i % 3
		tenure := 1 + (i*7)%72
		label := "No"
		if c == 0 && tenure < 24 || i%11 == 0 {
			label = "Yes"
		}
		fmt.Fprintf(&b, "%d,%.2f,%s,%s\n", tenure, float64(tenure)*(35+float64(i%20)), contracts[c], label)
	}
	return b.String()
}

func newTestService(t *testing.T) *AnalysisService {
	t.Helper()
	store, err := repo.OpenArtifactStore(filepath.Join(t.TempDir(), "artifacts.db"), cache.NoopProvider{}, 0, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	pipeline := engine.NewPipeline(nil, engine.Dependencies{Artifacts: store})
	return NewAnalysisService(nil, pipeline, session.NewStore[*engine.Session](time.Hour, 8), time.Minute)
}

func dial(t *testing.T, svc api.AnalysisServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	api.RegisterAnalysisService(server, svc)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func call(t *testing.T, conn *grpc.ClientConn, method string, req map[string]any) (*structpb.Struct, error) {
	t.Helper()
	in, err := structpb.NewStruct(req)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	out := &structpb.Struct{}
	err = conn.Invoke(context.Background(), "/"+api.ServiceName+"/"+method, in, out)
	return out, err
}

func TestAnalysisRoundTripOverGRPC(t *testing.T) {
	conn := dial(t, newTestService(t))

	opened, err := call(t, conn, "OpenSession", map[string]any{"csv": telcoCSV(150)})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	id := opened.GetFields()["session_id"].GetStringValue()
	if id == "" {
		t.Fatalf("expected session id, got %v", opened)
	}

	report, err := call(t, conn, "Analyze", map[string]any{"session_id": id})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	churnSection := report.GetFields()["churn"].GetStructValue()
	if churnSection == nil {
		t.Fatalf("expected churn section in %v", report)
	}
	version := churnSection.GetFields()["model_version"].GetStringValue()
	if version == "" {
		t.Fatalf("expected model version")
	}
	if n := len(churnSection.GetFields()["assessments"].GetListValue().GetValues()); n != 150 {
		t.Fatalf("expected 150 assessments, got %d", n)
	}
	value := churnSection.GetFields()["value"].GetStructValue()
	if n := len(value.GetFields()["predictions"].GetListValue().GetValues()); n != 150 {
		t.Fatalf("expected 150 value predictions, got %d", n)
	}

	sim, err := call(t, conn, "Simulate", map[string]any{
		"session_id": id,
		"record_id":  0,
		"overrides":  map[string]any{"contract_type": "Two year"},
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if p := sim.GetFields()["probability"].GetNumberValue(); p < 0 || p > 1 {
		t.Fatalf("probability out of range: %v", p)
	}

	explained, err := call(t, conn, "Explain", map[string]any{"session_id": id, "record_id": 3})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if len(explained.GetFields()["attributions"].GetListValue().GetValues()) == 0 {
		t.Fatalf("expected attributions")
	}

	other, err := call(t, conn, "OpenSession", map[string]any{"csv": telcoCSV(40)})
	if err != nil {
		t.Fatalf("open second session: %v", err)
	}
	otherID := other.GetFields()["session_id"].GetStringValue()
	attached, err := call(t, conn, "AttachModel", map[string]any{"session_id": otherID, "version": version})
	if err != nil {
		t.Fatalf("attach model: %v", err)
	}
	if attached.GetFields()["model_version"].GetStringValue() != version {
		t.Fatalf("unexpected attached version %v", attached)
	}
	if _, err := call(t, conn, "Simulate", map[string]any{"session_id": otherID}); err != nil {
		t.Fatalf("baseline simulate on attached session: %v", err)
	}

	if _, err := call(t, conn, "CloseSession", map[string]any{"session_id": id}); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = call(t, conn, "Analyze", map[string]any{"session_id": id})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound after close, got %v", err)
	}
}

func TestErrorCodes(t *testing.T) {
	conn := dial(t, newTestService(t))

	opened, err := call(t, conn, "OpenSession", map[string]any{"csv": telcoCSV(60)})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	id := opened.GetFields()["session_id"].GetStringValue()

	cases := []struct {
		name   string
		method string
		req    map[string]any
		want   codes.Code
	}{
		{"missing dataset", "OpenSession", map[string]any{}, codes.InvalidArgument},
		{"missing session id", "Analyze", map[string]any{}, codes.InvalidArgument},
		{"unknown session", "Analyze", map[string]any{"session_id": "nope"}, codes.NotFound},
		{"unknown capability", "Analyze", map[string]any{"session_id": id, "capabilities": []any{"forecast"}}, codes.InvalidArgument},
		{"unavailable capability", "Analyze", map[string]any{"session_id": id, "capabilities": []any{"segmentation"}}, codes.FailedPrecondition},
		{"simulate before fit", "Simulate", map[string]any{"session_id": id}, codes.FailedPrecondition},
		{"attach without version", "AttachModel", map[string]any{"session_id": id}, codes.InvalidArgument},
		{"attach unknown version", "AttachModel", map[string]any{"session_id": id, "version": "v-missing"}, codes.NotFound},
		{"close unknown", "CloseSession", map[string]any{"session_id": "nope"}, codes.NotFound},
	}
	for _, tc := range cases {
		_, err := call(t, conn, tc.method, tc.req)
		if status.Code(err) != tc.want {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.want, err)
		}
	}
}

func TestHealthCheckAndSessionSurface(t *testing.T) {
	svc := newTestService(t)
	conn := dial(t, svc)

	out := &structpb.Struct{}
	if err := conn.Invoke(context.Background(), "/"+api.ServiceName+"/HealthCheck", &emptypb.Empty{}, out); err != nil {
		t.Fatalf("health: %v", err)
	}
	if out.GetFields()["status"].GetStringValue() != "SERVING" {
		t.Fatalf("unexpected health %v", out)
	}

	if !svc.Ready() {
		t.Fatalf("expected ready service")
	}
	if _, ok := svc.Lookup("missing"); ok {
		t.Fatalf("expected lookup miss")
	}

	notReady := NewAnalysisService(nil, nil, nil, 0)
	if notReady.Ready() {
		t.Fatalf("service without pipeline must not be ready")
	}
	resp, err := notReady.HealthCheck(context.Background(), &emptypb.Empty{})
	if err != nil || resp.GetFields()["status"].GetStringValue() != "NOT_SERVING" {
		t.Fatalf("unexpected health %v (%v)", resp, err)
	}
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{utils.ValidationError("op", "bad", "k"), codes.InvalidArgument},
		{utils.CapabilityUnavailable("op", "churn", "no label"), codes.FailedPrecondition},
		{utils.DataError("op", "single class"), codes.FailedPrecondition},
		{utils.NotFound("op", "missing"), codes.NotFound},
		{fmt.Errorf("wrapped: %w", context.Canceled), codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{fmt.Errorf("disk on fire"), codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(toStatus(tc.err)); got != tc.want {
			t.Fatalf("%v: expected %s, got %s", tc.err, tc.want, got)
		}
	}
}
