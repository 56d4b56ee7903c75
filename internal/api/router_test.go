package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/mirador-insights/internal/engine"
	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

type fakeSessions struct {
	pipeline *engine.Pipeline
	sessions map[string]*engine.Session
	ready    bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		pipeline: engine.NewPipeline(nil, engine.Dependencies{}),
		sessions: make(map[string]*engine.Session),
		ready:    true,
	}
}

func (f *fakeSessions) OpenDataset(ctx context.Context, ds models.RawDataset) (*engine.Session, error) {
	s, err := f.pipeline.Open(ctx, ds)
	if err != nil {
		return nil, err
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeSessions) Lookup(id string) (*engine.Session, bool) {
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeSessions) Ready() bool { return f.ready }

func telcoCSV(n int) string {
	var b strings.Builder
	b.WriteString("tenure,amount,contract_type,churn_label\n")
	contracts := []string{"Month-to-month", "One year", "Two year"}
	for i := 0; i < n; i++ {
		label := "No"
		if i%4 == 0 {
			label = "Yes"
		}
		fmt.Fprintf(&b, "%d,%.2f,%s,%s\n", 1+i%70, 40+float64(i%50)*1.5, contracts[i%3], label)
	}
	return b.String()
}

func TestHealthEndpointsAndRequestID(t *testing.T) {
	svc := newFakeSessions()
	router := NewRouter(svc, prometheus.NewRegistry(), nil, 0)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Request-Id") != "req-42" {
		t.Fatalf("readyz: got %d with id %q", rec.Code, rec.Header().Get("X-Request-Id"))
	}

	svc.ready = false
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: expected 503 when not ready, got %d", rec.Code)
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "router_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rec := httptest.NewRecorder()
	NewRouter(newFakeSessions(), reg, nil, 0).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "router_test_total 1") {
		t.Fatalf("expected counter in output, got %s", rec.Body.String())
	}
}

func TestProfileCreatesSession(t *testing.T) {
	svc := newFakeSessions()
	router := NewRouter(svc, prometheus.NewRegistry(), nil, 1<<20)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/profile", strings.NewReader(telcoCSV(60))))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id, _ := body["session_id"].(string)
	if id == "" {
		t.Fatalf("expected session id in %v", body)
	}
	if body["records"].(float64) != 60 {
		t.Fatalf("expected 60 records, got %v", body["records"])
	}
	admitted, _ := body["admitted"].([]any)
	if len(admitted) != 1 {
		t.Fatalf("expected churn admitted alone, got %v", admitted)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for existing session, got %d", rec.Code)
	}
}

func TestProfileRejectsOversizedUpload(t *testing.T) {
	rec := httptest.NewRecorder()
	router := NewRouter(newFakeSessions(), prometheus.NewRegistry(), nil, 64)
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/profile", strings.NewReader(telcoCSV(100))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(newFakeSessions(), prometheus.NewRegistry(), nil, 0).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[utils.Kind]int{
		utils.KindValidation:            http.StatusBadRequest,
		utils.KindNotFound:              http.StatusNotFound,
		utils.KindCapabilityUnavailable: http.StatusUnprocessableEntity,
		utils.KindData:                  http.StatusUnprocessableEntity,
		utils.KindSchema:                http.StatusUnprocessableEntity,
		utils.KindInternal:              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, got)
		}
	}
}
