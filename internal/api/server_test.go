package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zulandar/switchyard/internal/audit"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/engine"
	"github.com/zulandar/switchyard/internal/flow"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/outbound"
	"github.com/zulandar/switchyard/internal/state"
)

// greeter starts on "hola" and ends on any reply.
type greeter struct{ priority flow.Priority }

func (g greeter) Name() string {
	if g.priority == flow.PriorityUrgent {
		return "recordatorio"
	}
	return "saludo"
}
func (g greeter) Priority() flow.Priority { return g.priority }
func (g greeter) ShouldActivate(_ context.Context, fc flow.Context) bool {
	return g.priority == flow.PriorityNormal && fc.Text == "hola"
}
func (g greeter) Start(context.Context, flow.Context) flow.Result {
	return flow.Next("esperando", nil)
}
func (g greeter) OnInput(context.Context, flow.Context, flow.Step, flow.Data) flow.Result {
	return flow.Done()
}

type testServer struct {
	router  http.Handler
	reg     *prometheus.Registry
	sender  *outbound.Recorder
	history *audit.GormRecorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	store, err := state.NewSQLStore(state.SQLStoreOpts{DB: gdb})
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	rec, err := audit.NewGormRecorder(audit.GormRecorderOpts{DB: gdb})
	if err != nil {
		t.Fatalf("NewGormRecorder: %v", err)
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sender := outbound.NewRecorder()
	eng, err := engine.New(engine.Opts{Store: store, Sender: sender, Audit: rec, Metrics: m})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	for _, f := range []flow.Flow{greeter{flow.PriorityNormal}, greeter{flow.PriorityUrgent}} {
		if err := eng.RegisterFlow(f); err != nil {
			t.Fatalf("RegisterFlow: %v", err)
		}
	}
	router, err := NewRouter(StartOpts{Engine: eng, History: rec, Metrics: m, Gatherer: reg})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return &testServer{router: router, reg: reg, sender: sender, history: rec}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

const convPath = "/v1/tenants/acme/conversations/549111"

func TestNewRouter_RequiresEngine(t *testing.T) {
	_, err := NewRouter(StartOpts{})
	if err == nil || !strings.Contains(err.Error(), "engine is required") {
		t.Errorf("err = %v, want engine is required", err)
	}
}

func TestStart_RequiresEngine(t *testing.T) {
	if err := Start(context.Background(), StartOpts{}); err == nil {
		t.Fatal("expected error for nil engine")
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestPostMessage(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/messages", `{"phone":"549111","tenant_id":"acme","text":"hola"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	var out engine.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Handled || out.Result == nil || out.Result.NextStep != "esperando" {
		t.Errorf("outcome = %+v", out)
	}

	w = s.do(t, http.MethodPost, "/v1/messages", `{"phone":"549111","tenant_id":"acme","text":"qué tal"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestPostMessage_Validation(t *testing.T) {
	s := newTestServer(t)
	for _, body := range []string{
		`{"tenant_id":"acme","text":"hola"}`,
		`{"phone":"549111","text":"hola"}`,
		`not json`,
	} {
		if w := s.do(t, http.MethodPost, "/v1/messages", body); w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
	}
}

func TestGetState(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(t, http.MethodGet, convPath, ""); w.Code != http.StatusNotFound {
		t.Errorf("absent: status = %d, want 404", w.Code)
	}

	s.do(t, http.MethodPost, "/v1/messages", `{"phone":"549111","tenant_id":"acme","text":"hola"}`)
	w := s.do(t, http.MethodGet, convPath, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var conv models.Conversation
	if err := json.Unmarshal(w.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conv.ActiveFlow != "saludo" || conv.CurrentStep != "esperando" {
		t.Errorf("conversation = %s/%s", conv.ActiveFlow, conv.CurrentStep)
	}
}

func TestStartFlowAndQueue(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(t, http.MethodPost, convPath+"/flows", `{"flow":"nada"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown flow: status = %d, want 404", w.Code)
	}
	if w := s.do(t, http.MethodPost, convPath+"/flows", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing flow: status = %d, want 400", w.Code)
	}

	s.do(t, http.MethodPost, "/v1/messages", `{"phone":"549111","tenant_id":"acme","text":"hola"}`)
	w := s.do(t, http.MethodPost, convPath+"/flows", `{"flow":"recordatorio","data":{"appointment_id":"T-1"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start: status = %d, body = %s", w.Code, w.Body)
	}
	var res flow.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.NextStep != "esperando" {
		t.Errorf("result = %+v", res)
	}

	if w := s.do(t, http.MethodPost, convPath+"/queue", `{"flow":"saludo"}`); w.Code != http.StatusNoContent {
		t.Errorf("queue: status = %d, want 204", w.Code)
	}
	if w := s.do(t, http.MethodPost, convPath+"/queue", `{"flow":"nada"}`); w.Code != http.StatusNotFound {
		t.Errorf("queue unknown: status = %d, want 404", w.Code)
	}

	w = s.do(t, http.MethodGet, convPath, "")
	var conv models.Conversation
	if err := json.Unmarshal(w.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conv.ActiveFlow != "recordatorio" {
		t.Errorf("active = %q, want recordatorio", conv.ActiveFlow)
	}
	if q := conv.Pending(); len(q) != 1 || q[0] != "saludo" {
		t.Errorf("pending = %v, want [saludo]", q)
	}
}

func TestCancelFlow(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/messages", `{"phone":"549111","tenant_id":"acme","text":"hola"}`)

	if w := s.do(t, http.MethodDelete, convPath+"/flow", ""); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if w := s.do(t, http.MethodGet, convPath, ""); w.Code != http.StatusNotFound {
		t.Errorf("after cancel: status = %d, want 404", w.Code)
	}
	// Cancelling again is a no-op.
	if w := s.do(t, http.MethodDelete, convPath+"/flow", ""); w.Code != http.StatusNoContent {
		t.Errorf("second cancel: status = %d, want 204", w.Code)
	}
}

func TestPauseResume(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/messages", `{"phone":"549111","tenant_id":"acme","text":"hola"}`)

	if w := s.do(t, http.MethodPost, convPath+"/pause", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("pause without operator: status = %d, want 400", w.Code)
	}
	if w := s.do(t, http.MethodPost, convPath+"/pause", `{"operator":"operadora-1"}`); w.Code != http.StatusNoContent {
		t.Fatalf("pause: status = %d", w.Code)
	}

	w := s.do(t, http.MethodPost, "/v1/messages", `{"phone":"549111","tenant_id":"acme","text":"sigo"}`)
	var out engine.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Handled || out.Result != nil {
		t.Errorf("paused outcome = %+v", out)
	}
	if texts := s.sender.Texts("549111"); len(texts) != 1 || texts[0] != engine.DefaultPausedNotice {
		t.Errorf("texts = %v", texts)
	}

	if w := s.do(t, http.MethodPost, convPath+"/resume", ""); w.Code != http.StatusNoContent {
		t.Fatalf("resume: status = %d", w.Code)
	}
	w = s.do(t, http.MethodGet, convPath, "")
	var conv models.Conversation
	if err := json.Unmarshal(w.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conv.Paused || conv.CurrentStep != "esperando" {
		t.Errorf("after resume = paused %v step %q", conv.Paused, conv.CurrentStep)
	}
}

func TestGetEvents(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/messages", `{"phone":"549111","tenant_id":"acme","text":"hola"}`)
	s.do(t, http.MethodPost, "/v1/messages", `{"phone":"549111","tenant_id":"acme","text":"listo"}`)

	w := s.do(t, http.MethodGet, convPath+"/events?limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Events []models.FlowEvent `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 1 || body.Events[0].Kind != string(audit.KindEnded) {
		t.Errorf("events = %+v, want the ended event", body.Events)
	}

	if w := s.do(t, http.MethodGet, convPath+"/events?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", w.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/messages", `{"phone":"549111","tenant_id":"acme","text":"hola"}`)
	s.do(t, http.MethodGet, convPath, "")

	want := `
# HELP switchyard_http_requests_total Total number of HTTP requests
# TYPE switchyard_http_requests_total counter
switchyard_http_requests_total{method="GET",route="/v1/tenants/:tenant/conversations/:phone",status="200"} 1
switchyard_http_requests_total{method="POST",route="/v1/messages",status="200"} 1
`
	if err := testutil.GatherAndCompare(s.reg, strings.NewReader(want), "switchyard_http_requests_total"); err != nil {
		t.Error(err)
	}

	w := s.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "switchyard_engine_messages_total") {
		t.Errorf("/metrics status = %d", w.Code)
	}
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	store, _ := state.NewSQLStore(state.SQLStoreOpts{DB: gdb})
	eng, err := engine.New(engine.Opts{Store: store, Sender: outbound.NewRecorder()})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Start(ctx, StartOpts{Engine: eng, Port: 18000 + int(time.Now().UnixNano()%1000)})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
