package admin

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"execution_gateway/internal/core"
	"execution_gateway/internal/mock"
	"execution_gateway/internal/reconciler"
)

type fakeReconciler struct {
	state          *reconciler.State
	cycleResult    *core.CycleResult
	cycleErr       error
	backfillResult *core.BackfillResult
	backfillErr    error

	lookbackHours *int
	recalcAll     bool
	triggered     int
}

func (f *fakeReconciler) State() *reconciler.State { return f.state }

func (f *fakeReconciler) TriggerManual(ctx context.Context) (*core.CycleResult, error) {
	f.triggered++
	return f.cycleResult, f.cycleErr
}

func (f *fakeReconciler) RunFillsBackfillOnce(ctx context.Context, lookbackHours *int, recalcAll bool) (*core.BackfillResult, error) {
	f.lookbackHours = lookbackHours
	f.recalcAll = recalcAll
	return f.backfillResult, f.backfillErr
}

func newTestServer(rec *fakeReconciler) *Server {
	return NewServer(0, rec, mock.NewNopLogger())
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("Bad JSON response: %v", err)
	}
	return body
}

func TestReadyz_GateClosed(t *testing.T) {
	rec := &fakeReconciler{state: reconciler.NewState(300*time.Second, false)}
	srv := newTestServer(rec)

	rr := httptest.NewRecorder()
	srv.handleReadyz(rr, httptest.NewRequest("GET", "/readyz", nil))

	if rr.Code != 503 {
		t.Errorf("Expected 503 before first success, got %d", rr.Code)
	}
	body := decode(t, rr)
	if body["ready"] != false {
		t.Errorf("Expected ready=false: %v", body)
	}
	if _, ok := body["startup_timed_out"]; !ok {
		t.Error("Missing startup_timed_out while not ready")
	}
}

func TestReadyz_GateOpen(t *testing.T) {
	rec := &fakeReconciler{state: reconciler.NewState(300*time.Second, false)}
	rec.state.RecordResult(&core.CycleResult{Status: core.CycleSuccess})
	if err := rec.state.MarkStartupComplete(false, "", ""); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(rec)

	rr := httptest.NewRecorder()
	srv.handleReadyz(rr, httptest.NewRequest("GET", "/readyz", nil))

	if rr.Code != 200 {
		t.Errorf("Expected 200 after completion, got %d", rr.Code)
	}
	if body := decode(t, rr); body["ready"] != true {
		t.Errorf("Expected ready=true: %v", body)
	}
}

func TestBypass_RequiresAuditFields(t *testing.T) {
	rec := &fakeReconciler{state: reconciler.NewState(300*time.Second, false)}
	rec.state.RecordResult(&core.CycleResult{Status: core.CycleFailed})
	srv := newTestServer(rec)

	rr := httptest.NewRecorder()
	srv.handleBypass(rr, httptest.NewRequest("POST", "/bypass",
		strings.NewReader(`{"user_id": "op", "reason": ""}`)))

	if rr.Code != 400 {
		t.Errorf("Expected 400 without reason, got %d", rr.Code)
	}
	if rec.state.IsStartupComplete() {
		t.Error("Gate opened on rejected bypass")
	}
}

func TestBypass_Records(t *testing.T) {
	rec := &fakeReconciler{state: reconciler.NewState(300*time.Second, false)}
	rec.state.RecordResult(&core.CycleResult{Status: core.CycleFailed})
	srv := newTestServer(rec)

	rr := httptest.NewRecorder()
	srv.handleBypass(rr, httptest.NewRequest("POST", "/bypass",
		strings.NewReader(`{"user_id": "op", "reason": "broker outage, accepting risk"}`)))

	if rr.Code != 200 {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !rec.state.IsStartupComplete() {
		t.Error("Gate not opened")
	}
	oc := rec.state.OverrideContext()
	if oc == nil || oc.UserID != "op" {
		t.Errorf("Override not recorded: %+v", oc)
	}

	body := decode(t, rr)
	if body["ready"] != true || body["override"] == nil {
		t.Errorf("Response missing override: %v", body)
	}
}

func TestBypass_MethodAndBody(t *testing.T) {
	rec := &fakeReconciler{state: reconciler.NewState(300*time.Second, false)}
	srv := newTestServer(rec)

	rr := httptest.NewRecorder()
	srv.handleBypass(rr, httptest.NewRequest("GET", "/bypass", nil))
	if rr.Code != 405 {
		t.Errorf("Expected 405 for GET, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.handleBypass(rr, httptest.NewRequest("POST", "/bypass", strings.NewReader("{not json")))
	if rr.Code != 400 {
		t.Errorf("Expected 400 for bad JSON, got %d", rr.Code)
	}
}

func TestReconcile_ReturnsResult(t *testing.T) {
	rec := &fakeReconciler{
		state:       reconciler.NewState(300*time.Second, false),
		cycleResult: &core.CycleResult{Status: core.CycleSuccess, Source: "manual", OrdersSynced: 3},
	}
	srv := newTestServer(rec)

	rr := httptest.NewRecorder()
	srv.handleReconcile(rr, httptest.NewRequest("POST", "/reconcile", nil))

	if rr.Code != 200 || rec.triggered != 1 {
		t.Fatalf("Expected one trigger and 200, got %d/%d", rec.triggered, rr.Code)
	}
	body := decode(t, rr)
	if body["status"] != "success" || body["orders_synced"] != float64(3) {
		t.Errorf("Wrong result body: %v", body)
	}
}

func TestBackfill_EmptyBodyAllowed(t *testing.T) {
	rec := &fakeReconciler{
		state:          reconciler.NewState(300*time.Second, false),
		backfillResult: &core.BackfillResult{Status: core.BackfillOK},
	}
	srv := newTestServer(rec)

	rr := httptest.NewRecorder()
	srv.handleBackfill(rr, httptest.NewRequest("POST", "/backfill", nil))

	if rr.Code != 200 {
		t.Fatalf("Empty body rejected: %d %s", rr.Code, rr.Body.String())
	}
	if rec.lookbackHours != nil || rec.recalcAll {
		t.Errorf("Defaults not applied: %v %v", rec.lookbackHours, rec.recalcAll)
	}
}

func TestBackfill_ForwardsParams(t *testing.T) {
	rec := &fakeReconciler{
		state:          reconciler.NewState(300*time.Second, false),
		backfillResult: &core.BackfillResult{Status: core.BackfillOK},
	}
	srv := newTestServer(rec)

	rr := httptest.NewRecorder()
	srv.handleBackfill(rr, httptest.NewRequest("POST", "/backfill",
		strings.NewReader(`{"lookback_hours": 48, "recalc_all": true}`)))

	if rr.Code != 200 {
		t.Fatal(rr.Body.String())
	}
	if rec.lookbackHours == nil || *rec.lookbackHours != 48 || !rec.recalcAll {
		t.Errorf("Params not forwarded: %v %v", rec.lookbackHours, rec.recalcAll)
	}
}
