package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/avdeluca/agentcal/libs/auth"
	"github.com/avdeluca/agentcal/services/availability-service/internal/engine"
	"github.com/avdeluca/agentcal/services/availability-service/internal/model"
	"github.com/avdeluca/agentcal/services/availability-service/internal/resilience"
	"github.com/avdeluca/agentcal/services/availability-service/internal/storage"
)

type fakeEngine struct {
	lastCheck engine.CheckRequest
	lastBook  engine.BookRequest

	checkResult  engine.CheckResult
	bookResult   engine.BookResult
	slotsResult  engine.SlotsResult
	cancelResult engine.CancelResult
	err          error
}

func (f *fakeEngine) CheckForConflicts(ctx context.Context, req engine.CheckRequest) (engine.CheckResult, error) {
	f.lastCheck = req
	return f.checkResult, f.err
}

func (f *fakeEngine) FindAvailableSlots(ctx context.Context, req engine.SlotsRequest) (engine.SlotsResult, error) {
	return f.slotsResult, f.err
}

func (f *fakeEngine) BookAppointment(ctx context.Context, req engine.BookRequest) (engine.BookResult, error) {
	f.lastBook = req
	return f.bookResult, f.err
}

func (f *fakeEngine) RescheduleAppointment(ctx context.Context, req engine.RescheduleRequest) (engine.BookResult, error) {
	return f.bookResult, f.err
}

func (f *fakeEngine) CancelAppointment(ctx context.Context, req engine.CancelRequest) (engine.CancelResult, error) {
	return f.cancelResult, f.err
}

func newTestServer(fe *fakeEngine) *httptest.Server {
	h := New(fe, slog.New(slog.DiscardHandler))
	mux := http.NewServeMux()
	h.Register(mux)
	return httptest.NewServer(mux)
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestCheckEndpoint(t *testing.T) {
	fe := &fakeEngine{checkResult: engine.CheckResult{Available: true, Timezone: "Australia/Melbourne"}}
	srv := newTestServer(fe)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/availability/check", map[string]any{
		"agent_id": "agent-1", "client_id": "client-1",
		"start": "2025-10-20T14:00", "duration_minutes": 60,
	}, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out engine.CheckResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !out.Available {
		t.Fatalf("unexpected body: %+v", out)
	}
	if fe.lastCheck.AgentID != "agent-1" || fe.lastCheck.Start != "2025-10-20T14:00" {
		t.Fatalf("request not forwarded: %+v", fe.lastCheck)
	}
}

func TestCheckRequiresStart(t *testing.T) {
	srv := newTestServer(&fakeEngine{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/availability/check", map[string]any{
		"agent_id": "agent-1", "client_id": "client-1",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestIdentityFromToken(t *testing.T) {
	const secret = "test-secret"
	fe := &fakeEngine{checkResult: engine.CheckResult{Available: true}}
	h := New(fe, slog.New(slog.DiscardHandler))
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(auth.Middleware(secret)(mux))
	defer srv.Close()

	token, err := auth.SignHS256(auth.Claims{
		Sub: "agent-7", AgentID: "agent-7", ClientID: "client-3",
		Exp: time.Now().Add(time.Hour).Unix(),
	}, secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	resp := postJSON(t, srv.URL+"/api/v1/availability/check", map[string]any{
		"start": "2025-10-20T14:00",
	}, map[string]string{"Authorization": "Bearer " + token})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if fe.lastCheck.AgentID != "agent-7" || fe.lastCheck.ClientID != "client-3" {
		t.Fatalf("identity not taken from token: %+v", fe.lastCheck)
	}
}

func TestIdentityMismatchRejected(t *testing.T) {
	const secret = "test-secret"
	fe := &fakeEngine{}
	h := New(fe, slog.New(slog.DiscardHandler))
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(auth.Middleware(secret)(mux))
	defer srv.Close()

	token, _ := auth.SignHS256(auth.Claims{
		AgentID: "agent-7", ClientID: "client-3",
		Exp: time.Now().Add(time.Hour).Unix(),
	}, secret)

	resp := postJSON(t, srv.URL+"/api/v1/availability/check", map[string]any{
		"agent_id": "someone-else", "start": "2025-10-20T14:00",
	}, map[string]string{"Authorization": "Bearer " + token})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestBookConflictReturns409(t *testing.T) {
	fe := &fakeEngine{bookResult: engine.BookResult{
		Booked:   false,
		Conflict: &model.ConflictResult{HasConflict: true},
	}}
	srv := newTestServer(fe)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/appointments", map[string]any{
		"agent_id": "agent-1", "client_id": "client-1", "start": "2025-10-20T14:00",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestBookSuccessReturns201(t *testing.T) {
	fe := &fakeEngine{bookResult: engine.BookResult{Booked: true, EventID: "evt-1"}}
	srv := newTestServer(fe)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/appointments", map[string]any{
		"agent_id": "agent-1", "client_id": "client-1", "start": "2025-10-20T14:00",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
}

func TestUnknownConnectionIs404(t *testing.T) {
	fe := &fakeEngine{err: storage.ErrConnectionNotFound}
	srv := newTestServer(fe)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/availability/check", map[string]any{
		"agent_id": "agent-x", "client_id": "client-x", "start": "2025-10-20T14:00",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestUpstreamFailureIs502WithUserMessage(t *testing.T) {
	fe := &fakeEngine{err: &resilience.ClassifiedError{
		Err:   &resilience.StatusError{Op: "list", Status: 401},
		Class: resilience.Classify(&resilience.StatusError{Status: 401}),
	}}
	srv := newTestServer(fe)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/availability/check", map[string]any{
		"agent_id": "agent-1", "client_id": "client-1", "start": "2025-10-20T14:00",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] == "" {
		t.Fatal("expected a user-facing error message")
	}
}

func TestCancelEndpoint(t *testing.T) {
	fe := &fakeEngine{cancelResult: engine.CancelResult{Cancelled: true}}
	srv := newTestServer(fe)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/appointments/cancel", map[string]any{
		"agent_id": "agent-1", "client_id": "client-1", "event_id": "evt-1",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
