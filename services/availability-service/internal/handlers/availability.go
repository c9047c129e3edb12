// Package handlers exposes the availability engine over HTTP for the voice
// agent and CRM backends.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/avdeluca/agentcal/libs/auth"
	"github.com/avdeluca/agentcal/libs/httpx"
	"github.com/avdeluca/agentcal/services/availability-service/internal/engine"
	"github.com/avdeluca/agentcal/services/availability-service/internal/resilience"
	"github.com/avdeluca/agentcal/services/availability-service/internal/storage"
	"github.com/avdeluca/agentcal/services/availability-service/internal/wallclock"
)

// Engine is the orchestrator surface the handlers call.
type Engine interface {
	CheckForConflicts(ctx context.Context, req engine.CheckRequest) (engine.CheckResult, error)
	FindAvailableSlots(ctx context.Context, req engine.SlotsRequest) (engine.SlotsResult, error)
	BookAppointment(ctx context.Context, req engine.BookRequest) (engine.BookResult, error)
	RescheduleAppointment(ctx context.Context, req engine.RescheduleRequest) (engine.BookResult, error)
	CancelAppointment(ctx context.Context, req engine.CancelRequest) (engine.CancelResult, error)
}

type Handler struct {
	engine Engine
	log    *slog.Logger
}

func New(engine Engine, log *slog.Logger) *Handler {
	return &Handler{engine: engine, log: log}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/availability/check", h.check)
	mux.HandleFunc("POST /api/v1/availability/slots", h.slots)
	mux.HandleFunc("POST /api/v1/appointments", h.book)
	mux.HandleFunc("POST /api/v1/appointments/reschedule", h.reschedule)
	mux.HandleFunc("POST /api/v1/appointments/cancel", h.cancel)
}

// identity fills agent/client from the verified token when the body omits
// them, and rejects mismatches so one agent cannot act as another.
func identity(r *http.Request, agentID, clientID string) (string, string, error) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		if agentID == "" || clientID == "" {
			return "", "", errors.New("agent_id and client_id are required")
		}
		return agentID, clientID, nil
	}
	if agentID == "" {
		agentID = claims.AgentID
	} else if claims.AgentID != "" && claims.AgentID != agentID {
		return "", "", errors.New("agent_id does not match token")
	}
	if clientID == "" {
		clientID = claims.ClientID
	} else if claims.ClientID != "" && claims.ClientID != clientID {
		return "", "", errors.New("client_id does not match token")
	}
	if agentID == "" || clientID == "" {
		return "", "", errors.New("agent_id and client_id are required")
	}
	return agentID, clientID, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type checkBody struct {
	AgentID         string `json:"agent_id"`
	ClientID        string `json:"client_id"`
	Start           string `json:"start"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var body checkBody
	if err := decode(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agentID, clientID, err := identity(r, body.AgentID, body.ClientID)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Start == "" {
		httpx.WriteError(w, http.StatusBadRequest, "start is required")
		return
	}

	res, err := h.engine.CheckForConflicts(r.Context(), engine.CheckRequest{
		AgentID:         agentID,
		ClientID:        clientID,
		Start:           body.Start,
		DurationMinutes: body.DurationMinutes,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type slotsBody struct {
	AgentID         string `json:"agent_id"`
	ClientID        string `json:"client_id"`
	Date            string `json:"date"`
	DurationMinutes int    `json:"duration_minutes"`
	Limit           int    `json:"limit"`
}

func (h *Handler) slots(w http.ResponseWriter, r *http.Request) {
	var body slotsBody
	if err := decode(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agentID, clientID, err := identity(r, body.AgentID, body.ClientID)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Date == "" {
		httpx.WriteError(w, http.StatusBadRequest, "date is required")
		return
	}

	res, err := h.engine.FindAvailableSlots(r.Context(), engine.SlotsRequest{
		AgentID:         agentID,
		ClientID:        clientID,
		Date:            body.Date,
		DurationMinutes: body.DurationMinutes,
		Limit:           body.Limit,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type bookBody struct {
	AgentID         string `json:"agent_id"`
	ClientID        string `json:"client_id"`
	Start           string `json:"start"`
	DurationMinutes int    `json:"duration_minutes"`
	Subject         string `json:"subject"`
	Notes           string `json:"notes"`
	AttendeeName    string `json:"attendee_name"`
	AttendeeEmail   string `json:"attendee_email"`
	Location        string `json:"location"`
}

func (h *Handler) book(w http.ResponseWriter, r *http.Request) {
	var body bookBody
	if err := decode(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agentID, clientID, err := identity(r, body.AgentID, body.ClientID)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Start == "" {
		httpx.WriteError(w, http.StatusBadRequest, "start is required")
		return
	}

	res, err := h.engine.BookAppointment(r.Context(), engine.BookRequest{
		AgentID:         agentID,
		ClientID:        clientID,
		Start:           body.Start,
		DurationMinutes: body.DurationMinutes,
		Subject:         body.Subject,
		Notes:           body.Notes,
		AttendeeName:    body.AttendeeName,
		AttendeeEmail:   body.AttendeeEmail,
		Location:        body.Location,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !res.Booked {
		status = http.StatusConflict
	}
	httpx.WriteJSON(w, status, res)
}

type rescheduleBody struct {
	AgentID         string `json:"agent_id"`
	ClientID        string `json:"client_id"`
	EventID         string `json:"event_id"`
	NewStart        string `json:"new_start"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (h *Handler) reschedule(w http.ResponseWriter, r *http.Request) {
	var body rescheduleBody
	if err := decode(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agentID, clientID, err := identity(r, body.AgentID, body.ClientID)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.EventID == "" || body.NewStart == "" {
		httpx.WriteError(w, http.StatusBadRequest, "event_id and new_start are required")
		return
	}

	res, err := h.engine.RescheduleAppointment(r.Context(), engine.RescheduleRequest{
		AgentID:         agentID,
		ClientID:        clientID,
		EventID:         body.EventID,
		NewStart:        body.NewStart,
		DurationMinutes: body.DurationMinutes,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Booked {
		status = http.StatusConflict
	}
	httpx.WriteJSON(w, status, res)
}

type cancelBody struct {
	AgentID  string `json:"agent_id"`
	ClientID string `json:"client_id"`
	EventID  string `json:"event_id"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := decode(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agentID, clientID, err := identity(r, body.AgentID, body.ClientID)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.EventID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "event_id is required")
		return
	}

	res, err := h.engine.CancelAppointment(r.Context(), engine.CancelRequest{
		AgentID:  agentID,
		ClientID: clientID,
		EventID:  body.EventID,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// writeEngineError maps engine failures onto HTTP. Upstream trouble is a bad
// gateway with the classifier's user message; local lookup misses are 404s;
// malformed datetimes are the caller's fault.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrConnectionNotFound),
		errors.Is(err, storage.ErrOfficeHoursNotFound):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, context.Canceled):
		return // client went away
	}

	var cerr *resilience.ClassifiedError
	if errors.As(err, &cerr) {
		h.log.Error("upstream calendar error",
			"path", r.URL.Path, "kind", cerr.Class.Kind, "error", err)
		switch cerr.Class.Kind {
		case resilience.KindNotFound:
			httpx.WriteError(w, http.StatusNotFound, cerr.Class.UserMessage)
		case resilience.KindTimeout:
			httpx.WriteError(w, http.StatusGatewayTimeout, cerr.Class.UserMessage)
		default:
			httpx.WriteError(w, http.StatusBadGateway, cerr.Class.UserMessage)
		}
		return
	}

	if errors.Is(err, wallclock.ErrInvalidLiteral) || errors.Is(err, wallclock.ErrUnknownTimezone) {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.log.Error("request failed", "path", r.URL.Path, "error", err)
	httpx.WriteError(w, http.StatusInternalServerError, "internal error")
}
