// Package engine orchestrates availability checks and bookings: storage for
// connection config, cached busy periods from the upstream calendar, interval
// math from the availability package, and outbox events for downstream
// services. It is the only layer allowed to degrade gracefully; everything
// below it reports errors honestly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	otelx "github.com/avdeluca/agentcal/libs/otel"
	"github.com/avdeluca/agentcal/services/availability-service/internal/availability"
	"github.com/avdeluca/agentcal/services/availability-service/internal/busycache"
	"github.com/avdeluca/agentcal/services/availability-service/internal/model"
	"github.com/avdeluca/agentcal/services/availability-service/internal/outbox"
	"github.com/avdeluca/agentcal/services/availability-service/internal/resilience"
	"github.com/avdeluca/agentcal/services/availability-service/internal/upstream"
	"github.com/avdeluca/agentcal/services/availability-service/internal/wallclock"
)

const (
	defaultDurationMinutes = 60
	maxAlternatives        = 3

	limiterInitial = 30 // requests per minute per connection
	limiterMin     = 5
	limiterMax     = 120

	breakerFailures = 5
	breakerReset    = 30 * time.Second
)

// Store is the storage surface the engine needs.
type Store interface {
	GetConnectionByAgent(ctx context.Context, agentID, clientID string) (model.Connection, error)
	GetOfficeHours(ctx context.Context, connectionID string) (model.OfficeHours, error)
}

// OutboxWriter queues domain events; nil exec writes outside a transaction.
type OutboxWriter interface {
	Insert(ctx context.Context, exec outbox.Execer, topic, key string, payload any, headers map[string]string) error
}

type Engine struct {
	store    Store
	calendar upstream.CalendarAPI
	cache    busycache.Cache
	events   OutboxWriter
	log      *slog.Logger
	now      func() time.Time

	readPolicy  resilience.Policy
	writePolicy resilience.Policy

	mu       sync.Mutex
	limiters map[string]*resilience.AdaptiveLimiter
	breakers map[string]*resilience.Breaker
}

func New(store Store, calendar upstream.CalendarAPI, cache busycache.Cache, events OutboxWriter, log *slog.Logger) *Engine {
	return &Engine{
		store:       store,
		calendar:    calendar,
		cache:       cache,
		events:      events,
		log:         log,
		now:         time.Now,
		readPolicy:  resilience.ReadPolicy,
		writePolicy: resilience.WritePolicy,
		limiters:    make(map[string]*resilience.AdaptiveLimiter),
		breakers:    make(map[string]*resilience.Breaker),
	}
}

// limiterFor and breakerFor share one limiter and breaker per upstream
// connection across requests.
func (e *Engine) limiterFor(connectionID string) *resilience.AdaptiveLimiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[connectionID]
	if !ok {
		l = resilience.NewAdaptiveLimiter(limiterInitial, limiterMin, limiterMax, time.Minute)
		e.limiters[connectionID] = l
	}
	return l
}

func (e *Engine) breakerFor(connectionID string) *resilience.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[connectionID]
	if !ok {
		b = resilience.NewBreaker("upstream:"+connectionID, breakerFailures, breakerReset)
		e.breakers[connectionID] = b
	}
	return b
}

// CheckRequest asks whether one wall-clock interval is bookable.
type CheckRequest struct {
	AgentID         string
	ClientID        string
	Start           string // wall-clock literal in the connection's zone
	DurationMinutes int
}

// CheckResult is the orchestrator's verdict. Degraded means the upstream
// calendar could not be consulted: Available is false and the caller decides
// whether to proceed.
type CheckResult struct {
	Available    bool                  `json:"available"`
	Conflict     *model.ConflictResult `json:"conflict,omitempty"`
	Alternatives []model.AvailableSlot `json:"alternatives,omitempty"`
	Degraded     bool                  `json:"degraded"`
	Message      string                `json:"message,omitempty"`
	Timezone     string                `json:"timezone,omitempty"`
	StartLabel   string                `json:"start_label,omitempty"`
}

func (e *Engine) CheckForConflicts(ctx context.Context, req CheckRequest) (CheckResult, error) {
	conn, hours, err := e.loadConnection(ctx, req.AgentID, req.ClientID)
	if err != nil {
		return CheckResult{}, err
	}

	duration := req.DurationMinutes
	if duration <= 0 {
		duration = defaultDurationMinutes
	}
	start, err := wallclock.Resolve(req.Start, conn.Timezone)
	if err != nil {
		return CheckResult{}, err
	}
	end := start.Add(time.Duration(duration) * time.Minute)

	if start.Before(e.now().Add(availability.MinLeadTime)) {
		return CheckResult{
			Available: false,
			Conflict:  &model.ConflictResult{HasConflict: true, Reason: model.ReasonTooSoon},
			Message:   "That time is too soon to book.",
			Timezone:  conn.Timezone,
		}, nil
	}

	busy, err := e.fetchBusyForDay(ctx, conn, start)
	if err != nil {
		if degradable(err) {
			e.log.Warn("availability check degraded",
				"connection_id", conn.ID, "error", err)
			return CheckResult{
				Degraded: true,
				Message:  resilience.Classify(err).UserMessage,
				Timezone: conn.Timezone,
			}, nil
		}
		return CheckResult{}, err
	}

	conflict, err := availability.DetectConflicts(start, end, busy, hours, conn.Timezone)
	if err != nil {
		return CheckResult{}, err
	}

	result := CheckResult{
		Available:  !conflict.HasConflict,
		Timezone:   conn.Timezone,
		StartLabel: wallclock.FormatHuman(start, conn.Timezone),
	}
	if conflict.HasConflict {
		result.Conflict = &conflict
		alts, err := availability.RankAlternatives(start, end, busy, hours, conn.Timezone, duration, maxAlternatives, e.now())
		if err != nil {
			return CheckResult{}, err
		}
		result.Alternatives = alts
	}
	return result, nil
}

// SlotsRequest lists open slots on one zone-local date.
type SlotsRequest struct {
	AgentID         string
	ClientID        string
	Date            string // YYYY-MM-DD in the connection's zone
	DurationMinutes int
	Limit           int
}

type SlotsResult struct {
	Slots    []model.AvailableSlot `json:"slots"`
	Degraded bool                  `json:"degraded"`
	Message  string                `json:"message,omitempty"`
	Timezone string                `json:"timezone,omitempty"`
}

func (e *Engine) FindAvailableSlots(ctx context.Context, req SlotsRequest) (SlotsResult, error) {
	conn, hours, err := e.loadConnection(ctx, req.AgentID, req.ClientID)
	if err != nil {
		return SlotsResult{}, err
	}

	duration := req.DurationMinutes
	if duration <= 0 {
		duration = defaultDurationMinutes
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	dayStart, err := wallclock.Resolve(req.Date+"T00:00", conn.Timezone)
	if err != nil {
		return SlotsResult{}, fmt.Errorf("invalid date %q: %w", req.Date, err)
	}
	dayEnd := nextLocalDay(dayStart, conn.Timezone)

	busy, err := e.fetchBusy(ctx, conn, dayStart, dayEnd, req.Date)
	if err != nil {
		if degradable(err) {
			e.log.Warn("slot listing degraded", "connection_id", conn.ID, "error", err)
			return SlotsResult{
				Degraded: true,
				Message:  resilience.Classify(err).UserMessage,
				Timezone: conn.Timezone,
			}, nil
		}
		return SlotsResult{}, err
	}

	candidates, err := availability.GenerateSlots(dayStart, dayEnd, hours, conn.Timezone, duration, availability.DefaultStepMinutes, e.now())
	if err != nil {
		return SlotsResult{}, err
	}

	slots := make([]model.AvailableSlot, 0, limit)
	for _, c := range candidates {
		if len(slots) == limit {
			break
		}
		if availabilityOverlaps(c, busy) {
			continue
		}
		slots = append(slots, model.AvailableSlot{
			Start:      c.Start,
			End:        c.End,
			Confidence: 1,
			StartLabel: wallclock.FormatHuman(c.Start, conn.Timezone),
			EndLabel:   wallclock.FormatHuman(c.End, conn.Timezone),
		})
	}
	return SlotsResult{Slots: slots, Timezone: conn.Timezone}, nil
}

func availabilityOverlaps(c model.CandidateSlot, busy []model.BusyPeriod) bool {
	for _, b := range busy {
		if availability.Overlaps(c.Start, c.End, b.Start, b.End) {
			return true
		}
	}
	return false
}

// BookRequest creates an appointment after a fresh conflict check.
type BookRequest struct {
	AgentID         string
	ClientID        string
	Start           string
	DurationMinutes int
	Subject         string
	Notes           string
	AttendeeName    string
	AttendeeEmail   string
	Location        string
}

type BookResult struct {
	EventID      string                `json:"event_id,omitempty"`
	Booked       bool                  `json:"booked"`
	Conflict     *model.ConflictResult `json:"conflict,omitempty"`
	Alternatives []model.AvailableSlot `json:"alternatives,omitempty"`
	StartLabel   string                `json:"start_label,omitempty"`
	Timezone     string                `json:"timezone,omitempty"`
	Message      string                `json:"message,omitempty"`
}

// appointmentEvent is the outbox payload for every appointment mutation.
type appointmentEvent struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id"`
	ConnectionID string    `json:"connection_id"`
	AgentID      string    `json:"agent_id"`
	ClientID     string    `json:"client_id"`
	Provider     string    `json:"provider"`
	Start        time.Time `json:"start,omitempty"`
	End          time.Time `json:"end,omitempty"`
	Timezone     string    `json:"timezone"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// BookAppointment refuses to book blind: a degraded busy fetch fails the
// booking instead of risking a double-book.
func (e *Engine) BookAppointment(ctx context.Context, req BookRequest) (BookResult, error) {
	conn, hours, err := e.loadConnection(ctx, req.AgentID, req.ClientID)
	if err != nil {
		return BookResult{}, err
	}

	duration := req.DurationMinutes
	if duration <= 0 {
		duration = defaultDurationMinutes
	}
	start, err := wallclock.Resolve(req.Start, conn.Timezone)
	if err != nil {
		return BookResult{}, err
	}
	end := start.Add(time.Duration(duration) * time.Minute)

	if start.Before(e.now().Add(availability.MinLeadTime)) {
		return BookResult{
			Booked:   false,
			Conflict: &model.ConflictResult{HasConflict: true, Reason: model.ReasonTooSoon},
			Message:  "That time is too soon to book.",
			Timezone: conn.Timezone,
		}, nil
	}

	busy, err := e.fetchBusyForDay(ctx, conn, start)
	if err != nil {
		return BookResult{}, err
	}
	conflict, err := availability.DetectConflicts(start, end, busy, hours, conn.Timezone)
	if err != nil {
		return BookResult{}, err
	}
	if conflict.HasConflict {
		alts, err := availability.RankAlternatives(start, end, busy, hours, conn.Timezone, duration, maxAlternatives, e.now())
		if err != nil {
			return BookResult{}, err
		}
		return BookResult{
			Booked:       false,
			Conflict:     &conflict,
			Alternatives: alts,
			Timezone:     conn.Timezone,
			Message:      "That time is not available.",
		}, nil
	}

	ev := upstream.Event{
		Subject:       req.Subject,
		Description:   req.Notes,
		Start:         start,
		End:           end,
		AttendeeName:  req.AttendeeName,
		AttendeeEmail: req.AttendeeEmail,
		Timezone:      conn.Timezone,
		Location:      req.Location,
	}
	eventID, err := e.executeWrite(ctx, conn, func(ctx context.Context) (string, error) {
		return e.calendar.CreateEvent(ctx, conn, ev)
	})
	if err != nil {
		return BookResult{}, err
	}

	date := wallclock.DateIn(start, conn.Timezone)
	if err := e.cache.Invalidate(ctx, conn.ID, date); err != nil {
		e.log.Warn("cache invalidation failed after booking",
			"connection_id", conn.ID, "date", date, "error", err)
	}
	e.emit(ctx, outbox.TopicAppointmentBooked, conn, eventID, start, end)

	return BookResult{
		EventID:    eventID,
		Booked:     true,
		StartLabel: wallclock.FormatHuman(start, conn.Timezone),
		Timezone:   conn.Timezone,
	}, nil
}

// RescheduleRequest moves an existing appointment.
type RescheduleRequest struct {
	AgentID         string
	ClientID        string
	EventID         string
	NewStart        string
	DurationMinutes int
}

func (e *Engine) RescheduleAppointment(ctx context.Context, req RescheduleRequest) (BookResult, error) {
	conn, hours, err := e.loadConnection(ctx, req.AgentID, req.ClientID)
	if err != nil {
		return BookResult{}, err
	}

	duration := req.DurationMinutes
	if duration <= 0 {
		duration = defaultDurationMinutes
	}
	start, err := wallclock.Resolve(req.NewStart, conn.Timezone)
	if err != nil {
		return BookResult{}, err
	}
	end := start.Add(time.Duration(duration) * time.Minute)

	busy, err := e.fetchBusyForDay(ctx, conn, start)
	if err != nil {
		return BookResult{}, err
	}
	// The event being moved may occupy the target window; it is not a
	// conflict with itself.
	filtered := busy[:0:0]
	for _, b := range busy {
		if b.ID == req.EventID {
			continue
		}
		filtered = append(filtered, b)
	}
	conflict, err := availability.DetectConflicts(start, end, filtered, hours, conn.Timezone)
	if err != nil {
		return BookResult{}, err
	}
	if conflict.HasConflict {
		alts, err := availability.RankAlternatives(start, end, filtered, hours, conn.Timezone, duration, maxAlternatives, e.now())
		if err != nil {
			return BookResult{}, err
		}
		return BookResult{
			Booked:       false,
			Conflict:     &conflict,
			Alternatives: alts,
			Timezone:     conn.Timezone,
			Message:      "That time is not available.",
		}, nil
	}

	ev := upstream.Event{Start: start, End: end, Timezone: conn.Timezone}
	_, err = e.executeWrite(ctx, conn, func(ctx context.Context) (string, error) {
		return "", e.calendar.UpdateEvent(ctx, conn, req.EventID, ev)
	})
	if err != nil {
		return BookResult{}, err
	}

	// The old date is unknown here, so drop every cached day for the
	// connection.
	if err := e.cache.Invalidate(ctx, conn.ID); err != nil {
		e.log.Warn("cache invalidation failed after reschedule",
			"connection_id", conn.ID, "error", err)
	}
	e.emit(ctx, outbox.TopicAppointmentRescheduled, conn, req.EventID, start, end)

	return BookResult{
		EventID:    req.EventID,
		Booked:     true,
		StartLabel: wallclock.FormatHuman(start, conn.Timezone),
		Timezone:   conn.Timezone,
	}, nil
}

// CancelRequest removes an appointment.
type CancelRequest struct {
	AgentID  string
	ClientID string
	EventID  string
}

type CancelResult struct {
	Cancelled bool   `json:"cancelled"`
	Timezone  string `json:"timezone,omitempty"`
}

func (e *Engine) CancelAppointment(ctx context.Context, req CancelRequest) (CancelResult, error) {
	conn, _, err := e.loadConnection(ctx, req.AgentID, req.ClientID)
	if err != nil {
		return CancelResult{}, err
	}

	_, err = e.executeWrite(ctx, conn, func(ctx context.Context) (string, error) {
		return "", e.calendar.DeleteEvent(ctx, conn, req.EventID)
	})
	if err != nil {
		return CancelResult{}, err
	}

	if err := e.cache.Invalidate(ctx, conn.ID); err != nil {
		e.log.Warn("cache invalidation failed after cancel",
			"connection_id", conn.ID, "error", err)
	}
	e.emit(ctx, outbox.TopicAppointmentCancelled, conn, req.EventID, time.Time{}, time.Time{})

	return CancelResult{Cancelled: true, Timezone: conn.Timezone}, nil
}

// InvalidateConnection drops cached busy periods, used by the change-event
// consumer when the provider reports external edits.
func (e *Engine) InvalidateConnection(ctx context.Context, connectionID string, dates ...string) error {
	return e.cache.Invalidate(ctx, connectionID, dates...)
}

func (e *Engine) loadConnection(ctx context.Context, agentID, clientID string) (model.Connection, model.OfficeHours, error) {
	conn, err := e.store.GetConnectionByAgent(ctx, agentID, clientID)
	if err != nil {
		return model.Connection{}, nil, err
	}
	hours, err := e.store.GetOfficeHours(ctx, conn.ID)
	if err != nil {
		return model.Connection{}, nil, err
	}
	return conn, hours, nil
}

func (e *Engine) fetchBusyForDay(ctx context.Context, conn model.Connection, at time.Time) ([]model.BusyPeriod, error) {
	date := wallclock.DateIn(at, conn.Timezone)
	dayStart, err := wallclock.Resolve(date+"T00:00", conn.Timezone)
	if err != nil {
		return nil, err
	}
	return e.fetchBusy(ctx, conn, dayStart, nextLocalDay(dayStart, conn.Timezone), date)
}

// fetchBusy serves busy periods from the cache, falling back to the guarded
// upstream call. Limiter, breaker, and retry all key on the connection.
func (e *Engine) fetchBusy(ctx context.Context, conn model.Connection, start, end time.Time, date string) ([]model.BusyPeriod, error) {
	key := busycache.Key(conn.ID, date)
	periods, hit, err := e.cache.GetOrCompute(ctx, key, busycache.DefaultTTL, func(ctx context.Context) ([]model.BusyPeriod, error) {
		return e.executeRead(ctx, conn, func(ctx context.Context) ([]model.BusyPeriod, error) {
			return e.calendar.ListBusy(ctx, conn, start, end)
		})
	})
	if err != nil {
		return nil, err
	}
	if hit {
		e.log.Debug("busy cache hit", "connection_id", conn.ID, "date", date)
	}
	return periods, nil
}

func (e *Engine) executeRead(ctx context.Context, conn model.Connection, op func(context.Context) ([]model.BusyPeriod, error)) ([]model.BusyPeriod, error) {
	return execute(ctx, e, conn, e.readPolicy, op)
}

func (e *Engine) executeWrite(ctx context.Context, conn model.Connection, op func(context.Context) (string, error)) (string, error) {
	return execute(ctx, e, conn, e.writePolicy, op)
}

// execute layers the connection's limiter, breaker, and the retry policy
// around one upstream call, feeding every outcome back to the limiter.
func execute[T any](ctx context.Context, e *Engine, conn model.Connection, policy resilience.Policy, op func(context.Context) (T, error)) (T, error) {
	limiter := e.limiterFor(conn.ID)
	breaker := e.breakerFor(conn.ID)

	return resilience.Execute(ctx, policy, func(ctx context.Context) (T, error) {
		var zero T
		if err := limiter.WaitForSlot(ctx); err != nil {
			return zero, err
		}
		v, err := resilience.Do(breaker, func() (T, error) {
			return op(ctx)
		})
		recordOutcome(limiter, err)
		return v, err
	})
}

func recordOutcome(limiter *resilience.AdaptiveLimiter, err error) {
	if err == nil {
		limiter.RecordResponse(200, 0)
		return
	}
	var se *resilience.StatusError
	if errors.As(err, &se) {
		limiter.RecordResponse(se.Status, se.RetryAfter)
	}
}

func (e *Engine) emit(ctx context.Context, topic string, conn model.Connection, eventID string, start, end time.Time) {
	payload := appointmentEvent{
		ID:           uuid.NewString(),
		EventID:      eventID,
		ConnectionID: conn.ID,
		AgentID:      conn.AgentID,
		ClientID:     conn.ClientID,
		Provider:     conn.Provider,
		Start:        start,
		End:          end,
		Timezone:     conn.Timezone,
		OccurredAt:   e.now().UTC(),
	}
	// Carry the request's trace context on the stored event so the
	// publisher links the Kafka message back to this request.
	var headers map[string]string
	if tp, ts := otelx.TraceContextStrings(ctx); tp != "" {
		headers = map[string]string{"traceparent": tp}
		if ts != "" {
			headers["tracestate"] = ts
		}
	}
	if err := e.events.Insert(ctx, nil, topic, conn.ID, payload, headers); err != nil {
		e.log.Error("outbox insert failed", "topic", topic, "connection_id", conn.ID, "error", err)
	}
}

// degradable reports whether a failed busy fetch should produce a degraded
// read instead of an error. Credential and validation problems are never
// papered over.
func degradable(err error) bool {
	switch resilience.Classify(err).Kind {
	case resilience.KindServerError, resilience.KindTimeout, resilience.KindNetwork, resilience.KindRateLimited:
		return true
	}
	return false
}

func nextLocalDay(dayStart time.Time, zone string) time.Time {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return dayStart.Add(24 * time.Hour)
	}
	local := dayStart.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
}
