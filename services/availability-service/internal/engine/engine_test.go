package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/avdeluca/agentcal/services/availability-service/internal/busycache"
	"github.com/avdeluca/agentcal/services/availability-service/internal/model"
	"github.com/avdeluca/agentcal/services/availability-service/internal/outbox"
	"github.com/avdeluca/agentcal/services/availability-service/internal/resilience"
	"github.com/avdeluca/agentcal/services/availability-service/internal/upstream"
	"github.com/avdeluca/agentcal/services/availability-service/internal/wallclock"
)

const testZone = "Australia/Melbourne"

type fakeStore struct {
	conn  model.Connection
	hours model.OfficeHours
}

func (f *fakeStore) GetConnectionByAgent(ctx context.Context, agentID, clientID string) (model.Connection, error) {
	return f.conn, nil
}

func (f *fakeStore) GetOfficeHours(ctx context.Context, connectionID string) (model.OfficeHours, error) {
	return f.hours, nil
}

type fakeCalendar struct {
	mu        sync.Mutex
	busy      []model.BusyPeriod
	listErr   error
	listCalls int
	created   []upstream.Event
	updated   map[string]upstream.Event
	deleted   []string
}

func (f *fakeCalendar) ListBusy(ctx context.Context, conn model.Connection, start, end time.Time) ([]model.BusyPeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.busy, nil
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, conn model.Connection, ev upstream.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, ev)
	return "evt-created", nil
}

func (f *fakeCalendar) UpdateEvent(ctx context.Context, conn model.Connection, eventID string, ev upstream.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updated == nil {
		f.updated = make(map[string]upstream.Event)
	}
	f.updated[eventID] = ev
	return nil
}

func (f *fakeCalendar) DeleteEvent(ctx context.Context, conn model.Connection, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeCalendar) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type emittedEvent struct {
	topic string
	key   string
}

type fakeOutbox struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (f *fakeOutbox) Insert(ctx context.Context, exec outbox.Execer, topic, key string, payload any, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emittedEvent{topic: topic, key: key})
	return nil
}

func testEngine(t *testing.T, cal *fakeCalendar) (*Engine, *fakeOutbox) {
	t.Helper()
	hours := model.OfficeHours{}
	for _, d := range []string{"monday", "tuesday", "wednesday", "thursday", "friday"} {
		hours[d] = model.DayHours{Start: "09:00", End: "17:00", Enabled: true}
	}
	store := &fakeStore{
		conn: model.Connection{
			ID:         "conn-1",
			AgentID:    "agent-1",
			ClientID:   "client-1",
			Provider:   model.ProviderMicrosoft,
			CalendarID: "clinic@contoso.com",
			Timezone:   testZone,
			IsActive:   true,
		},
		hours: hours,
	}
	events := &fakeOutbox{}
	e := New(store, cal, busycache.NewMemoryCache(), events, slog.New(slog.DiscardHandler))
	// Monday 2025-10-20, 08:00 Melbourne.
	now := mustResolve(t, "2025-10-20T08:00", testZone)
	e.now = func() time.Time { return now }
	// Single attempts keep outage tests off the retry/backoff timers.
	fast := resilience.Policy{Tries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	e.readPolicy = fast
	e.writePolicy = fast
	return e, events
}

func mustResolve(t *testing.T, literal, zone string) time.Time {
	t.Helper()
	instant, err := wallclock.Resolve(literal, zone)
	if err != nil {
		t.Fatalf("Resolve(%q) failed: %v", literal, err)
	}
	return instant
}

func melbourneBusy(t *testing.T, startLit, endLit string) model.BusyPeriod {
	t.Helper()
	return model.BusyPeriod{
		ID:    "existing",
		Start: mustResolve(t, startLit, testZone),
		End:   mustResolve(t, endLit, testZone),
	}
}

func TestCheckFreeSlotIsAvailable(t *testing.T) {
	cal := &fakeCalendar{}
	e, _ := testEngine(t, cal)

	res, err := e.CheckForConflicts(context.Background(), CheckRequest{
		AgentID: "agent-1", ClientID: "client-1",
		Start: "2025-10-20T10:00", DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("CheckForConflicts failed: %v", err)
	}
	if !res.Available || res.Degraded {
		t.Fatalf("expected available, got %+v", res)
	}
	if res.Conflict != nil || len(res.Alternatives) != 0 {
		t.Fatalf("free slot must not carry conflict data: %+v", res)
	}
	if res.StartLabel == "" || res.Timezone != testZone {
		t.Fatalf("missing display fields: %+v", res)
	}
}

func TestCheckConflictRanksAlternatives(t *testing.T) {
	cal := &fakeCalendar{busy: []model.BusyPeriod{melbourneBusy(t, "2025-10-20T14:00", "2025-10-20T15:00")}}
	e, _ := testEngine(t, cal)

	res, err := e.CheckForConflicts(context.Background(), CheckRequest{
		AgentID: "agent-1", ClientID: "client-1",
		Start: "2025-10-20T14:00", DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("CheckForConflicts failed: %v", err)
	}
	if res.Available {
		t.Fatal("expected conflict")
	}
	if res.Conflict == nil || len(res.Conflict.ConflictingPeriods) != 1 {
		t.Fatalf("conflicting period not reported: %+v", res.Conflict)
	}
	if len(res.Alternatives) == 0 {
		t.Fatal("expected ranked alternatives")
	}
	best := res.Alternatives[0]
	if !best.Start.Equal(mustResolve(t, "2025-10-20T13:00", testZone)) {
		t.Fatalf("nearest free slot should rank first, got %s", best.Start)
	}
}

func TestCheckOutsideOfficeHours(t *testing.T) {
	cal := &fakeCalendar{}
	e, _ := testEngine(t, cal)

	res, err := e.CheckForConflicts(context.Background(), CheckRequest{
		AgentID: "agent-1", ClientID: "client-1",
		Start: "2025-10-20T20:00", DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("CheckForConflicts failed: %v", err)
	}
	if res.Available || res.Conflict == nil {
		t.Fatalf("expected office-hours conflict, got %+v", res)
	}
	if res.Conflict.Reason != model.ReasonOutsideOfficeHours {
		t.Fatalf("wrong reason: %q", res.Conflict.Reason)
	}
}

func TestCheckTooSoon(t *testing.T) {
	cal := &fakeCalendar{}
	e, _ := testEngine(t, cal)

	res, err := e.CheckForConflicts(context.Background(), CheckRequest{
		AgentID: "agent-1", ClientID: "client-1",
		Start: "2025-10-20T08:05", DurationMinutes: 30,
	})
	if err != nil {
		t.Fatalf("CheckForConflicts failed: %v", err)
	}
	if res.Available || res.Conflict == nil || res.Conflict.Reason != model.ReasonTooSoon {
		t.Fatalf("expected too-soon rejection, got %+v", res)
	}
	if cal.calls() != 0 {
		t.Fatal("lead-time rejection must not hit the upstream")
	}
}

func TestCheckDegradesOnUpstreamOutage(t *testing.T) {
	cal := &fakeCalendar{listErr: &resilience.StatusError{Op: "list", Status: 503}}
	e, _ := testEngine(t, cal)

	res, err := e.CheckForConflicts(context.Background(), CheckRequest{
		AgentID: "agent-1", ClientID: "client-1",
		Start: "2025-10-20T10:00", DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("outage must degrade, not error: %v", err)
	}
	if !res.Degraded || res.Available {
		t.Fatalf("expected degraded result, got %+v", res)
	}
	if res.Message == "" {
		t.Fatal("degraded result needs a user message")
	}
}

func TestCheckAuthErrorIsNotDegraded(t *testing.T) {
	cal := &fakeCalendar{listErr: &resilience.StatusError{Op: "list", Status: 401}}
	e, _ := testEngine(t, cal)

	_, err := e.CheckForConflicts(context.Background(), CheckRequest{
		AgentID: "agent-1", ClientID: "client-1",
		Start: "2025-10-20T10:00", DurationMinutes: 60,
	})
	if err == nil {
		t.Fatal("credential failures must surface as errors")
	}
	var cerr *resilience.ClassifiedError
	if !errors.As(err, &cerr) || cerr.Class.Kind != resilience.KindAuthentication {
		t.Fatalf("expected classified auth error, got %v", err)
	}
}

func TestCheckUsesCache(t *testing.T) {
	cal := &fakeCalendar{}
	e, _ := testEngine(t, cal)
	ctx := context.Background()
	req := CheckRequest{AgentID: "agent-1", ClientID: "client-1", Start: "2025-10-20T10:00", DurationMinutes: 60}

	for i := 0; i < 3; i++ {
		if _, err := e.CheckForConflicts(ctx, req); err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
	}
	if got := cal.calls(); got != 1 {
		t.Fatalf("expected 1 upstream fetch for repeated checks, got %d", got)
	}
}

func TestBookAppointmentHappyPath(t *testing.T) {
	cal := &fakeCalendar{}
	e, events := testEngine(t, cal)
	ctx := context.Background()

	// Warm the cache so invalidation is observable below.
	if _, err := e.CheckForConflicts(ctx, CheckRequest{
		AgentID: "agent-1", ClientID: "client-1", Start: "2025-10-20T10:00", DurationMinutes: 60,
	}); err != nil {
		t.Fatalf("warm check failed: %v", err)
	}

	res, err := e.BookAppointment(ctx, BookRequest{
		AgentID: "agent-1", ClientID: "client-1",
		Start: "2025-10-20T10:00", DurationMinutes: 60,
		Subject: "Consultation", AttendeeName: "Pat", AttendeeEmail: "pat@example.com",
	})
	if err != nil {
		t.Fatalf("BookAppointment failed: %v", err)
	}
	if !res.Booked || res.EventID != "evt-created" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(cal.created) != 1 || cal.created[0].Subject != "Consultation" {
		t.Fatalf("event not created upstream: %+v", cal.created)
	}

	events.mu.Lock()
	if len(events.events) != 1 || events.events[0].topic != outbox.TopicAppointmentBooked {
		t.Fatalf("booked event not queued: %+v", events.events)
	}
	if events.events[0].key != "conn-1" {
		t.Fatalf("events must partition by connection: %+v", events.events[0])
	}
	events.mu.Unlock()

	// The booked day must be refetched on the next check.
	before := cal.calls()
	if _, err := e.CheckForConflicts(ctx, CheckRequest{
		AgentID: "agent-1", ClientID: "client-1", Start: "2025-10-20T11:00", DurationMinutes: 60,
	}); err != nil {
		t.Fatalf("post-booking check failed: %v", err)
	}
	if cal.calls() != before+1 {
		t.Fatal("cache was not invalidated after booking")
	}
}

func TestBookAppointmentRefusesConflict(t *testing.T) {
	cal := &fakeCalendar{busy: []model.BusyPeriod{melbourneBusy(t, "2025-10-20T14:00", "2025-10-20T15:00")}}
	e, events := testEngine(t, cal)

	res, err := e.BookAppointment(context.Background(), BookRequest{
		AgentID: "agent-1", ClientID: "client-1",
		Start: "2025-10-20T14:30", DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("BookAppointment failed: %v", err)
	}
	if res.Booked {
		t.Fatal("conflicting booking must be refused")
	}
	if len(res.Alternatives) == 0 {
		t.Fatal("refusal should offer alternatives")
	}
	if len(cal.created) != 0 {
		t.Fatal("no upstream event may be created on refusal")
	}
	if len(events.events) != 0 {
		t.Fatal("no outbox event may be queued on refusal")
	}
}

func TestBookAppointmentFailsClosedOnOutage(t *testing.T) {
	cal := &fakeCalendar{listErr: &resilience.StatusError{Op: "list", Status: 503}}
	e, _ := testEngine(t, cal)

	_, err := e.BookAppointment(context.Background(), BookRequest{
		AgentID: "agent-1", ClientID: "client-1",
		Start: "2025-10-20T10:00", DurationMinutes: 60,
	})
	if err == nil {
		t.Fatal("bookings must not proceed blind during an outage")
	}
	if len(cal.created) != 0 {
		t.Fatal("no event may be created when busy periods are unknown")
	}
}

func TestRescheduleIgnoresOwnEvent(t *testing.T) {
	busy := melbourneBusy(t, "2025-10-20T10:00", "2025-10-20T11:00")
	busy.ID = "evt-mine"
	cal := &fakeCalendar{busy: []model.BusyPeriod{busy}}
	e, events := testEngine(t, cal)

	res, err := e.RescheduleAppointment(context.Background(), RescheduleRequest{
		AgentID: "agent-1", ClientID: "client-1",
		EventID: "evt-mine", NewStart: "2025-10-20T10:30", DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("RescheduleAppointment failed: %v", err)
	}
	if !res.Booked {
		t.Fatalf("moving within own window must succeed: %+v", res)
	}
	if _, ok := cal.updated["evt-mine"]; !ok {
		t.Fatal("upstream event not updated")
	}
	if len(events.events) != 1 || events.events[0].topic != outbox.TopicAppointmentRescheduled {
		t.Fatalf("rescheduled event not queued: %+v", events.events)
	}
}

func TestCancelAppointment(t *testing.T) {
	cal := &fakeCalendar{}
	e, events := testEngine(t, cal)

	res, err := e.CancelAppointment(context.Background(), CancelRequest{
		AgentID: "agent-1", ClientID: "client-1", EventID: "evt-9",
	})
	if err != nil {
		t.Fatalf("CancelAppointment failed: %v", err)
	}
	if !res.Cancelled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(cal.deleted) != 1 || cal.deleted[0] != "evt-9" {
		t.Fatalf("upstream event not deleted: %+v", cal.deleted)
	}
	if len(events.events) != 1 || events.events[0].topic != outbox.TopicAppointmentCancelled {
		t.Fatalf("cancelled event not queued: %+v", events.events)
	}
}

func TestFindAvailableSlots(t *testing.T) {
	cal := &fakeCalendar{busy: []model.BusyPeriod{melbourneBusy(t, "2025-10-20T09:00", "2025-10-20T12:00")}}
	e, _ := testEngine(t, cal)

	res, err := e.FindAvailableSlots(context.Background(), SlotsRequest{
		AgentID: "agent-1", ClientID: "client-1",
		Date: "2025-10-20", DurationMinutes: 60, Limit: 5,
	})
	if err != nil {
		t.Fatalf("FindAvailableSlots failed: %v", err)
	}
	if res.Degraded {
		t.Fatal("unexpected degraded result")
	}
	if len(res.Slots) != 5 {
		t.Fatalf("expected 5 slots, got %d", len(res.Slots))
	}
	first := res.Slots[0]
	if !first.Start.Equal(mustResolve(t, "2025-10-20T12:00", testZone)) {
		t.Fatalf("first free slot should follow the busy block, got %s", first.Start)
	}
	if first.StartLabel == "" {
		t.Fatal("slots need human labels")
	}
}

func TestFindAvailableSlotsDegrades(t *testing.T) {
	cal := &fakeCalendar{listErr: &resilience.StatusError{Op: "list", Status: 500}}
	e, _ := testEngine(t, cal)

	res, err := e.FindAvailableSlots(context.Background(), SlotsRequest{
		AgentID: "agent-1", ClientID: "client-1", Date: "2025-10-20",
	})
	if err != nil {
		t.Fatalf("outage must degrade, not error: %v", err)
	}
	if !res.Degraded || len(res.Slots) != 0 {
		t.Fatalf("expected degraded empty result, got %+v", res)
	}
}
