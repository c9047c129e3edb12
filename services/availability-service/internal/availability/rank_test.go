package availability

import (
	"testing"
	"time"

	"github.com/avdeluca/agentcal/services/availability-service/internal/model"
)

func TestRankAlternativesNearestFirst(t *testing.T) {
	const zone = "Australia/Melbourne"
	// Monday 14:00-15:00 is taken; nearest free neighbours should win.
	reqStart := mustResolve(t, "2025-10-20T14:00", zone)
	reqEnd := reqStart.Add(time.Hour)
	busy := []model.BusyPeriod{{ID: "taken", Start: reqStart, End: reqEnd}}
	now := mustResolve(t, "2025-10-20T08:00", zone)

	alts, err := RankAlternatives(reqStart, reqEnd, busy, weekdayHours(), zone, 60, 3, now)
	if err != nil {
		t.Fatalf("RankAlternatives failed: %v", err)
	}
	if len(alts) != 3 {
		t.Fatalf("expected 3 suggestions, got %d", len(alts))
	}

	want := []string{"2025-10-20T13:00", "2025-10-20T15:00", "2025-10-20T12:30"}
	for i, w := range want {
		expect := mustResolve(t, w, zone)
		if !alts[i].Start.Equal(expect) {
			t.Fatalf("suggestion %d: got %s, want %s", i, alts[i].Start, expect)
		}
	}
	for i := 1; i < len(alts); i++ {
		if alts[i].Confidence > alts[i-1].Confidence {
			t.Fatalf("confidence not descending at %d: %f > %f", i, alts[i].Confidence, alts[i-1].Confidence)
		}
	}
	for _, a := range alts {
		if a.Confidence <= 0 || a.Confidence > 1 {
			t.Fatalf("confidence out of range: %f", a.Confidence)
		}
		if a.StartLabel == "" || a.EndLabel == "" {
			t.Fatalf("missing human labels: %+v", a)
		}
		if overlapsAny(a.Start, a.End, busy) {
			t.Fatalf("suggestion %s collides with busy period", a.Start)
		}
	}
}

func TestRankAlternativesStaysOnRequestedDay(t *testing.T) {
	const zone = "Australia/Melbourne"
	// 16:00 request: the +4h side of the window crosses midnight but
	// suggestions must stay on Monday.
	reqStart := mustResolve(t, "2025-10-20T16:00", zone)
	now := mustResolve(t, "2025-10-20T08:00", zone)

	alts, err := RankAlternatives(reqStart, reqStart.Add(time.Hour), nil, weekdayHours(), zone, 60, 10, now)
	if err != nil {
		t.Fatalf("RankAlternatives failed: %v", err)
	}
	for _, a := range alts {
		local := a.Start.In(mustLoc(t, zone))
		if local.Day() != 20 {
			t.Fatalf("suggestion left the requested day: %s", local)
		}
		if local.Hour() < 9 || a.End.In(mustLoc(t, zone)).Hour() > 17 {
			t.Fatalf("suggestion outside office hours: %s", local)
		}
	}
}

func TestRankAlternativesFullyBookedDay(t *testing.T) {
	const zone = "UTC"
	reqStart := time.Date(2025, 10, 20, 13, 0, 0, 0, time.UTC)
	busy := []model.BusyPeriod{{
		ID:    "all-day",
		Start: time.Date(2025, 10, 20, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 10, 20, 17, 0, 0, 0, time.UTC),
	}}
	now := time.Date(2025, 10, 20, 7, 0, 0, 0, time.UTC)

	alts, err := RankAlternatives(reqStart, reqStart.Add(time.Hour), busy, weekdayHours(), zone, 60, 3, now)
	if err != nil {
		t.Fatalf("a full day is a valid terminal state, got error: %v", err)
	}
	if len(alts) != 0 {
		t.Fatalf("expected no suggestions, got %d", len(alts))
	}
}

func mustLoc(t *testing.T, zone string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(zone)
	if err != nil {
		t.Fatalf("LoadLocation(%q) failed: %v", zone, err)
	}
	return loc
}
