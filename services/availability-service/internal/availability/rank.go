package availability

import (
	"sort"
	"time"

	"github.com/avdeluca/agentcal/services/availability-service/internal/model"
	"github.com/avdeluca/agentcal/services/availability-service/internal/wallclock"
)

// suggestionWindow bounds how far from the requested time alternatives are
// searched, on each side.
const suggestionWindow = 4 * time.Hour

// RankAlternatives proposes free slots near a rejected request. Candidates
// are drawn from a window of suggestionWindow either side of the request,
// clamped to the requested local calendar day, scored by proximity, and
// returned best first. An empty result means the day is genuinely full and
// is not an error.
func RankAlternatives(reqStart, reqEnd time.Time, busy []model.BusyPeriod, hours model.OfficeHours, zone string, durationMin, maxSuggestions int, now time.Time) ([]model.AvailableSlot, error) {
	if maxSuggestions <= 0 {
		maxSuggestions = 3
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, err
	}

	local := reqStart.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	windowStart := reqStart.Add(-suggestionWindow)
	if windowStart.Before(dayStart) {
		windowStart = dayStart
	}
	windowEnd := reqEnd.Add(suggestionWindow)
	if windowEnd.After(dayEnd) {
		windowEnd = dayEnd
	}

	candidates, err := GenerateSlots(windowStart, windowEnd, hours, zone, durationMin, DefaultStepMinutes, now)
	if err != nil {
		return nil, err
	}

	var ranked []model.AvailableSlot
	for _, c := range candidates {
		if overlapsAny(c.Start, c.End, busy) {
			continue
		}
		ranked = append(ranked, model.AvailableSlot{
			Start:      c.Start,
			End:        c.End,
			Confidence: confidence(c.Start, reqStart, loc),
			StartLabel: wallclock.FormatHuman(c.Start, zone),
			EndLabel:   wallclock.FormatHuman(c.End, zone),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return ranked[i].Start.Before(ranked[j].Start)
	})
	if len(ranked) > maxSuggestions {
		ranked = ranked[:maxSuggestions]
	}
	return ranked, nil
}

// confidence scores a candidate by distance from the requested start, with a
// small bonus for starts in core business hours. Closer is better; a
// candidate at the far edge of the window still scores above zero through
// the bonus.
func confidence(candidate, requested time.Time, loc *time.Location) float64 {
	delta := candidate.Sub(requested)
	if delta < 0 {
		delta = -delta
	}
	score := 1 - float64(delta)/float64(suggestionWindow)
	if score < 0 {
		score = 0
	}
	h := candidate.In(loc).Hour()
	if h >= 9 && h < 18 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}
