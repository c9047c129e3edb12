// Package availability holds the interval math of the engine: office-hours
// slot generation, conflict detection, and alternative ranking. Everything
// here is pure; callers supply busy periods and "now".
package availability

import (
	"errors"
	"fmt"
	"time"

	"github.com/avdeluca/agentcal/services/availability-service/internal/model"
	"github.com/avdeluca/agentcal/services/availability-service/internal/wallclock"
)

const (
	// DefaultStepMinutes is the slide increment between candidate starts.
	DefaultStepMinutes = 30

	// MinLeadTime is how far in the future a slot must start to be offered.
	MinLeadTime = 15 * time.Minute
)

// GenerateSlots enumerates candidate start times inside enabled office hours
// between rangeStart and rangeEnd. Slots are durationMin long and emitted at
// stepMin increments; a slot ending exactly at the day's close is valid.
// Slots starting less than MinLeadTime after now are dropped.
func GenerateSlots(rangeStart, rangeEnd time.Time, hours model.OfficeHours, zone string, durationMin, stepMin int, now time.Time) ([]model.CandidateSlot, error) {
	if durationMin <= 0 {
		return nil, errors.New("duration must be positive")
	}
	if stepMin <= 0 {
		stepMin = DefaultStepMinutes
	}
	if !rangeEnd.After(rangeStart) {
		return nil, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", zone, err)
	}

	duration := time.Duration(durationMin) * time.Minute
	step := time.Duration(stepMin) * time.Minute
	earliest := now.Add(MinLeadTime)

	var slots []model.CandidateSlot
	localEnd := rangeEnd.In(loc)
	local := rangeStart.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	lastDay := time.Date(localEnd.Year(), localEnd.Month(), localEnd.Day(), 0, 0, 0, 0, loc)

	for ; !day.After(lastDay); day = day.AddDate(0, 0, 1) {
		dh, ok := hours[model.WeekdayName(day.Weekday())]
		if !ok || !dh.Enabled {
			continue
		}
		date := day.Format("2006-01-02")
		dayStart, err := wallclock.Resolve(date+"T"+dh.Start, zone)
		if err != nil {
			return nil, fmt.Errorf("office hours start for %s: %w", date, err)
		}
		dayEnd, err := wallclock.Resolve(date+"T"+dh.End, zone)
		if err != nil {
			return nil, fmt.Errorf("office hours end for %s: %w", date, err)
		}
		if !dayEnd.After(dayStart) {
			continue
		}

		for start := dayStart; !start.Add(duration).After(dayEnd); start = start.Add(step) {
			end := start.Add(duration)
			if start.Before(rangeStart) || end.After(rangeEnd) {
				continue
			}
			if start.Before(earliest) {
				continue
			}
			slots = append(slots, model.CandidateSlot{Start: start, End: end})
		}
	}
	return slots, nil
}
