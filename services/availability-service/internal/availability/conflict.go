package availability

import (
	"fmt"
	"time"

	"github.com/avdeluca/agentcal/services/availability-service/internal/model"
	"github.com/avdeluca/agentcal/services/availability-service/internal/wallclock"
)

// Overlaps reports whether the half-open intervals [aStart,aEnd) and
// [bStart,bEnd) overlap. Touching endpoints do not conflict.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// WithinOfficeHours reports whether [start,end) fits inside the enabled
// business window of start's local calendar day. A request spanning past the
// day's close (or into a disabled day) is outside office hours.
func WithinOfficeHours(start, end time.Time, hours model.OfficeHours, zone string) (bool, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return false, fmt.Errorf("unknown timezone %q: %w", zone, err)
	}
	local := start.In(loc)
	dh, ok := hours[model.WeekdayName(local.Weekday())]
	if !ok || !dh.Enabled {
		return false, nil
	}
	date := local.Format("2006-01-02")
	dayStart, err := wallclock.Resolve(date+"T"+dh.Start, zone)
	if err != nil {
		return false, err
	}
	dayEnd, err := wallclock.Resolve(date+"T"+dh.End, zone)
	if err != nil {
		return false, err
	}
	return !start.Before(dayStart) && !end.After(dayEnd), nil
}

// DetectConflicts decides whether the requested interval is bookable.
// Office-hours membership is checked first and short-circuits with a distinct
// reason: a slot outside business hours is reported as such even when it
// overlaps nothing. Calendar overlap then collects every colliding busy
// period, not just the first.
func DetectConflicts(reqStart, reqEnd time.Time, busy []model.BusyPeriod, hours model.OfficeHours, zone string) (model.ConflictResult, error) {
	within, err := WithinOfficeHours(reqStart, reqEnd, hours, zone)
	if err != nil {
		return model.ConflictResult{}, err
	}
	if !within {
		return model.ConflictResult{
			HasConflict: true,
			Reason:      model.ReasonOutsideOfficeHours,
		}, nil
	}

	var colliding []model.BusyPeriod
	for _, b := range busy {
		if Overlaps(reqStart, reqEnd, b.Start, b.End) {
			colliding = append(colliding, b)
		}
	}
	return model.ConflictResult{
		HasConflict:        len(colliding) > 0,
		ConflictingPeriods: colliding,
	}, nil
}

func overlapsAny(start, end time.Time, busy []model.BusyPeriod) bool {
	for _, b := range busy {
		if Overlaps(start, end, b.Start, b.End) {
			return true
		}
	}
	return false
}
