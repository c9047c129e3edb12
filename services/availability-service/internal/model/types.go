package model

import "time"

// Calendar providers supported by the engine.
const (
	ProviderMicrosoft = "microsoft"
	ProviderCalCom    = "calcom"
)

// Connection links an agent/client pair to one upstream calendar.
type Connection struct {
	ID         string
	AgentID    string
	ClientID   string
	Provider   string
	CalendarID string // Graph mailbox or Cal.com event-type id
	Timezone   string
	IsActive   bool
	CreatedAt  time.Time
}

// DayHours is one weekday's business window, wall-clock "HH:MM" literals.
type DayHours struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	Enabled bool   `json:"enabled"`
}

// OfficeHours maps lowercase weekday names ("monday".."sunday") to windows.
// A missing day means closed.
type OfficeHours map[string]DayHours

var weekdayNames = [...]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

func WeekdayName(d time.Weekday) string {
	return weekdayNames[int(d)%7]
}

// BusyPeriod is an existing calendar commitment, UTC instants.
type BusyPeriod struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CandidateSlot is a bookable window produced by the slot generator.
type CandidateSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// AvailableSlot is a candidate scored for suggestion to the caller.
type AvailableSlot struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Confidence float64   `json:"confidence"`
	StartLabel string    `json:"start_label"`
	EndLabel   string    `json:"end_label"`
}

// ReasonOutsideOfficeHours marks an office-hours violation, which is a
// distinct failure from a true double-booking and must not be conflated
// with one in messaging.
const ReasonOutsideOfficeHours = "outside_office_hours"

// ReasonTooSoon marks a request starting inside the minimum lead window.
const ReasonTooSoon = "too_soon"

// ConflictResult reports whether a requested interval is bookable.
// Reason is set only for business-rule violations; ConflictingPeriods only
// for true calendar overlaps.
type ConflictResult struct {
	HasConflict        bool         `json:"has_conflict"`
	ConflictingPeriods []BusyPeriod `json:"conflicting_periods,omitempty"`
	Reason             string       `json:"reason,omitempty"`
}
