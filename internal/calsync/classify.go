package calsync

import (
	"time"

	"github.com/calmirror/calmirror/internal/mapstore"
)

// Action is the classifier's verdict for one source item.
type Action string

const (
	ActionSkip     Action = "skip"
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionRecreate Action = "recreate"
)

// Decision carries the action plus a human-readable reason used for logging
// only. RefreshStamp marks the "nothing material changed, just record the
// new modification timestamp" case.
type Decision struct {
	Action       Action
	Reason       string
	RefreshStamp bool
}

// Classifier decides per item whether a sync action is needed and why.
type Classifier struct {
	// StrictRecurringTime compares recurring start/end as full local
	// instants instead of the default hour-and-minute-only comparison.
	// The coarse default is deliberate: a recurring start/end is a base
	// template time, not an absolute instant, and the two stores may
	// normalize it into different zones.
	StrictRecurringTime bool
}

// Classify implements the fixed-order field comparison. The first mismatch
// names the reason; any mismatch forces a sync. A recurrence-presence or
// all-day change, or any difference on an already-recurring item, yields
// ActionRecreate because the destination series cannot be edited in place.
func (c Classifier) Classify(src *SourceItem, dst *DestinationItem, entry *mapstore.Entry, forceFull bool) Decision {
	if entry == nil || dst == nil {
		return Decision{Action: ActionCreate, Reason: "New Appointment"}
	}
	if !forceFull && entry.LastSync == Stamp(src.LastModified) {
		return Decision{Action: ActionSkip, Reason: "unchanged since last sync"}
	}

	reason := "Forced Full Resync"
	if !forceFull {
		reason = c.diffReason(src, dst, entry)
		if reason == "" {
			return Decision{Action: ActionSkip, Reason: "no relevant change", RefreshStamp: true}
		}
	}

	if src.IsRecurring() || dst.Recurrence != nil || src.AllDay != dst.AllDay {
		return Decision{Action: ActionRecreate, Reason: reason}
	}
	return Decision{Action: ActionUpdate, Reason: reason}
}

func (c Classifier) diffReason(src *SourceItem, dst *DestinationItem, entry *mapstore.Entry) string {
	if isRecurringDestination(dst) != src.IsRecurring() {
		return "Recurrence changed"
	}
	if dst.AllDay != src.AllDay {
		return "All Day changed"
	}
	if dst.Subject != src.Subject {
		return "Subject Changed"
	}
	if dst.Location != "" || src.Location != "" {
		if dst.Location != src.Location {
			return "Location changed"
		}
	}
	if dst.Busy != src.Busy {
		return "FreeBusyStatus changed"
	}
	if dst.ReminderOn != src.ReminderSet {
		return "ReminderSet changed"
	}
	if src.ReminderSet && dst.ReminderMinutes != src.ReminderMinutes {
		return "Reminder value changed"
	}

	if !src.IsRecurring() {
		if !dst.Start.In(src.Start.Location()).Equal(src.Start) {
			return "Start changed"
		}
		if !dst.End.In(src.End.Location()).Equal(src.End) {
			return "Duration changed"
		}
		return ""
	}

	srcPattern := src.Recurrence
	dstRecurrence := dst.Recurrence
	if dstRecurrence == nil {
		return "Destination recurrence pattern is not set"
	}
	if dstRecurrence.Type != TranslatePatternType(srcPattern.Type) {
		return "RecurrenceType changed"
	}
	if !c.timesMatch(dst.Start, src.Start) {
		return "RecurringStart changed"
	}
	if !c.timesMatch(dst.End, src.End) {
		return "RecurringEnd changed"
	}

	// A synthetic source-shaped recurrence keeps the field checks uniform.
	srcRecurrence := TranslatePattern(srcPattern)

	switch srcPattern.Type {
	case RecursWeekly:
		if !weekdaysEqual(dstRecurrence.DaysOfWeek, srcRecurrence.DaysOfWeek) {
			return "Weekly DaysOfWeek changed"
		}
	case RecursMonthly:
		if dstRecurrence.DayOfMonth != srcRecurrence.DayOfMonth {
			return "Monthly DayOfMonth changed"
		}
	case RecursMonthNth:
		if dstRecurrence.Index != srcRecurrence.Index {
			return "MonthNth Index changed"
		}
		if !weekdaysEqual(dstRecurrence.DaysOfWeek, srcRecurrence.DaysOfWeek) {
			return "MonthNth DaysOfWeek changed"
		}
	case RecursYearly:
		if dstRecurrence.DayOfMonth != srcRecurrence.DayOfMonth {
			return "Yearly DayOfMonth changed"
		}
		if dstRecurrence.Month != srcRecurrence.Month {
			return "Yearly Month changed"
		}
	case RecursYearNth:
		if dstRecurrence.Index != srcRecurrence.Index {
			return "YearNth Index changed"
		}
		if !weekdaysEqual(dstRecurrence.DaysOfWeek, srcRecurrence.DaysOfWeek) {
			return "YearNth DaysOfWeek changed"
		}
		if dstRecurrence.Month != srcRecurrence.Month {
			return "YearNth Month changed"
		}
	}

	if dstRecurrence.StartDate != srcRecurrence.StartDate {
		return "Range StartDate changed"
	}
	if dstRecurrence.Interval != srcRecurrence.Interval {
		return "Pattern Interval changed"
	}
	switch srcRecurrence.RangeType {
	case RangeNoEnd:
		if dstRecurrence.RangeType != RangeNoEnd {
			return "Pattern NoEnd changed"
		}
	case RangeNumbered:
		if dstRecurrence.RangeType != RangeNumbered {
			return "Range Type changed"
		}
		if dstRecurrence.Occurrences != srcRecurrence.Occurrences {
			return "Range NumberOfOccurrences changed"
		}
	case RangeEndDate:
		if dstRecurrence.RangeType != RangeEndDate {
			return "Range Type changed"
		}
		if dstRecurrence.EndDate != srcRecurrence.EndDate {
			return "Range EndDate changed"
		}
	}

	return c.exceptionShapeReason(srcPattern.Exceptions, entry)
}

// exceptionShapeReason forces a full resync of a series when a previously
// deleted occurrence comes back as a modification, or when the set of mapped
// exception dates no longer lines up with what the source reports. A new,
// never-mapped exception is ignored here: it syncs on its own later.
func (c Classifier) exceptionShapeReason(exceptions []SourceException, entry *mapstore.Entry) string {
	mapped := 0
	for _, ex := range exceptions {
		ref, ok := entry.Exceptions[DateKey(ex.OriginalDate)]
		if !ok {
			continue
		}
		mapped++
		if !ex.Deleted && ref.ID == nil {
			return "Series Exception changed"
		}
	}
	if mapped != len(entry.Exceptions) {
		return "Series Exceptions changed"
	}
	return ""
}

func (c Classifier) timesMatch(dst, src time.Time) bool {
	local := dst.In(src.Location())
	if c.StrictRecurringTime {
		return local.Equal(src)
	}
	return local.Hour() == src.Hour() && local.Minute() == src.Minute()
}

func isRecurringDestination(dst *DestinationItem) bool {
	return dst.Recurrence != nil && dst.Type != EventSingle
}
