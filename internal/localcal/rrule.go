package localcal

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/calmirror/calmirror/internal/calsync"
)

// translateRRule maps an RRULE string onto the fixed recurrence vocabulary
// the sync engine understands. Rules outside that vocabulary (secondly,
// minutely, hourly) are rejected.
func translateRRule(raw string, start time.Time) (*calsync.SourcePattern, error) {
	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing RRULE %q: %w", raw, err)
	}

	pattern := &calsync.SourcePattern{
		Interval:  opt.Interval,
		StartDate: start,
	}
	if pattern.Interval < 1 {
		pattern.Interval = 1
	}

	switch opt.Freq {
	case rrule.DAILY:
		pattern.Type = calsync.RecursDaily
	case rrule.WEEKLY:
		pattern.Type = calsync.RecursWeekly
		pattern.DayOfWeekMask = weekdayMask(opt.Byweekday, start)
	case rrule.MONTHLY:
		if relative, instance := relativeInstance(opt); relative {
			pattern.Type = calsync.RecursMonthNth
			pattern.Instance = instance
			pattern.DayOfWeekMask = weekdayMask(opt.Byweekday, start)
		} else {
			pattern.Type = calsync.RecursMonthly
			pattern.DayOfMonth = firstOr(opt.Bymonthday, start.Day())
		}
	case rrule.YEARLY:
		if relative, instance := relativeInstance(opt); relative {
			pattern.Type = calsync.RecursYearNth
			pattern.Instance = instance
			pattern.DayOfWeekMask = weekdayMask(opt.Byweekday, start)
		} else {
			pattern.Type = calsync.RecursYearly
			pattern.DayOfMonth = firstOr(opt.Bymonthday, start.Day())
		}
		pattern.MonthOfYear = firstOr(opt.Bymonth, int(start.Month()))
	default:
		return nil, fmt.Errorf("unsupported RRULE frequency in %q", raw)
	}

	switch {
	case opt.Count > 0:
		pattern.Occurrences = opt.Count
		pattern.EndDate = countedEnd(opt, start)
		if pattern.EndDate.IsZero() {
			pattern.EndDate = opt.Until
		}
	case !opt.Until.IsZero():
		pattern.Occurrences = -1
		pattern.EndDate = opt.Until
	default:
		pattern.NoEnd = true
		pattern.Occurrences = -1
	}

	return pattern, nil
}

// countedEnd materializes the last occurrence of a COUNT-bounded rule so the
// retention filter can see when the series actually ends.
func countedEnd(opt *rrule.ROption, start time.Time) time.Time {
	bounded := *opt
	bounded.Dtstart = start
	r, err := rrule.NewRRule(bounded)
	if err != nil {
		return time.Time{}
	}
	occurrences := r.All()
	if len(occurrences) == 0 {
		return time.Time{}
	}
	return occurrences[len(occurrences)-1]
}

// relativeInstance reports whether the rule pins a relative weekday instance
// ("second Tuesday") and which one. BYSETPOS wins over an Nth-qualified
// BYDAY; -1 maps to the "last" slot.
func relativeInstance(opt *rrule.ROption) (bool, int) {
	nth := 0
	if len(opt.Bysetpos) > 0 {
		nth = opt.Bysetpos[0]
	} else {
		for _, day := range opt.Byweekday {
			if n := day.N(); n != 0 {
				nth = n
				break
			}
		}
	}
	if nth == 0 {
		return false, 0
	}
	if nth < 0 {
		return true, 5
	}
	return true, nth
}

var rruleWeekdayMasks = map[int]calsync.WeekdayMask{
	rrule.MO.Day(): calsync.MaskMonday,
	rrule.TU.Day(): calsync.MaskTuesday,
	rrule.WE.Day(): calsync.MaskWednesday,
	rrule.TH.Day(): calsync.MaskThursday,
	rrule.FR.Day(): calsync.MaskFriday,
	rrule.SA.Day(): calsync.MaskSaturday,
	rrule.SU.Day(): calsync.MaskSunday,
}

var goWeekdayMasks = map[time.Weekday]calsync.WeekdayMask{
	time.Monday:    calsync.MaskMonday,
	time.Tuesday:   calsync.MaskTuesday,
	time.Wednesday: calsync.MaskWednesday,
	time.Thursday:  calsync.MaskThursday,
	time.Friday:    calsync.MaskFriday,
	time.Saturday:  calsync.MaskSaturday,
	time.Sunday:    calsync.MaskSunday,
}

// weekdayMask folds BYDAY into the bitmask, falling back to the start date's
// weekday when the rule names none.
func weekdayMask(days []rrule.Weekday, start time.Time) calsync.WeekdayMask {
	var mask calsync.WeekdayMask
	for _, day := range days {
		mask |= rruleWeekdayMasks[day.Day()]
	}
	if mask == 0 {
		mask = goWeekdayMasks[start.Weekday()]
	}
	return mask
}

func firstOr(values []int, fallback int) int {
	if len(values) > 0 {
		return values[0]
	}
	return fallback
}
