package calsync

// TranslatePattern converts a source recurrence description into the
// destination vocabulary. It is pure: the classifier reuses it to build a
// synthetic source-shaped recurrence purely for diffing.
func TranslatePattern(p *SourcePattern) Recurrence {
	if p == nil {
		return Recurrence{}
	}
	out := Recurrence{
		Type:      TranslatePatternType(p.Type),
		StartDate: p.StartDate.Format(dateLayout),
	}

	switch p.Type {
	case RecursDaily:
		// Nothing beyond interval and range.
	case RecursWeekly:
		out.DaysOfWeek = DecodeWeekdayMask(p.DayOfWeekMask)
	case RecursMonthly:
		out.DayOfMonth = p.DayOfMonth
	case RecursMonthNth:
		// "Every second Tuesday, every 2 months": the source reports the
		// instance one-based, the destination wants it zero-based.
		out.Index = p.Instance - 1
		out.DaysOfWeek = DecodeWeekdayMask(p.DayOfWeekMask)
	case RecursYearly:
		out.DayOfMonth = p.DayOfMonth
		out.Month = p.MonthOfYear
	case RecursYearNth:
		out.Index = p.Instance - 1
		out.DaysOfWeek = DecodeWeekdayMask(p.DayOfWeekMask)
		out.Month = p.MonthOfYear
	}

	out.Interval = p.Interval
	if out.Interval <= 0 {
		out.Interval = 1
	}
	switch {
	case p.NoEnd:
		out.RangeType = RangeNoEnd
	case p.Occurrences >= 0:
		out.RangeType = RangeNumbered
		out.Occurrences = p.Occurrences
	default:
		out.RangeType = RangeEndDate
		out.EndDate = p.EndDate.Format(dateLayout)
	}
	return out
}

// TranslatePatternType maps the source recurrence-type enum onto the
// destination one. Unknown values fall back to daily, matching how the
// source store reports the simplest pattern.
func TranslatePatternType(t RecurrenceType) PatternType {
	switch t {
	case RecursWeekly:
		return PatternWeekly
	case RecursMonthly:
		return PatternAbsoluteMonthly
	case RecursMonthNth:
		return PatternRelativeMonthly
	case RecursYearly:
		return PatternAbsoluteYearly
	case RecursYearNth:
		return PatternRelativeYearly
	default:
		return PatternDaily
	}
}

// DecodeWeekdayMask expands the source bitmask into an ordered weekday set,
// Monday through Sunday.
func DecodeWeekdayMask(mask WeekdayMask) []Weekday {
	ordered := []struct {
		bit WeekdayMask
		day Weekday
	}{
		{MaskMonday, Monday},
		{MaskTuesday, Tuesday},
		{MaskWednesday, Wednesday},
		{MaskThursday, Thursday},
		{MaskFriday, Friday},
		{MaskSaturday, Saturday},
		{MaskSunday, Sunday},
	}
	var out []Weekday
	for _, entry := range ordered {
		if mask&entry.bit != 0 {
			out = append(out, entry.day)
		}
	}
	return out
}

func weekdaysEqual(a, b []Weekday) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
