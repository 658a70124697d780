package remotecal

import (
	"fmt"
	"time"

	"github.com/calmirror/calmirror/internal/calsync"
)

const wireTimeLayout = "2006-01-02T15:04:05.9999999"

// wireDateTime is the API's zoned timestamp pair.
type wireDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

func toWireDateTime(t time.Time) wireDateTime {
	return wireDateTime{
		DateTime: t.Format(wireTimeLayout),
		TimeZone: t.Location().String(),
	}
}

func (w wireDateTime) toTime() (time.Time, error) {
	loc, err := time.LoadLocation(w.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(wireTimeLayout, w.DateTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing event time %q: %w", w.DateTime, err)
	}
	return t, nil
}

type wireLocation struct {
	DisplayName string `json:"displayName"`
}

type wirePattern struct {
	Type           string   `json:"type"`
	Interval       int      `json:"interval"`
	DaysOfWeek     []string `json:"daysOfWeek,omitempty"`
	DayOfMonth     int      `json:"dayOfMonth,omitempty"`
	Month          int      `json:"month,omitempty"`
	Index          string   `json:"index,omitempty"`
	FirstDayOfWeek string   `json:"firstDayOfWeek,omitempty"`
}

type wireRange struct {
	Type                string `json:"type"`
	StartDate           string `json:"startDate,omitempty"`
	EndDate             string `json:"endDate,omitempty"`
	NumberOfOccurrences int    `json:"numberOfOccurrences,omitempty"`
}

type wireRecurrence struct {
	Pattern wirePattern `json:"pattern"`
	Range   wireRange   `json:"range"`
}

type wireEvent struct {
	ID              string          `json:"id,omitempty"`
	Subject         string          `json:"subject"`
	Location        *wireLocation   `json:"location,omitempty"`
	Start           *wireDateTime   `json:"start,omitempty"`
	End             *wireDateTime   `json:"end,omitempty"`
	IsAllDay        bool            `json:"isAllDay"`
	ShowAs          string          `json:"showAs,omitempty"`
	IsReminderOn    bool            `json:"isReminderOn"`
	ReminderMinutes int             `json:"reminderMinutesBeforeStart,omitempty"`
	Recurrence      *wireRecurrence `json:"recurrence,omitempty"`
	SeriesMasterID  string          `json:"seriesMasterId,omitempty"`
	Type            string          `json:"type,omitempty"`
}

// weekIndexNames is the API's relative-instance vocabulary, addressed by the
// zero-based index the engine uses.
var weekIndexNames = []string{"first", "second", "third", "fourth", "last"}

func indexName(index int) string {
	if index < 0 || index >= len(weekIndexNames) {
		return weekIndexNames[0]
	}
	return weekIndexNames[index]
}

func indexValue(name string) int {
	for i, candidate := range weekIndexNames {
		if candidate == name {
			return i
		}
	}
	return 0
}

func eventFromItem(item *calsync.DestinationItem) *wireEvent {
	event := &wireEvent{
		ID:           item.ID,
		Subject:      item.Subject,
		IsAllDay:     item.AllDay,
		ShowAs:       string(item.Busy),
		IsReminderOn: item.ReminderOn,
		Type:         string(item.Type),
	}
	if item.Location != "" {
		event.Location = &wireLocation{DisplayName: item.Location}
	}
	if !item.Start.IsZero() {
		start := toWireDateTime(item.Start)
		event.Start = &start
	}
	if !item.End.IsZero() {
		end := toWireDateTime(item.End)
		event.End = &end
	}
	if item.ReminderOn {
		event.ReminderMinutes = item.ReminderMinutes
	}
	if item.SeriesMasterID != "" {
		event.SeriesMasterID = item.SeriesMasterID
	}
	if item.Recurrence != nil {
		event.Recurrence = recurrenceFromItem(item.Recurrence)
	}
	return event
}

func recurrenceFromItem(rec *calsync.Recurrence) *wireRecurrence {
	pattern := wirePattern{
		Type:     string(rec.Type),
		Interval: rec.Interval,
	}
	for _, day := range rec.DaysOfWeek {
		pattern.DaysOfWeek = append(pattern.DaysOfWeek, string(day))
	}
	switch rec.Type {
	case calsync.PatternAbsoluteMonthly:
		pattern.DayOfMonth = rec.DayOfMonth
	case calsync.PatternRelativeMonthly:
		pattern.Index = indexName(rec.Index)
	case calsync.PatternAbsoluteYearly:
		pattern.DayOfMonth = rec.DayOfMonth
		pattern.Month = rec.Month
	case calsync.PatternRelativeYearly:
		pattern.Index = indexName(rec.Index)
		pattern.Month = rec.Month
	}

	r := wireRange{StartDate: rec.StartDate}
	switch rec.RangeType {
	case calsync.RangeNumbered:
		r.Type = "numbered"
		r.NumberOfOccurrences = rec.Occurrences
	case calsync.RangeEndDate:
		r.Type = "endDate"
		r.EndDate = rec.EndDate
	default:
		r.Type = "noEnd"
	}
	return &wireRecurrence{Pattern: pattern, Range: r}
}

func (e *wireEvent) toItem() (*calsync.DestinationItem, error) {
	item := &calsync.DestinationItem{
		ID:             e.ID,
		Subject:        e.Subject,
		AllDay:         e.IsAllDay,
		Busy:           calsync.BusyStatus(e.ShowAs),
		ReminderOn:     e.IsReminderOn,
		SeriesMasterID: e.SeriesMasterID,
		Type:           calsync.EventType(e.Type),
	}
	if e.Location != nil {
		item.Location = e.Location.DisplayName
	}
	if e.IsReminderOn {
		item.ReminderMinutes = e.ReminderMinutes
	}
	if e.Start != nil {
		start, err := e.Start.toTime()
		if err != nil {
			return nil, err
		}
		item.Start = start
	}
	if e.End != nil {
		end, err := e.End.toTime()
		if err != nil {
			return nil, err
		}
		item.End = end
	}
	if e.Recurrence != nil {
		item.Recurrence = recurrenceToItem(e.Recurrence)
	}
	return item, nil
}

func recurrenceToItem(rec *wireRecurrence) *calsync.Recurrence {
	out := &calsync.Recurrence{
		Type:       calsync.PatternType(rec.Pattern.Type),
		Interval:   rec.Pattern.Interval,
		DayOfMonth: rec.Pattern.DayOfMonth,
		Month:      rec.Pattern.Month,
		Index:      indexValue(rec.Pattern.Index),
		StartDate:  rec.Range.StartDate,
	}
	for _, day := range rec.Pattern.DaysOfWeek {
		out.DaysOfWeek = append(out.DaysOfWeek, calsync.Weekday(day))
	}
	switch rec.Range.Type {
	case "numbered":
		out.RangeType = calsync.RangeNumbered
		out.Occurrences = rec.Range.NumberOfOccurrences
	case "endDate":
		out.RangeType = calsync.RangeEndDate
		out.EndDate = rec.Range.EndDate
	default:
		out.RangeType = calsync.RangeNoEnd
	}
	return out
}
