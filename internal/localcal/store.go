// Package localcal reads the source calendar from a directory of ICS files.
// Each file may hold any number of VEVENTs; recurring series carry their
// overrides as sibling VEVENTs sharing the master's UID.
package localcal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/calmirror/calmirror/internal/calsync"
)

// Store implements calsync.SourceStore over a directory of .ics files. Every
// listing re-reads the directory; the store keeps no state between calls.
type Store struct {
	Dir    string
	Logger calsync.Logger
}

func NewStore(dir string, logger calsync.Logger) *Store {
	return &Store{Dir: dir, Logger: logger}
}

// Available reports whether the source directory can be read.
func (s *Store) Available() error {
	info, err := os.Stat(s.Dir)
	if err != nil {
		return fmt.Errorf("%w: %v", calsync.ErrSourceUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", calsync.ErrSourceUnavailable, s.Dir)
	}
	return nil
}

// ListAppointments parses every .ics file under the directory into a
// snapshot. A file that fails to parse is logged and skipped; an unreadable
// directory aborts the listing.
func (s *Store) ListAppointments(ctx context.Context) ([]calsync.SourceItem, error) {
	paths, err := filepath.Glob(filepath.Join(s.Dir, "*.ics"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", calsync.ErrSourceUnavailable, err)
	}
	if _, err := os.Stat(s.Dir); err != nil {
		return nil, fmt.Errorf("%w: %v", calsync.ErrSourceUnavailable, err)
	}
	sort.Strings(paths)

	masters := map[string]*calsync.SourceItem{}
	var order []string
	overrides := map[string][]parsedEvent{}

	for _, path := range paths {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		events, err := s.parseFile(path)
		if err != nil {
			s.logf("skipping %s: %v", filepath.Base(path), err)
			continue
		}
		for _, ev := range events {
			if ev.recurrenceID != nil {
				overrides[ev.uid] = append(overrides[ev.uid], ev)
				continue
			}
			if _, seen := masters[ev.uid]; seen {
				s.logf("duplicate UID %s in %s, keeping the first", ev.uid, filepath.Base(path))
				continue
			}
			masters[ev.uid] = ev.toItem()
			order = append(order, ev.uid)
		}
	}

	items := make([]calsync.SourceItem, 0, len(order))
	for _, uid := range order {
		item := masters[uid]
		attachOverrides(item, overrides[uid])
		items = append(items, *item)
	}
	return items, nil
}

// parsedEvent is one VEVENT lifted out of the ICS structure.
type parsedEvent struct {
	uid          string
	subject      string
	location     string
	start        time.Time
	end          time.Time
	allDay       bool
	busy         calsync.BusyStatus
	reminderSet  bool
	reminderMins int
	lastModified time.Time
	rawRRule     string
	exDates      []time.Time
	recurrenceID *time.Time
}

func (s *Store) parseFile(path string) ([]parsedEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cal, err := ical.ParseCalendar(f)
	if err != nil {
		return nil, err
	}

	var events []parsedEvent
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(ve)
		if err != nil {
			s.logf("%s: bad VEVENT: %v", filepath.Base(path), err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (parsedEvent, error) {
	var out parsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, fmt.Errorf("missing UID")
	}
	out.uid = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.subject = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.location = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("bad DTSTART: %w", err)
	}
	out.start = start
	if end, err := ve.GetEndAt(); err == nil {
		out.end = end
	} else {
		out.end = start
	}

	if dtStart := ve.GetProperty(ical.ComponentPropertyDtStart); dtStart != nil {
		if params := dtStart.ICalParameters; params != nil {
			if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
				out.allDay = true
			}
		}
		if !strings.Contains(dtStart.Value, "T") {
			out.allDay = true
		}
	}

	out.busy = busyStatus(ve)
	out.reminderSet, out.reminderMins = reminder(ve)
	out.lastModified = lastModified(ve)

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.rawRRule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, out.start.Location()); err == nil {
				out.exDates = append(out.exDates, t)
			}
		}
	}
	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value, out.start.Location()); err == nil {
			out.recurrenceID = &t
		}
	}

	return out, nil
}

func busyStatus(ve *ical.VEvent) calsync.BusyStatus {
	if p := ve.GetProperty("X-MICROSOFT-CDO-BUSYSTATUS"); p != nil {
		switch strings.ToUpper(strings.TrimSpace(p.Value)) {
		case "FREE":
			return calsync.BusyFree
		case "TENTATIVE":
			return calsync.BusyTentative
		case "BUSY":
			return calsync.BusyBusy
		case "OOF":
			return calsync.BusyOutOfOffice
		}
	}
	if p := ve.GetProperty("TRANSP"); p != nil && strings.EqualFold(strings.TrimSpace(p.Value), "TRANSPARENT") {
		return calsync.BusyFree
	}
	return calsync.BusyBusy
}

// reminder reads the first display alarm's trigger. Only the common
// "-PT<n>M"/"-PT<n>H" relative forms are understood.
func reminder(ve *ical.VEvent) (bool, int) {
	for _, alarm := range ve.Alarms() {
		p := alarm.GetProperty("TRIGGER")
		if p == nil {
			continue
		}
		if minutes, ok := triggerMinutes(p.Value); ok {
			return true, minutes
		}
	}
	return false, 0
}

func triggerMinutes(value string) (int, bool) {
	value = strings.ToUpper(strings.TrimSpace(value))
	value = strings.TrimPrefix(value, "-")
	value = strings.TrimPrefix(value, "P")
	value = strings.TrimPrefix(value, "T")
	if value == "" {
		return 0, false
	}
	unit := value[len(value)-1]
	var n int
	if _, err := fmt.Sscanf(value[:len(value)-1], "%d", &n); err != nil {
		return 0, false
	}
	switch unit {
	case 'M':
		return n, true
	case 'H':
		return n * 60, true
	case 'D':
		return n * 24 * 60, true
	}
	return 0, false
}

func lastModified(ve *ical.VEvent) time.Time {
	for _, name := range []ical.ComponentProperty{"LAST-MODIFIED", "DTSTAMP"} {
		p := ve.GetProperty(name)
		if p == nil {
			continue
		}
		if t, err := parseICSTime(p.Value, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, fmt.Errorf("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}

func (ev *parsedEvent) toItem() *calsync.SourceItem {
	item := &calsync.SourceItem{
		ID:              ev.uid,
		Subject:         ev.subject,
		Location:        ev.location,
		Start:           ev.start,
		End:             ev.end,
		AllDay:          ev.allDay,
		Busy:            ev.busy,
		ReminderSet:     ev.reminderSet,
		ReminderMinutes: ev.reminderMins,
		LastModified:    ev.lastModified,
	}
	if ev.rawRRule != "" {
		pattern, err := translateRRule(ev.rawRRule, ev.start)
		if err == nil {
			for _, ex := range ev.exDates {
				pattern.Exceptions = append(pattern.Exceptions, calsync.SourceException{
					OriginalDate: ex,
					Deleted:      true,
				})
			}
			item.Recurrence = pattern
		}
	}
	return item
}

// attachOverrides folds RECURRENCE-ID events into the master's exception
// list. An override of a non-recurring master is dropped.
func attachOverrides(item *calsync.SourceItem, overrides []parsedEvent) {
	if item.Recurrence == nil || len(overrides) == 0 {
		return
	}
	for i := range overrides {
		ov := &overrides[i]
		item.Recurrence.Exceptions = append(item.Recurrence.Exceptions, calsync.SourceException{
			OriginalDate: *ov.recurrenceID,
			Override:     ov.toItem(),
		})
		if ov.lastModified.After(item.LastModified) {
			item.LastModified = ov.lastModified
		}
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.Logger == nil {
		return
	}
	s.Logger.Printf(format, args...)
}
