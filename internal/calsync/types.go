package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConfigured     = errors.New("no destination calendar configured")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrSourceUnavailable = errors.New("source store unavailable")
	ErrRemoteUnavailable = errors.New("destination store unavailable")
	ErrPassInFlight      = errors.New("sync pass already running")
	ErrNotMapped         = errors.New("source item has no mapping entry")
	ErrNotFound          = errors.New("not found")
	ErrNoInstance        = errors.New("no destination instance found for exception date")
)

// ItemError wraps the failure of a single appointment with the chain of
// operations that had been attempted when it failed. The chain is a log
// breadcrumb, never used for control flow.
type ItemError struct {
	Subject string
	Chain   string
	Err     error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("syncing [%s]: %v (operations: %s)", e.Subject, e.Err, e.Chain)
}

func (e *ItemError) Unwrap() error { return e.Err }

type BusyStatus string

const (
	BusyFree        BusyStatus = "free"
	BusyTentative   BusyStatus = "tentative"
	BusyBusy        BusyStatus = "busy"
	BusyOutOfOffice BusyStatus = "oof"
	BusyUnknown     BusyStatus = "unknown"
)

// RecurrenceType is the source store's recurrence vocabulary.
type RecurrenceType string

const (
	RecursDaily    RecurrenceType = "daily"
	RecursWeekly   RecurrenceType = "weekly"
	RecursMonthly  RecurrenceType = "monthly"
	RecursMonthNth RecurrenceType = "monthNth"
	RecursYearly   RecurrenceType = "yearly"
	RecursYearNth  RecurrenceType = "yearNth"
)

// PatternType is the destination store's recurrence vocabulary.
type PatternType string

const (
	PatternDaily           PatternType = "daily"
	PatternWeekly          PatternType = "weekly"
	PatternAbsoluteMonthly PatternType = "absoluteMonthly"
	PatternRelativeMonthly PatternType = "relativeMonthly"
	PatternAbsoluteYearly  PatternType = "absoluteYearly"
	PatternRelativeYearly  PatternType = "relativeYearly"
)

type RangeType string

const (
	RangeNoEnd    RangeType = "noEnd"
	RangeNumbered RangeType = "numbered"
	RangeEndDate  RangeType = "endDate"
)

// EventType tags a destination item as a plain appointment, the master
// object of a recurring series, or a single modified occurrence.
type EventType string

const (
	EventSingle       EventType = "singleInstance"
	EventSeriesMaster EventType = "seriesMaster"
	EventException    EventType = "exception"
)

type Weekday string

const (
	Monday    Weekday = "monday"
	Tuesday   Weekday = "tuesday"
	Wednesday Weekday = "wednesday"
	Thursday  Weekday = "thursday"
	Friday    Weekday = "friday"
	Saturday  Weekday = "saturday"
	Sunday    Weekday = "sunday"
)

// WeekdayMask is the source store's day-of-week bitmask, Monday through
// Sunday in bit order.
type WeekdayMask int

const (
	MaskMonday WeekdayMask = 1 << iota
	MaskTuesday
	MaskWednesday
	MaskThursday
	MaskFriday
	MaskSaturday
	MaskSunday
)

// SourcePattern describes a recurring series as the source store reports it.
type SourcePattern struct {
	Type          RecurrenceType
	Interval      int
	DayOfWeekMask WeekdayMask
	DayOfMonth    int
	MonthOfYear   int
	// Instance is the one-based relative instance ("1st/2nd/.../last") for
	// the monthNth and yearNth types.
	Instance  int
	StartDate time.Time
	NoEnd     bool
	// Occurrences bounds the range when non-negative; a negative value means
	// the range is bounded by EndDate instead.
	Occurrences int
	EndDate     time.Time
	Exceptions  []SourceException
}

// SourceException is one occurrence of a recurring series that deviates from
// the pattern: either cancelled outright or overridden with different fields.
type SourceException struct {
	OriginalDate time.Time
	Deleted      bool
	Override     *SourceItem
}

// SourceItem is a read-only view of one appointment in the source store.
type SourceItem struct {
	ID              string
	Subject         string
	Location        string
	Start           time.Time
	End             time.Time
	AllDay          bool
	Busy            BusyStatus
	ReminderSet     bool
	ReminderMinutes int
	LastModified    time.Time
	Recurrence      *SourcePattern
}

func (it *SourceItem) IsRecurring() bool {
	return it.Recurrence != nil
}

// Recurrence is the destination-side recurrence description, produced by
// TranslatePattern. StartDate and EndDate are date-only strings so that two
// translations of the same pattern compare equal regardless of zone.
type Recurrence struct {
	Type        PatternType
	Interval    int
	DaysOfWeek  []Weekday
	DayOfMonth  int
	Month       int
	Index       int
	StartDate   string
	RangeType   RangeType
	Occurrences int
	EndDate     string
}

// DestinationItem is the mutable representation of one appointment in the
// destination store. ID is assigned by the destination on creation.
type DestinationItem struct {
	ID              string
	Subject         string
	Location        string
	Start           time.Time
	End             time.Time
	AllDay          bool
	Busy            BusyStatus
	ReminderOn      bool
	ReminderMinutes int
	Recurrence      *Recurrence
	SeriesMasterID  string
	Type            EventType
}

// SourceStore enumerates appointments from the authoritative store. The
// returned slice is a complete snapshot; an error means the store is
// unreachable and the pass must abort.
type SourceStore interface {
	ListAppointments(ctx context.Context) ([]SourceItem, error)
}

// DestinationStore is the remote calendar collaborator. ListEvents and
// Instances drain all pages before returning; the engine never diffs
// against a partial snapshot.
type DestinationStore interface {
	ListEvents(ctx context.Context, calendarID string) ([]DestinationItem, error)
	GetEvent(ctx context.Context, id string) (*DestinationItem, error)
	AddEvent(ctx context.Context, calendarID string, item *DestinationItem) error
	UpdateEvent(ctx context.Context, item *DestinationItem) error
	DeleteEvent(ctx context.Context, id string) error
	Instances(ctx context.Context, seriesID string, from, to time.Time) ([]DestinationItem, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

// PassState is the orchestrator's externally visible state.
type PassState string

const (
	StateIdle       PassState = "idle"
	StateLoading    PassState = "loading_snapshot"
	StateDiffing    PassState = "diffing"
	StateApplying   PassState = "applying"
	StateExceptions PassState = "reconciling_exceptions"
	StatePersisting PassState = "persisting"
	StateDone       PassState = "done"
	StateAborted    PassState = "aborted"
)

// CurrentDataVersion changes whenever the set of synced fields changes. A
// persisted map written under a different version triggers one full resync.
const CurrentDataVersion = "2026.08.1"

const dateLayout = "2006-01-02"

// Stamp renders a modification timestamp the way the identity map stores it.
// Map comparisons are verbatim string equality on this form, never parsed
// time comparison.
func Stamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// DateKey truncates a timestamp to its calendar date, the key form used for
// per-occurrence exception bookkeeping.
func DateKey(t time.Time) string {
	return t.Format(dateLayout)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
