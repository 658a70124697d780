package calsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calmirror/calmirror/internal/mapstore"
)

// Options configures an Orchestrator for one (account, calendar) pair.
type Options struct {
	Account    string
	CalendarID string

	// DataVersion names the current shape of the synced data. When the
	// persisted map was written under a different version, the next pass
	// resyncs everything once and records the new version.
	DataVersion string

	// RetentionDays bounds how far back appointments are synced. Zero or
	// negative disables the filter.
	RetentionDays int

	// PurgeAgedOut deletes previously synced appointments once they fall
	// out of the retention window. Off by default: aged-out items are left
	// in place and merely stop being updated.
	PurgeAgedOut bool

	StrictRecurringTime bool

	// Clock is the time source, overridable in tests.
	Clock func() time.Time

	Logger Logger
}

// Orchestrator runs the one-way sync pass: source snapshot in, destination
// mutations and a persisted identity map out. At most one pass runs at a
// time; a second trigger is a logged no-op.
type Orchestrator struct {
	opts        Options
	source      SourceStore
	destination DestinationStore
	maps        mapstore.Backend

	mu          sync.Mutex
	running     bool
	state       PassState
	lastSummary *Summary
	forceNext   bool
}

func NewOrchestrator(source SourceStore, destination DestinationStore, maps mapstore.Backend, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Orchestrator{
		opts:        opts,
		source:      source,
		destination: destination,
		maps:        maps,
		state:       StateIdle,
	}
}

// State reports the current pass phase.
func (o *Orchestrator) State() PassState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastSummary returns the report of the most recently completed pass, or nil
// if none has run yet.
func (o *Orchestrator) LastSummary() *Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSummary
}

// ForceFullResync requests that the next pass bypass the unchanged fast
// path. The request is persisted so it survives a restart; when a pass is
// in flight the in-memory flag alone carries it.
func (o *Orchestrator) ForceFullResync() error {
	o.mu.Lock()
	o.forceNext = true
	running := o.running
	o.mu.Unlock()
	if running {
		return nil
	}
	table, err := o.maps.Load()
	if err != nil {
		return err
	}
	if table == nil {
		table = mapstore.NewTable()
	}
	table.ForceFull = true
	return o.maps.Save(table)
}

func (o *Orchestrator) beginPass() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrPassInFlight
	}
	o.running = true
	return nil
}

func (o *Orchestrator) endPass(state PassState, summary *Summary) {
	o.mu.Lock()
	o.running = false
	o.state = state
	if summary != nil {
		o.lastSummary = summary
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setState(s PassState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// exceptionWork is one recurring series queued for the exception phase.
type exceptionWork struct {
	src      *SourceItem
	entry    *mapstore.Entry
	seriesID string
}

// Run executes one full sync pass. A pass that aborts before the diff phase
// leaves both the destination and the identity map untouched.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	if err := o.beginPass(); err != nil {
		o.logf("Sync requested while a pass is running, ignoring.")
		return nil, err
	}

	started := o.opts.Clock()
	summary := &Summary{
		RunID:    uuid.NewString(),
		Account:  o.opts.Account,
		Calendar: o.opts.CalendarID,
		Started:  started,
	}

	state, err := o.runPass(ctx, summary)
	summary.Elapsed = o.opts.Clock().Sub(started)
	if state == StateDone {
		summary.LogTo(o.opts.Logger)
	}
	o.endPass(state, summary)
	return summary, err
}

func (o *Orchestrator) runPass(ctx context.Context, summary *Summary) (PassState, error) {
	if o.opts.CalendarID == "" {
		return StateAborted, ErrNotConfigured
	}

	o.setState(StateLoading)

	table, err := o.maps.Load()
	if err != nil {
		return StateAborted, fmt.Errorf("loading identity map: %w", err)
	}
	if table == nil {
		table = mapstore.NewTable()
	}

	// The purge phase later only considers events this engine created:
	// entries present in the map at cycle start.
	mappedAtStart := make(map[string]string, len(table.Entries))
	for sourceID, entry := range table.Entries {
		mappedAtStart[sourceID] = entry.ID
	}

	o.mu.Lock()
	forceFull := o.forceNext || table.ForceFull || table.DataVersion != o.opts.DataVersion
	o.forceNext = false
	o.mu.Unlock()
	if forceFull {
		o.logf("Performing a full resync.")
	}

	sourceItems, err := o.source.ListAppointments(ctx)
	if err != nil {
		return StateAborted, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	destItems, err := o.destination.ListEvents(ctx, o.opts.CalendarID)
	if err != nil {
		return StateAborted, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	o.setState(StateDiffing)

	cutoff, retain := o.retentionCutoff()
	if retain {
		o.dropOldExceptions(sourceItems, cutoff)
	}

	destByID := make(map[string]*DestinationItem, len(destItems))
	for i := range destItems {
		destByID[destItems[i].ID] = &destItems[i]
	}

	kept := make(map[string]bool, len(sourceItems))
	classifier := Classifier{StrictRecurringTime: o.opts.StrictRecurringTime}
	var exceptionQueue []exceptionWork

	o.setState(StateApplying)

	for i := range sourceItems {
		if ctx.Err() != nil {
			return StateAborted, ctx.Err()
		}
		src := &sourceItems[i]
		entry := table.Entries[src.ID]

		if retain && o.isAged(src, cutoff) {
			summary.SkippedOld++
			if entry != nil && !o.opts.PurgeAgedOut {
				kept[src.ID] = true
			}
			continue
		}

		var dst *DestinationItem
		if entry != nil {
			dst = destByID[entry.ID]
			if dst == nil {
				// The mapped event is gone from the destination. Reclaim the
				// orphaned entry by recreating from scratch.
				o.logf("[%s]: mapped event %s no longer exists, recreating.", src.Subject, entry.ID)
				entry = nil
			}
		}

		decision := classifier.Classify(src, dst, entry, forceFull)
		entry, err := o.apply(ctx, summary, table, src, dst, entry, decision)
		if err != nil {
			o.logf("%v", err)
			summary.Failed++
			if entry != nil {
				kept[src.ID] = true
			}
			continue
		}
		kept[src.ID] = true
		if entry != nil && src.IsRecurring() {
			exceptionQueue = append(exceptionQueue, exceptionWork{src: src, entry: entry, seriesID: entry.ID})
		}
	}

	// Purge only what this engine created: entries mapped at cycle start
	// whose source item was not reaffirmed this pass. Events the user added
	// to the destination calendar themselves are never touched.
	for sourceID, destID := range mappedAtStart {
		if ctx.Err() != nil {
			return StateAborted, ctx.Err()
		}
		if kept[sourceID] {
			continue
		}
		subject := destID
		if dst := destByID[destID]; dst != nil {
			subject = dst.Subject
		}
		err := o.destination.DeleteEvent(ctx, destID)
		switch {
		case err == nil:
			o.logf("[%s]: deleted, no longer present in the source calendar.", subject)
			summary.Deleted++
		case isNotFound(err):
			// Already gone; the entry is pruned below.
		default:
			o.logf("[%s]: ERROR deleting unclaimed event: %v", subject, err)
			summary.Failed++
			// Keep the entry so the purge is retried next pass.
			kept[sourceID] = true
		}
	}
	for sourceID := range table.Entries {
		if !kept[sourceID] {
			delete(table.Entries, sourceID)
		}
	}

	o.setState(StateExceptions)

	reconciler := &ExceptionReconciler{Destination: o.destination, Logger: o.opts.Logger}
	for _, work := range exceptionQueue {
		if ctx.Err() != nil {
			return StateAborted, ctx.Err()
		}
		stats, err := reconciler.Reconcile(ctx, work.src, work.entry, work.seriesID)
		if err != nil {
			o.logf("[%s]: ERROR reconciling series exceptions: %v", work.src.Subject, err)
			summary.Failed++
			continue
		}
		summary.ExceptionsSynced += stats.Synced
		summary.ExceptionsUnchanged += stats.Unchanged
		summary.Failed += stats.Failed
	}

	o.setState(StatePersisting)

	table.DataVersion = o.opts.DataVersion
	table.ForceFull = false
	if err := o.maps.Save(table); err != nil {
		return StateAborted, fmt.Errorf("persisting identity map: %w", err)
	}
	return StateDone, nil
}

// apply executes one classified action. It returns the entry now associated
// with the source item, which is nil only when a create failed outright.
func (o *Orchestrator) apply(ctx context.Context, summary *Summary, table *mapstore.Table, src *SourceItem, dst *DestinationItem, entry *mapstore.Entry, decision Decision) (*mapstore.Entry, error) {
	chain := &opChain{}

	switch decision.Action {
	case ActionSkip:
		summary.Unchanged++
		if decision.RefreshStamp {
			entry.LastSync = Stamp(src.LastModified)
		}
		return entry, nil

	case ActionUpdate:
		o.logf("[%s]: %s", src.Subject, decision.Reason)
		chain.add("update existing event")
		copySingleFields(dst, src)
		if err := o.destination.UpdateEvent(ctx, dst); err != nil {
			return entry, &ItemError{Subject: src.Subject, Chain: chain.String(), Err: err}
		}
		entry.LastSync = Stamp(src.LastModified)
		summary.Updated++
		return entry, nil

	case ActionRecreate:
		o.logf("[%s]: %s", src.Subject, decision.Reason)
		chain.add("delete outdated event")
		if err := o.destination.DeleteEvent(ctx, dst.ID); err != nil {
			return entry, &ItemError{Subject: src.Subject, Chain: chain.String(), Err: err}
		}
		delete(table.Entries, src.ID)
		fallthrough

	case ActionCreate:
		if decision.Action == ActionCreate {
			o.logf("[%s]: %s", src.Subject, decision.Reason)
		}
		chain.add("create event")
		created := buildDestinationItem(src)
		if err := o.createWithRetry(ctx, chain, created); err != nil {
			return nil, &ItemError{Subject: src.Subject, Chain: chain.String(), Err: err}
		}
		fresh := &mapstore.Entry{ID: created.ID, LastSync: Stamp(src.LastModified)}
		table.Entries[src.ID] = fresh
		summary.Updated++
		return fresh, nil
	}

	return entry, fmt.Errorf("unknown action %q for [%s]", decision.Action, src.Subject)
}

// createWithRetry retries a failed create exactly once, and only when the
// first attempt got far enough to assign an id. The half-created fragment is
// removed before the second attempt so the destination never holds two
// copies.
func (o *Orchestrator) createWithRetry(ctx context.Context, chain *opChain, item *DestinationItem) error {
	err := o.destination.AddEvent(ctx, o.opts.CalendarID, item)
	if err == nil || item.ID == "" {
		return err
	}
	chain.add("delete partially created event")
	if delErr := o.destination.DeleteEvent(ctx, item.ID); delErr != nil {
		o.logf("[%s]: could not remove partially created event %s: %v", item.Subject, item.ID, delErr)
	}
	item.ID = ""
	chain.add("retry create")
	return o.destination.AddEvent(ctx, o.opts.CalendarID, item)
}

// DeleteDestination removes one event from the destination calendar along
// with its identity-map entry. It refuses to run concurrently with a pass.
func (o *Orchestrator) DeleteDestination(ctx context.Context, destID string) error {
	if err := o.beginPass(); err != nil {
		return err
	}
	defer o.endPass(StateIdle, nil)

	if err := o.destination.DeleteEvent(ctx, destID); err != nil && !isNotFound(err) {
		return err
	}
	table, err := o.maps.Load()
	if err != nil || table == nil {
		return err
	}
	sourceID, _, ok := table.EntryByDestination(destID)
	if !ok {
		return nil
	}
	delete(table.Entries, sourceID)
	return o.maps.Save(table)
}

// DeleteAllDestination empties the destination calendar and resets the
// identity map. The next pass then mirrors the source from scratch.
func (o *Orchestrator) DeleteAllDestination(ctx context.Context) error {
	if err := o.beginPass(); err != nil {
		return err
	}
	defer o.endPass(StateIdle, nil)

	items, err := o.destination.ListEvents(ctx, o.opts.CalendarID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	table, err := o.maps.Load()
	if err != nil {
		return err
	}
	if table == nil {
		table = mapstore.NewTable()
	}

	next := mapstore.NewTable()
	var failed int
	for i := range items {
		if err := o.destination.DeleteEvent(ctx, items[i].ID); err != nil && !isNotFound(err) {
			o.logf("[%s]: ERROR deleting event: %v", items[i].Subject, err)
			failed++
			// The survivor keeps its mapping so a later pass can purge it.
			if sourceID, entry, ok := table.EntryByDestination(items[i].ID); ok {
				next.Entries[sourceID] = entry
			}
		}
	}
	if err := o.maps.Save(next); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d events could not be deleted", failed)
	}
	return nil
}

func (o *Orchestrator) retentionCutoff() (time.Time, bool) {
	if o.opts.RetentionDays <= 0 {
		return time.Time{}, false
	}
	return o.opts.Clock().AddDate(0, 0, -o.opts.RetentionDays), true
}

// isAged reports whether the item lies entirely behind the retention cutoff.
// A series without an end never ages out.
func (o *Orchestrator) isAged(src *SourceItem, cutoff time.Time) bool {
	if !src.IsRecurring() {
		return src.End.Before(cutoff)
	}
	rec := src.Recurrence
	if rec.NoEnd || rec.EndDate.IsZero() {
		return false
	}
	return rec.EndDate.Before(cutoff)
}

// dropOldExceptions strips exceptions whose occurrence date is behind the
// cutoff so neither the classifier nor the exception phase considers them.
func (o *Orchestrator) dropOldExceptions(items []SourceItem, cutoff time.Time) {
	for i := range items {
		rec := items[i].Recurrence
		if rec == nil || len(rec.Exceptions) == 0 {
			continue
		}
		relevant := rec.Exceptions[:0:0]
		for _, ex := range rec.Exceptions {
			if !ex.OriginalDate.Before(cutoff) {
				relevant = append(relevant, ex)
			}
		}
		rec.Exceptions = relevant
	}
}

// buildDestinationItem converts a source appointment into the destination
// shape for creation.
func buildDestinationItem(src *SourceItem) *DestinationItem {
	item := &DestinationItem{
		Subject:         src.Subject,
		Location:        src.Location,
		Start:           src.Start,
		End:             src.End,
		AllDay:          src.AllDay,
		Busy:            src.Busy,
		ReminderOn:      src.ReminderSet,
		ReminderMinutes: src.ReminderMinutes,
		Type:            EventSingle,
	}
	if src.IsRecurring() {
		rec := TranslatePattern(src.Recurrence)
		item.Recurrence = &rec
		item.Type = EventSeriesMaster
	}
	return item
}

// copySingleFields overwrites the mutable fields of a non-recurring
// destination event in place.
func copySingleFields(dst *DestinationItem, src *SourceItem) {
	dst.Subject = src.Subject
	dst.Location = src.Location
	dst.Start = src.Start
	dst.End = src.End
	dst.AllDay = src.AllDay
	dst.Busy = src.Busy
	dst.ReminderOn = src.ReminderSet
	if src.ReminderSet {
		dst.ReminderMinutes = src.ReminderMinutes
	}
}

type opChain struct {
	steps []string
}

func (c *opChain) add(step string) {
	c.steps = append(c.steps, step)
}

func (c *opChain) String() string {
	return strings.Join(c.steps, ", ")
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.opts.Logger == nil {
		return
	}
	o.opts.Logger.Printf(format, args...)
}
