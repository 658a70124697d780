package calsync

import (
	"context"
	"fmt"

	"github.com/calmirror/calmirror/internal/mapstore"
)

// ExceptionStats summarizes one series' reconciliation.
type ExceptionStats struct {
	Synced    int
	Unchanged int
	Failed    int
}

// ExceptionReconciler brings the per-occurrence exceptions of one recurring
// series into parity with the source. Failures are per exception: one bad
// occurrence never stops the rest of the series.
type ExceptionReconciler struct {
	Destination DestinationStore
	Logger      Logger
}

// Reconcile walks the source exceptions of an already-synced series. The
// entry must exist: being asked to reconcile an unmapped series is a
// contract violation, not a recoverable condition.
func (r *ExceptionReconciler) Reconcile(ctx context.Context, src *SourceItem, entry *mapstore.Entry, seriesID string) (ExceptionStats, error) {
	var stats ExceptionStats
	if entry == nil {
		return stats, fmt.Errorf("%w: %s", ErrNotMapped, src.ID)
	}
	if src.Recurrence == nil {
		return stats, nil
	}
	entry.EnsureExceptions()

	for _, ex := range src.Recurrence.Exceptions {
		dateKey := DateKey(ex.OriginalDate)
		ref, known := entry.Exceptions[dateKey]
		if known {
			deletedAndSynced := ex.Deleted && ref.ID == nil
			otherAndSynced := !ex.Deleted && ex.Override != nil &&
				ref.LastSync == Stamp(ex.Override.LastModified)
			if deletedAndSynced || otherAndSynced {
				stats.Unchanged++
				continue
			}
		}

		if err := r.applyException(ctx, src, entry, seriesID, ex, dateKey); err != nil {
			r.logf("    [%s]: ERROR syncing exception on %s: %v", src.Subject, dateKey, err)
			stats.Failed++
			continue
		}
		stats.Synced++
	}
	return stats, nil
}

func (r *ExceptionReconciler) applyException(ctx context.Context, src *SourceItem, entry *mapstore.Entry, seriesID string, ex SourceException, dateKey string) error {
	if !ex.Deleted && ex.Override == nil {
		return fmt.Errorf("exception on %s is not deleted but carries no override", dateKey)
	}
	occurrence, err := r.resolveOccurrence(ctx, entry, seriesID, ex, dateKey)
	if err != nil {
		return err
	}
	if occurrence == nil {
		return fmt.Errorf("%w: %s", ErrNoInstance, dateKey)
	}

	if ex.Deleted {
		if err := r.Destination.DeleteEvent(ctx, occurrence.ID); err != nil {
			return err
		}
		entry.Exceptions[dateKey] = mapstore.ExceptionRef{ID: nil}
		return nil
	}

	override := ex.Override
	occurrence.SeriesMasterID = seriesID
	occurrence.Type = EventException
	occurrence.Subject = override.Subject
	occurrence.Location = override.Location
	occurrence.Start = override.Start
	occurrence.End = override.End
	occurrence.ReminderOn = override.ReminderSet
	if override.ReminderSet {
		occurrence.ReminderMinutes = override.ReminderMinutes
	}
	if err := r.Destination.UpdateEvent(ctx, occurrence); err != nil {
		return err
	}
	id := occurrence.ID
	entry.Exceptions[dateKey] = mapstore.ExceptionRef{ID: &id, LastSync: Stamp(override.LastModified)}
	return nil
}

// resolveOccurrence prefers the previously recorded destination id: ids are
// stable once assigned even when the occurrence's date later shifts. Only a
// never-mapped date falls back to the nearest-instance lookup.
func (r *ExceptionReconciler) resolveOccurrence(ctx context.Context, entry *mapstore.Entry, seriesID string, ex SourceException, dateKey string) (*DestinationItem, error) {
	if ref, ok := entry.Exceptions[dateKey]; ok && ref.ID != nil {
		occurrence, err := r.Destination.GetEvent(ctx, *ref.ID)
		if err == nil {
			return occurrence, nil
		}
		// A vanished instance is resolved fresh below; other failures stop
		// this exception only.
		if !isNotFound(err) {
			return nil, err
		}
	}

	from := ex.OriginalDate.AddDate(0, 0, -1)
	to := ex.OriginalDate.AddDate(0, 0, 1)
	instances, err := r.Destination.Instances(ctx, seriesID, from, to)
	if err != nil {
		return nil, err
	}
	for i := range instances {
		if DateKey(instances[i].Start.In(ex.OriginalDate.Location())) == dateKey {
			return &instances[i], nil
		}
	}
	return nil, nil
}

func (r *ExceptionReconciler) logf(format string, args ...any) {
	if r.Logger == nil {
		return
	}
	r.Logger.Printf(format, args...)
}
