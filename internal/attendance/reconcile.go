package attendance

import (
	"context"
	"fmt"
	"time"

	"timeclock/internal/device"
)

// StatusPresent is the only status written by ingestion; absence is derived
// at report time.
const StatusPresent = "present"

// Event is a persisted reconciliation result. A nil StudentID marks an orphan
// punch that matched nobody on the roster.
type Event struct {
	ID          int64  `json:"id"`
	StudentID   *int64 `json:"student_id"`
	Timestamp   string `json:"timestamp"`
	Status      string `json:"status"`
	LateMinutes int    `json:"late_minutes"`
}

// Roster resolves device-side identifiers to student ids.
type Roster interface {
	FindByDeviceUserID(ctx context.Context, id string) (*int64, error)
	FindByNationalID(ctx context.Context, id string) (*int64, error)
}

// EventStore persists attendance events. A nil student id is a key value in
// its own right: two orphan events with the same timestamp collide.
type EventStore interface {
	Exists(ctx context.Context, studentID *int64, timestamp string) (bool, error)
	InsertIfAbsent(ctx context.Context, evt Event) (bool, error)
}

// Reconciler matches punches to students and stores each (student, timestamp)
// pair at most once.
type Reconciler struct {
	roster Roster
	events EventStore
	loc    *time.Location
}

// NewReconciler creates a Reconciler that evaluates lateness in loc.
func NewReconciler(roster Roster, events EventStore, loc *time.Location) *Reconciler {
	if loc == nil {
		loc = time.Local
	}
	return &Reconciler{roster: roster, events: events, loc: loc}
}

// Match resolves the punch to a student id, or nil when nothing matches.
// Lookups run in order: device id, work code as national id, device id as
// national id (some devices are provisioned with the national id as user code).
func (r *Reconciler) Match(ctx context.Context, p device.Punch) (*int64, error) {
	if p.DeviceUserID != "" {
		id, err := r.roster.FindByDeviceUserID(ctx, p.DeviceUserID)
		if err != nil || id != nil {
			return id, err
		}
	}
	if p.WorkCode != "" {
		id, err := r.roster.FindByNationalID(ctx, p.WorkCode)
		if err != nil || id != nil {
			return id, err
		}
	}
	if p.DeviceUserID != "" {
		return r.roster.FindByNationalID(ctx, p.DeviceUserID)
	}
	return nil, nil
}

// Store reconciles one punch against scheduleStart ("HH:MM") and reports
// whether a new event was written. Duplicates are skipped without error.
func (r *Reconciler) Store(ctx context.Context, p device.Punch, scheduleStart string) (bool, error) {
	studentID, err := r.Match(ctx, p)
	if err != nil {
		return false, fmt.Errorf("match punch: %w", err)
	}
	exists, err := r.events.Exists(ctx, studentID, p.Timestamp)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		return false, nil
	}
	stored, err := r.events.InsertIfAbsent(ctx, Event{
		StudentID:   studentID,
		Timestamp:   p.Timestamp,
		Status:      StatusPresent,
		LateMinutes: ComputeDelay(scheduleStart, r.wallClock(p.Timestamp)),
	})
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return stored, nil
}

// wallClock renders the punch time as local "HH:MM"; an unparseable
// timestamp maps to midnight so it is never counted late.
func (r *Reconciler) wallClock(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return "00:00"
	}
	return t.In(r.loc).Format("15:04")
}
