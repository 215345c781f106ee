// Package reminder bridges computed reminder instants to the platform
// notification scheduler. The platform is a collaborator behind the
// [Platform] interface; the [Scheduler] owns the full-replacement policy
// and the persisted handle bookkeeping.
package reminder

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// TriggerKind selects how a platform notification fires.
type TriggerKind string

const (
	// TriggerAbsolute fires once at an absolute instant.
	TriggerAbsolute TriggerKind = "absolute"
	// TriggerYearly repeats every year on the anchored month/day/time, so
	// the platform re-fires without this process running.
	TriggerYearly TriggerKind = "yearly"
)

// Trigger describes when a platform notification fires.
type Trigger struct {
	Kind TriggerKind

	// At is the first firing instant. For TriggerYearly the platform
	// anchors on At's month, day, and wall-clock time.
	At time.Time
}

// Priority grades a notification by urgency, derived from how close the
// reminder is to the event.
type Priority string

const (
	PriorityUrgent    Priority = "urgent"
	PriorityImportant Priority = "important"
	PriorityReminder  Priority = "reminder"
)

// PriorityFor maps a days-before offset to a priority tier.
func PriorityFor(daysBefore int) Priority {
	switch {
	case daysBefore == 0:
		return PriorityUrgent
	case daysBefore <= 3:
		return PriorityImportant
	default:
		return PriorityReminder
	}
}

// Payload is the notification content handed to the platform.
type Payload struct {
	EventID  string
	Title    string
	Body     string
	Priority Priority
}

// Platform is the notification scheduler collaborator.
type Platform interface {
	// Schedule registers a notification and returns an opaque handle for
	// later cancellation.
	Schedule(ctx context.Context, trigger Trigger, payload Payload) (handle string, err error)
	// Cancel revokes a single scheduled notification by handle.
	Cancel(ctx context.Context, handle string) error
	// CancelAll revokes every notification this process has scheduled.
	CancelAll(ctx context.Context) error
}

// LogPlatform is a Platform that only logs. It backs the daemon on hosts
// without a native notification scheduler and keeps the scheduling path
// exercised end to end.
type LogPlatform struct {
	log *slog.Logger
}

// NewLogPlatform creates a LogPlatform.
func NewLogPlatform(logger *slog.Logger) *LogPlatform {
	return &LogPlatform{log: logger}
}

func (p *LogPlatform) Schedule(ctx context.Context, trigger Trigger, payload Payload) (string, error) {
	handle := uuid.NewString()
	p.log.Info("scheduled notification",
		"handle", handle,
		"kind", trigger.Kind,
		"at", trigger.At,
		"event_id", payload.EventID,
		"priority", payload.Priority,
		"body", payload.Body,
	)
	return handle, nil
}

func (p *LogPlatform) Cancel(ctx context.Context, handle string) error {
	p.log.Info("cancelled notification", "handle", handle)
	return nil
}

func (p *LogPlatform) CancelAll(ctx context.Context) error {
	p.log.Info("cancelled all notifications")
	return nil
}
