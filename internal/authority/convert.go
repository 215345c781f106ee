package authority

import (
	"fmt"
	"time"

	"github.com/tdnguyen/datekeeper/internal/model"
)

const dateLayout = "2006-01-02"

// wireEvent is the JSON representation of an event on the authority's wire.
// The authority identifies records by its own id; localId carries the
// client-generated identity so acknowledgments can be matched back.
type wireEvent struct {
	ID         string                 `json:"id,omitempty"`
	LocalID    string                 `json:"localId,omitempty"`
	Title      string                 `json:"title"`
	Calendar   model.Calendar         `json:"calendar"`
	Date       string                 `json:"date"`
	Recurrence model.Recurrence       `json:"recurrence"`
	Reminders  model.ReminderSettings `json:"reminders"`
	Deleted    bool                   `json:"deleted,omitempty"`
	Version    int64                  `json:"version"`
	UpdatedAt  string                 `json:"updatedAt,omitempty"`
}

// wireConflict pairs the two versions of a record the authority refused to
// merge automatically.
type wireConflict struct {
	ClientEvent wireEvent `json:"clientEvent"`
	ServerEvent wireEvent `json:"serverEvent"`
}

type syncRequestBody struct {
	Events          []wireEvent `json:"events"`
	LastSyncVersion int64       `json:"lastSyncVersion"`
}

type syncResponseBody struct {
	ProcessedEvents []ProcessedEvent `json:"processedEvents"`
	ServerChanges   []wireEvent      `json:"serverChanges"`
	Conflicts       []wireConflict   `json:"conflicts"`
	LastSyncVersion int64            `json:"lastSyncVersion"`
}

type forceUpdateBody struct {
	Event wireEvent `json:"event"`
}

// eventToWire converts a local event to its wire form.
func eventToWire(ev *model.Event) wireEvent {
	w := wireEvent{
		ID:         ev.RemoteID,
		LocalID:    ev.ID,
		Title:      ev.Title,
		Calendar:   ev.Calendar,
		Date:       ev.Date.Format(dateLayout),
		Recurrence: ev.Recurrence,
		Reminders:  ev.Reminders,
		Deleted:    ev.Deleted,
		Version:    ev.Version,
	}
	if !ev.UpdatedAt.IsZero() {
		w.UpdatedAt = ev.UpdatedAt.Format(time.RFC3339)
	}
	return w
}

// wireToEvent converts a wire event to the local model. Records the
// authority created itself have no localId; the server id is used as the
// local identity then, so re-sent changes keep matching the same row.
func wireToEvent(w wireEvent) (*model.Event, error) {
	id := w.LocalID
	if id == "" {
		id = w.ID
	}
	if id == "" {
		return nil, fmt.Errorf("wire event has neither id nor localId")
	}

	date, err := time.Parse(dateLayout, w.Date)
	if err != nil {
		return nil, fmt.Errorf("parse date of event %s: %w", id, err)
	}

	ev := &model.Event{
		ID:         id,
		RemoteID:   w.ID,
		Title:      w.Title,
		Calendar:   w.Calendar,
		Date:       date,
		Recurrence: w.Recurrence,
		Reminders:  w.Reminders,
		Deleted:    w.Deleted,
		Version:    w.Version,
	}
	if w.UpdatedAt != "" {
		if t, parseErr := time.Parse(time.RFC3339, w.UpdatedAt); parseErr == nil {
			ev.UpdatedAt = t
		}
	}
	return ev, nil
}

func eventsToWire(events []*model.Event) []wireEvent {
	out := make([]wireEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, eventToWire(ev))
	}
	return out
}

func wireToEvents(wires []wireEvent) ([]*model.Event, error) {
	out := make([]*model.Event, 0, len(wires))
	for _, w := range wires {
		ev, err := wireToEvent(w)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
