package reminder

import (
	"fmt"
	"time"

	"github.com/tdnguyen/datekeeper/internal/model"
)

// occurrenceLayout renders the event date inside a reminder body.
const occurrenceLayout = "Jan 2"

// buildPayload assembles the notification content for one reminder offset
// of an event. occurrence is the event date the reminder counts down to.
func buildPayload(ev *model.Event, daysBefore int, occurrence time.Time) Payload {
	return Payload{
		EventID:  ev.ID,
		Title:    ev.Title,
		Body:     body(ev.Title, daysBefore, occurrence),
		Priority: PriorityFor(daysBefore),
	}
}

func body(title string, daysBefore int, occurrence time.Time) string {
	switch daysBefore {
	case 0:
		return fmt.Sprintf("Today is %s!", title)
	case 1:
		return fmt.Sprintf("1 day until %s (%s)", title, occurrence.Format(occurrenceLayout))
	default:
		return fmt.Sprintf("%d days until %s (%s)", daysBefore, title, occurrence.Format(occurrenceLayout))
	}
}
