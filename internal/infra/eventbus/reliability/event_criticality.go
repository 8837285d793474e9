// Package reliability classifies job lifecycle events by how much their
// delivery matters to consumers.
package reliability

import (
	"github.com/ahrav/qark-armada/internal/domain/events"
	"github.com/ahrav/qark-armada/internal/domain/scanning"
)

// IsCriticalEvent reports whether losing an event of this type would leave
// consumers with a wrong view of a job. Critical events are creations and
// terminal transitions, which no later event repeats. Status changes are
// superseded by the next transition and may be dropped.
func IsCriticalEvent(eventType events.EventType) bool {
	switch eventType {
	case scanning.EventTypeJobCreated,
		scanning.EventTypeJobCompleted,
		scanning.EventTypeJobFailed,
		scanning.EventTypeJobDeleted:
		return true

	case scanning.EventTypeJobStatusChanged:
		return false

	default:
		return false
	}
}
