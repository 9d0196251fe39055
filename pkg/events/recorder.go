package events

import (
	"time"

	"github.com/camctl/cam/pkg/log"
	"github.com/camctl/cam/pkg/types"
)

// appender is the slice of the store the recorder needs
type appender interface {
	AppendSystemEvent(event *types.SystemEvent) error
}

// Recorder appends every published event to the system-events audit table.
// The table is append-only and never read back by the control plane.
type Recorder struct {
	store appender
	actor string
}

// NewRecorder creates a recorder writing events attributed to actor
func NewRecorder(store appender, actor string) *Recorder {
	return &Recorder{store: store, actor: actor}
}

// Publish implements Publisher. Append failures are logged and swallowed;
// losing an audit row must never stall a status transition.
func (r *Recorder) Publish(eventType string, payload map[string]any) {
	err := r.store.AppendSystemEvent(&types.SystemEvent{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		Actor:     r.actor,
	})
	if err != nil {
		logger := log.WithComponent("events")
		logger.Error().Err(err).
			Str("event_type", eventType).Msg("failed to append system event")
	}
}
