package supervisor

import (
	"time"

	"github.com/tandem-sh/tandem/internal/runtime"
)

// EventType captures high level lifecycle notifications emitted while the
// pair is running.
type EventType string

const (
	EventTypeStarting EventType = "starting"
	EventTypeReady    EventType = "ready"
	EventTypeLog      EventType = "log"
	EventTypeStopping EventType = "stopping"
	EventTypeStopped  EventType = "stopped"
	EventTypeError    EventType = "error"
)

// Process labels attached to events.
const (
	ProcessServer     = "server"
	ProcessProxy      = "proxy"
	ProcessSupervisor = "tandem"
)

// Event represents a single lifecycle or log notification.
type Event struct {
	Timestamp time.Time
	Process   string
	Type      EventType
	Message   string
	Level     string
	Source    string
	Err       error
}

func (s *Supervisor) sendEvent(process string, t EventType, message string, err error) {
	level := "info"
	if t == EventTypeError {
		level = "error"
	}
	s.events <- Event{
		Timestamp: time.Now(),
		Process:   process,
		Type:      t,
		Message:   message,
		Level:     level,
		Source:    runtime.LogSourceSystem,
		Err:       err,
	}
}
