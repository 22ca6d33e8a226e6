package types

import "time"

// EventType identifies a lifecycle or execution event published by the
// server registry.
type EventType string

const (
	EventServerCreated      EventType = "server_created"       // EventServerCreated is emitted after a server record is created.
	EventServerDeleted      EventType = "server_deleted"       // EventServerDeleted is emitted after a server is removed.
	EventServerStateChanged EventType = "server_state_changed" // EventServerStateChanged carries the old and new lifecycle state.
	EventToolsChanged       EventType = "tools_changed"        // EventToolsChanged is emitted after a tool add, remove, or replace.
	EventExecutionStarted   EventType = "execution_started"    // EventExecutionStarted is emitted when a dispatch is admitted.
	EventExecutionFinished  EventType = "execution_finished"   // EventExecutionFinished carries the final outcome.
)

// Event is a single notification for presentation-layer subscribers.
type Event struct {
	Type      EventType      `json:"type"`
	ServerID  string         `json:"serverId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, serverID string, data map[string]any) Event {
	return Event{Type: t, ServerID: serverID, Timestamp: time.Now(), Data: data}
}
