// Package events defines the typed event schema and the in-process fan-out
// bus that carries runtime events to any subscribed frontend.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event.
type Type string

const (
	TypeInfo        Type = "Info"
	TypeMessage     Type = "Message"
	TypeAction      Type = "Action"
	TypeObservation Type = "Observation"
	TypeStatus      Type = "Status"
	TypeWarning     Type = "Warning"
	TypeError       Type = "Error"
)

// Status tracks the lifecycle of the activity an event describes.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Event is the unit dispatched on the bus. The ID is fresh per event unless
// the producer is replaying chunks of one streaming segment, in which case
// the ID stays stable across chunks and changes when the content type
// switches.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Status    Status                 `json:"status"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Role      string                 `json:"role,omitempty"`
	ToolName  string                 `json:"tool_name,omitempty"`
	ToolArgs  map[string]interface{} `json:"tool_args,omitempty"`
	Component string                 `json:"component,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New creates an event with a fresh ID and the current timestamp.
func New(typ Type, status Status, content string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Status:    status,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewWithID creates an event reusing an existing segment ID.
func NewWithID(id string, typ Type, status Status, content string) Event {
	e := New(typ, status, content)
	e.ID = id
	return e
}

// Message creates an assistant message event.
func Message(id string, status Status, content string) Event {
	e := NewWithID(id, TypeMessage, status, content)
	e.Role = "assistant"
	return e
}

// Action creates a tool-invocation event.
func Action(status Status, content, toolName string, toolArgs map[string]interface{}) Event {
	e := New(TypeAction, status, content)
	e.ToolName = toolName
	e.ToolArgs = toolArgs
	return e
}

// Observation creates a tool-result event.
func Observation(toolName, result string) Event {
	e := New(TypeObservation, StatusSuccess, result)
	e.ToolName = toolName
	return e
}

// StatusEvent creates a component status event.
func StatusEvent(component string, status Status, content string) Event {
	e := New(TypeStatus, status, content)
	e.Component = component
	return e
}

// Warning creates a warning event.
func Warning(content string) Event {
	return New(TypeWarning, StatusSuccess, content)
}

// Error creates a failed error event.
func Error(content string) Event {
	return New(TypeError, StatusFailed, content)
}
