// Package audit provides the append-only audit trail for fund movements and
// privileged protocol actions.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single audit record. Amounts are decimal strings so the trail
// stays readable and lossless regardless of token precision.
type Event struct {
	ID        string            `json:"id"`
	Time      time.Time         `json:"time"`
	Operation string            `json:"operation"`
	Actor     string            `json:"actor,omitempty"`
	Token     string            `json:"token,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// NewEvent builds an event with a fresh ID and the current time.
func NewEvent(operation, actor, token string, fields map[string]string) Event {
	return Event{
		ID:        uuid.NewString(),
		Time:      time.Now().UTC(),
		Operation: operation,
		Actor:     actor,
		Token:     token,
		Fields:    fields,
	}
}

// Recorder accepts audit events. Implementations must be safe for
// concurrent use and must never reorder events from a single caller.
type Recorder interface {
	Record(e Event) error
}

// Query extends Recorder with read access for the audit API surface.
type Query interface {
	Recorder
	// Recent returns up to limit most recent events, newest last.
	Recent(limit int) []Event
	// ByOperation returns all recorded events for one operation name.
	ByOperation(operation string) []Event
}
