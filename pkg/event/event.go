package event

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	// SubjectRemovedName is the subject lifecycle signal emitted when a
	// contact is deleted from the platform.  Any non-terminal execution for
	// the subject is cancelled on receipt.
	SubjectRemovedName = "contact/contact.removed"
)

// Event is the envelope for both trigger events and domain events.  Trigger
// events name a workflow; domain events (tag added, purchase completed, …)
// do not, and are matched against goal criteria instead.
type Event struct {
	// Name identifies the event type, eg. "contact/tag.added".
	Name string `json:"name"`
	// TenantID scopes the event; every row the engine persists carries it.
	TenantID uuid.UUID `json:"tenant_id"`
	// WorkflowID is set on trigger events only.
	WorkflowID *uuid.UUID `json:"workflow_id,omitempty"`
	// SubjectID identifies the contact the event concerns.
	SubjectID uuid.UUID `json:"subject_id"`
	// Data is the event payload.
	Data map[string]any `json:"data"`
	// ID deduplicates the event at ingest, if supplied.
	ID string `json:"id,omitempty"`
	// Timestamp is the time the event occurred at millisecond precision.
	// Zero means "on receipt".
	Timestamp int64 `json:"ts,omitempty"`
}

func (e Event) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("event name is required")
	}
	if e.TenantID == uuid.Nil {
		return fmt.Errorf("event tenant_id is required")
	}
	if e.SubjectID == uuid.Nil {
		return fmt.Errorf("event subject_id is required")
	}
	return nil
}

// IsTrigger returns whether the event addresses a specific workflow.
func (e Event) IsTrigger() bool {
	return e.WorkflowID != nil && *e.WorkflowID != uuid.Nil
}

// Time returns the event's occurred-at time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Map returns the event as expression input data.
func (e Event) Map() map[string]any {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"name":       e.Name,
		"data":       data,
		"subject_id": e.SubjectID.String(),
		"ts":         float64(e.Timestamp),
	}
}

// NewEvent parses an event from raw JSON.
func NewEvent(byt []byte) (*Event, error) {
	evt := &Event{}
	if err := json.Unmarshal(byt, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// TrackedEvent wraps an ingested event with an internal ULID, assigned once
// on receipt.
type TrackedEvent struct {
	id    ulid.ULID
	event Event
}

func NewTrackedEvent(e Event) TrackedEvent {
	id, err := ulid.Parse(e.ID)
	if err != nil {
		id = ulid.MustNew(ulid.Now(), rand.Reader)
	}
	if e.ID == "" {
		e.ID = id.String()
	}
	return TrackedEvent{id: id, event: e}
}

func (t TrackedEvent) InternalID() ulid.ULID {
	return t.id
}

func (t TrackedEvent) Event() Event {
	return t.event
}
