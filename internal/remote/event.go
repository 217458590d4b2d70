package remote

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChangeType is the kind of change carried by an Event.
type ChangeType int

const (
	// ChangeInsert indicates a new row.
	ChangeInsert ChangeType = iota
	// ChangeUpdate indicates an existing row changed.
	ChangeUpdate
	// ChangeDelete indicates a row was removed.
	ChangeDelete
)

// String returns the wire name of the change type.
func (ct ChangeType) String() string {
	switch ct {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseChangeType parses a wire name, case-insensitively.
func ParseChangeType(s string) (ChangeType, error) {
	switch strings.ToLower(s) {
	case "insert":
		return ChangeInsert, nil
	case "update":
		return ChangeUpdate, nil
	case "delete":
		return ChangeDelete, nil
	default:
		return 0, fmt.Errorf("%w: unknown change type %q", ErrValidation, s)
	}
}

// Change is the data common to every event.
type Change struct {
	Resource string
	Row      Row
	At       time.Time
}

// EntityID returns the id of the changed row.
func (c Change) EntityID() string { return c.Row.ID() }

// MutationID returns the client mutation identity, or "" for foreign changes.
func (c Change) MutationID() string { return c.Row.MutationID() }

// Event is a validated change event. The set of implementations is closed.
type Event interface {
	// Type returns the change type.
	Type() ChangeType
	// Meta returns the common change data.
	Meta() Change

	sealed()
}

// InsertEvent reports a newly created row.
type InsertEvent struct{ Change }

// UpdateEvent reports a modified row. Row carries the authoritative fields.
type UpdateEvent struct{ Change }

// DeleteEvent reports a removed row. Row carries at least the id.
type DeleteEvent struct{ Change }

func (InsertEvent) Type() ChangeType { return ChangeInsert }
func (UpdateEvent) Type() ChangeType { return ChangeUpdate }
func (DeleteEvent) Type() ChangeType { return ChangeDelete }

func (e InsertEvent) Meta() Change { return e.Change }
func (e UpdateEvent) Meta() Change { return e.Change }
func (e DeleteEvent) Meta() Change { return e.Change }

func (InsertEvent) sealed() {}
func (UpdateEvent) sealed() {}
func (DeleteEvent) sealed() {}

// NewEvent validates the parts of a change and builds the matching Event.
//
// The row must carry an id. The authoritative timestamp is taken from the
// row's updated_at field; when absent, at is used instead. A change with no
// timestamp at all is rejected, since ordering decisions depend on it.
func NewEvent(ct ChangeType, resource string, row Row, at time.Time) (Event, error) {
	if resource == "" {
		return nil, fmt.Errorf("%w: event resource is required", ErrValidation)
	}
	if row.ID() == "" {
		return nil, fmt.Errorf("%w: event row has no id", ErrValidation)
	}
	if ts := row.UpdatedAt(); !ts.IsZero() {
		at = ts
	}
	if at.IsZero() {
		return nil, fmt.Errorf("%w: event for %s:%s has no timestamp", ErrValidation, resource, row.ID())
	}

	c := Change{Resource: resource, Row: row, At: at}
	switch ct {
	case ChangeInsert:
		return InsertEvent{c}, nil
	case ChangeUpdate:
		return UpdateEvent{c}, nil
	case ChangeDelete:
		return DeleteEvent{c}, nil
	default:
		return nil, fmt.Errorf("%w: unknown change type %d", ErrValidation, ct)
	}
}

// wireEvent is the JSON shape of an event on the network.
type wireEvent struct {
	ChangeType string    `json:"change_type"`
	Resource   string    `json:"resource"`
	Row        Row       `json:"row"`
	At         time.Time `json:"at,omitempty"`
}

// DecodeEvent parses and validates a JSON event received from the network.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: malformed event: %v", ErrValidation, err)
	}
	ct, err := ParseChangeType(w.ChangeType)
	if err != nil {
		return nil, err
	}
	return NewEvent(ct, w.Resource, w.Row, w.At)
}

// EncodeEvent renders an event in the wire format accepted by DecodeEvent.
func EncodeEvent(ev Event) ([]byte, error) {
	m := ev.Meta()
	return json.Marshal(wireEvent{
		ChangeType: ev.Type().String(),
		Resource:   m.Resource,
		Row:        m.Row,
		At:         m.At,
	})
}
