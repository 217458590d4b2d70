// Package remote defines the contract tether consumes from the remote data store.
//
// The store is opaque: the engine fetches rows, inserts rows, invokes named
// procedures and subscribes to change events. It never relies on the store's
// query semantics beyond equality filters.
//
// # Rows
//
// A Row is a flat JSON object. Three fields are reserved:
//
//   - "id": the entity identifier, required on every row
//   - "updated_at": the authoritative timestamp (RFC3339Nano), set by the store
//   - "mutation_id": the client mutation that produced this version, echoed by the store
//
// # Change events
//
// Subscriptions deliver Events, a closed union of InsertEvent, UpdateEvent and
// DeleteEvent. Payloads arriving over the network are validated by DecodeEvent
// before they reach the reconciler, so consumers switch on the concrete type:
//
//	switch ev := ev.(type) {
//	case remote.InsertEvent:
//	case remote.UpdateEvent:
//	case remote.DeleteEvent:
//	}
//
// Delivery is at-least-once with no ordering guarantee.
package remote

import (
	"context"
	"fmt"
	"time"
)

// Reserved row fields.
const (
	FieldID         = "id"
	FieldUpdatedAt  = "updated_at"
	FieldMutationID = "mutation_id"
)

// Row is a single record exchanged with the remote store.
type Row map[string]any

// ID returns the row's entity identifier, or "" when absent.
func (r Row) ID() string {
	return r.String(FieldID)
}

// MutationID returns the client mutation identity echoed by the store.
func (r Row) MutationID() string {
	return r.String(FieldMutationID)
}

// UpdatedAt parses the authoritative timestamp. The zero time is returned
// when the field is absent or malformed.
func (r Row) UpdatedAt() time.Time {
	s := r.String(FieldUpdatedAt)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// String returns field as a string. Numbers are formatted; other types yield "".
func (r Row) String(field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case float64, int, int64:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

// Number returns field as a float64, accepting any numeric representation.
func (r Row) Number(field string) (float64, bool) {
	switch v := r[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with every field of patch applied on top.
func (r Row) Merge(patch Row) Row {
	out := make(Row, len(r)+len(patch))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Filter is an equality filter over row fields. An empty filter matches every row.
type Filter map[string]any

// Matches reports whether row satisfies every condition in the filter.
func (f Filter) Matches(row Row) bool {
	for k, want := range f {
		got, ok := row[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Store is the remote data store as seen by the engine.
//
// Implementations must wrap failures in the error taxonomy (ErrTransient,
// ErrValidation, ErrConflict, ErrNotFound) so callers can classify them.
type Store interface {
	// FetchMany returns every row of resource matching filter.
	FetchMany(ctx context.Context, resource string, filter Filter) ([]Row, error)

	// FetchOne returns a single row by id, or an error wrapping ErrNotFound.
	FetchOne(ctx context.Context, resource, id string) (Row, error)

	// InsertMany writes rows to resource in one call. Existing ids are updated.
	InsertMany(ctx context.Context, resource string, rows []Row) error

	// InvokeProcedure runs a named server-side procedure such as an atomic increment.
	InvokeProcedure(ctx context.Context, name string, args Row) (any, error)

	// Subscribe delivers change events for resource rows matching filter to
	// onEvent until the returned function is called or ctx is cancelled.
	Subscribe(ctx context.Context, resource string, filter Filter, onEvent func(Event)) (unsubscribe func(), err error)
}

// Key builds the conventional "<resource>:<id>" cache key. The engine treats
// keys as opaque; this is only the default template.
func Key(resource, id string) string {
	return resource + ":" + id
}
