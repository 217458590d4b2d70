// Package reconcile merges optimistic local mutations with authoritative
// change events from the remote store.
//
// Each entity has a server-confirmed snapshot and at most one optimistic
// overlay. The visible state is the snapshot with the overlay's fields on top.
//
// Mutation lifecycle:
//
//	Idle -> OptimisticallyApplied -> Confirmed   (change event echoes the mutation id)
//	                              -> Reverted    (Revert after the write was abandoned)
//	                              -> Conflicted  (Conflict adopts the store's current row)
//
// Conflicts are last-writer-wins on the store's updated_at timestamp: an event
// strictly older than the last one applied to the entity is ignored, so
// redelivered or reordered events never move an entity backwards.
package reconcile

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/tether/internal/clock"
	"github.com/steveyegge/tether/internal/remote"
)

// Cause describes why an entity's visible state changed.
type Cause int

const (
	// CauseOptimistic means a local mutation was applied ahead of the server.
	CauseOptimistic Cause = iota
	// CauseConfirmed means the server echoed a pending local mutation.
	CauseConfirmed
	// CauseRemote means a change made elsewhere was merged.
	CauseRemote
	// CauseReverted means a pending mutation was rolled back.
	CauseReverted
	// CauseDeleted means the server removed the entity.
	CauseDeleted
	// CauseConflict means the store rejected a pending mutation as
	// conflicting and its current row replaced the overlay.
	CauseConflict
)

func (c Cause) String() string {
	switch c {
	case CauseOptimistic:
		return "optimistic"
	case CauseConfirmed:
		return "confirmed"
	case CauseRemote:
		return "remote"
	case CauseReverted:
		return "reverted"
	case CauseDeleted:
		return "deleted"
	case CauseConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Overlay is a pending optimistic mutation.
type Overlay struct {
	MutationID string
	Patch      remote.Row
	// Supersedes lists earlier pending mutations this overlay replaced.
	Supersedes []string
	AppliedAt  time.Time
}

func (o *Overlay) carries(mutationID string) bool {
	if o == nil || mutationID == "" {
		return false
	}
	if o.MutationID == mutationID {
		return true
	}
	for _, id := range o.Supersedes {
		if id == mutationID {
			return true
		}
	}
	return false
}

// EntityState is the reconciled state of one entity.
type EntityState struct {
	Key         string
	Confirmed   remote.Row
	ConfirmedAt time.Time
	Deleted     bool
	Overlay     *Overlay
}

// View returns the visible row: the confirmed snapshot with the overlay applied.
func (s EntityState) View() remote.Row {
	if s.Overlay == nil {
		return s.Confirmed.Clone()
	}
	return s.Confirmed.Merge(s.Overlay.Patch)
}

// Pending reports whether an optimistic mutation awaits confirmation.
func (s EntityState) Pending() bool {
	return s.Overlay != nil
}

// Change is delivered to subscribers whenever an entity's state changes.
type Change struct {
	Key        string
	View       remote.Row
	Deleted    bool
	Pending    bool
	Cause      Cause
	MutationID string
	// Err is set when Cause is CauseReverted or CauseConflict.
	Err error
}

// Config holds reconciler configuration.
type Config struct {
	// Invalidate is called with every cache key affected by an applied change.
	Invalidate func(keys ...string)

	// KeysFor returns extra cache keys to invalidate for an entity, beyond the
	// entity key itself (e.g. list queries containing it). Optional.
	KeysFor func(entityKey string, view remote.Row) []string

	// Clock stamps Overlay.AppliedAt (default: real clock)
	Clock clock.Clock

	// Logger for reconciler activity (default: stderr with "[reconcile] " prefix)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Clock:  clock.Real(),
		Logger: log.New(os.Stderr, "[reconcile] ", log.LstdFlags),
	}
}

type entity struct {
	confirmed   remote.Row
	confirmedAt time.Time
	deleted     bool
	overlay     *Overlay
}

func (e *entity) state(key string) EntityState {
	s := EntityState{
		Key:         key,
		Confirmed:   e.confirmed.Clone(),
		ConfirmedAt: e.confirmedAt,
		Deleted:     e.deleted,
	}
	if e.overlay != nil {
		o := *e.overlay
		o.Patch = o.Patch.Clone()
		o.Supersedes = append([]string(nil), o.Supersedes...)
		s.Overlay = &o
	}
	return s
}

// Reconciler holds the view state for one subscriber.
type Reconciler struct {
	invalidate func(keys ...string)
	keysFor    func(string, remote.Row) []string
	clock      clock.Clock
	logger     *log.Logger

	mu       sync.Mutex
	entities map[string]*entity
	subs     map[int]func(Change)
	nextSub  int

	// Changes are delivered in the order they were made, by one goroutine
	// at a time. Calls made while another delivery is running only queue.
	queue      []Change
	delivering bool
}

// New creates an empty reconciler.
func New(cfg *Config) *Reconciler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	defaults := DefaultConfig()
	logger := cfg.Logger
	if logger == nil {
		logger = defaults.Logger
	}
	clk := cfg.Clock
	if clk == nil {
		clk = defaults.Clock
	}
	return &Reconciler{
		invalidate: cfg.Invalidate,
		keysFor:    cfg.KeysFor,
		clock:      clk,
		logger:     logger,
		entities:   make(map[string]*entity),
		subs:       make(map[int]func(Change)),
	}
}

// Subscribe registers fn for state changes. The returned function unsubscribes.
func (r *Reconciler) Subscribe(fn func(Change)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Seed installs confirmed rows fetched from the store without notifying
// subscribers. Rows older than the current snapshot are ignored.
func (r *Reconciler) Seed(resource string, rows []remote.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		key := remote.Key(resource, row.ID())
		e := r.entity(key)
		at := row.UpdatedAt()
		if !e.confirmedAt.IsZero() && at.Before(e.confirmedAt) {
			continue
		}
		e.confirmed = row.Clone()
		e.confirmedAt = at
		e.deleted = false
	}
}

// ApplyOptimistic records a local mutation ahead of the server. A pending
// overlay on the same entity is replaced; the new overlay keeps the old
// overlay's fields and remembers the mutation it superseded.
func (r *Reconciler) ApplyOptimistic(entityKey, mutationID string, patch remote.Row) error {
	if entityKey == "" || mutationID == "" {
		return fmt.Errorf("%w: entity key and mutation id are required", remote.ErrConfiguration)
	}

	r.mu.Lock()
	e := r.entity(entityKey)
	o := &Overlay{
		MutationID: mutationID,
		Patch:      patch.Clone(),
		AppliedAt:  r.clock.Now(),
	}
	if prev := e.overlay; prev != nil {
		o.Patch = prev.Patch.Merge(patch)
		o.Supersedes = append(append([]string(nil), prev.Supersedes...), prev.MutationID)
	}
	e.overlay = o
	e.deleted = false
	change := Change{
		Key:        entityKey,
		View:       e.state(entityKey).View(),
		Pending:    true,
		Cause:      CauseOptimistic,
		MutationID: mutationID,
	}
	r.queue = append(r.queue, change)
	r.mu.Unlock()

	r.deliver()
	return nil
}

// ApplyEvent merges an authoritative change event. It reports whether the
// visible state changed. Applying the same event twice has the same effect
// as applying it once.
func (r *Reconciler) ApplyEvent(ev remote.Event) bool {
	meta := ev.Meta()
	key := remote.Key(meta.Resource, meta.EntityID())
	mutationID := meta.MutationID()

	r.mu.Lock()
	e := r.entity(key)
	before := e.state(key)

	stale := !e.confirmedAt.IsZero() && meta.At.Before(e.confirmedAt)
	cause := CauseRemote

	switch ev.(type) {
	case remote.DeleteEvent:
		if stale {
			break
		}
		if e.overlay != nil {
			r.logger.Printf("Discarding pending mutation %s on deleted %s", e.overlay.MutationID, key)
		}
		// The tombstone keeps confirmedAt so an older insert cannot
		// resurrect the entity.
		e.confirmed = nil
		e.confirmedAt = meta.At
		e.deleted = true
		e.overlay = nil
		cause = CauseDeleted

	case remote.InsertEvent, remote.UpdateEvent:
		if e.overlay.carries(mutationID) {
			cause = CauseConfirmed
			if e.overlay.MutationID == mutationID {
				e.overlay = nil
			} else {
				e.overlay.Supersedes = without(e.overlay.Supersedes, mutationID)
			}
		}
		if stale {
			break
		}
		if _, isInsert := ev.(remote.InsertEvent); isInsert || e.confirmed == nil {
			e.confirmed = meta.Row.Clone()
		} else {
			e.confirmed = e.confirmed.Merge(meta.Row)
		}
		e.confirmedAt = meta.At
		e.deleted = false
	}

	after := e.state(key)
	changed := !reflect.DeepEqual(before, after)
	if !changed {
		r.mu.Unlock()
		return false
	}
	change := Change{
		Key:        key,
		View:       after.View(),
		Deleted:    after.Deleted,
		Pending:    after.Pending(),
		Cause:      cause,
		MutationID: mutationID,
	}
	r.queue = append(r.queue, change)
	r.mu.Unlock()

	r.deliver()
	return true
}

// Revert drops the overlay carrying mutationID, restoring the last confirmed
// snapshot. It reports whether an overlay was removed.
func (r *Reconciler) Revert(mutationID string, cause error) bool {
	r.mu.Lock()
	key, e := r.carrier(mutationID)
	if e == nil {
		r.mu.Unlock()
		return false
	}
	e.overlay = nil
	change := Change{
		Key:        key,
		View:       e.state(key).View(),
		Deleted:    e.deleted,
		Cause:      CauseReverted,
		MutationID: mutationID,
		Err:        cause,
	}
	if e.confirmed == nil && !e.deleted {
		// The entity only existed optimistically.
		delete(r.entities, key)
		change.Deleted = true
	}
	r.queue = append(r.queue, change)
	r.mu.Unlock()

	r.logger.Printf("Reverted mutation %s on %s: %v", mutationID, key, cause)
	r.deliver()
	return true
}

// Conflict drops the overlay carrying mutationID, which the store refused
// as conflicting, and adopts current as the confirmed snapshot. A nil current
// means the entity no longer exists. A current row stamped older than the
// snapshot is ignored. It reports whether an overlay was removed.
func (r *Reconciler) Conflict(mutationID string, current remote.Row, cause error) bool {
	r.mu.Lock()
	key, e := r.carrier(mutationID)
	if e == nil {
		r.mu.Unlock()
		return false
	}
	e.overlay = nil
	switch {
	case current == nil:
		e.confirmed = nil
		e.deleted = true
	case e.confirmedAt.IsZero() || current.UpdatedAt().IsZero() || !current.UpdatedAt().Before(e.confirmedAt):
		e.confirmed = current.Clone()
		if at := current.UpdatedAt(); !at.IsZero() {
			e.confirmedAt = at
		}
		e.deleted = false
	}
	change := Change{
		Key:        key,
		View:       e.state(key).View(),
		Deleted:    e.deleted,
		Cause:      CauseConflict,
		MutationID: mutationID,
		Err:        cause,
	}
	if e.confirmed == nil && !e.deleted {
		delete(r.entities, key)
		change.Deleted = true
	}
	r.queue = append(r.queue, change)
	r.mu.Unlock()

	r.logger.Printf("Mutation %s on %s conflicted, adopted server state: %v", mutationID, key, cause)
	r.deliver()
	return true
}

func (r *Reconciler) carrier(mutationID string) (string, *entity) {
	for k, e := range r.entities {
		if e.overlay.carries(mutationID) {
			return k, e
		}
	}
	return "", nil
}

// Get returns the state of one entity.
func (r *Reconciler) Get(entityKey string) (EntityState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[entityKey]
	if !ok || (e.deleted && e.overlay == nil) {
		return EntityState{}, false
	}
	return e.state(entityKey), true
}

// Owns reports whether mutationID is pending on one of this reconciler's entities.
func (r *Reconciler) Owns(mutationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entities {
		if e.overlay.carries(mutationID) {
			return true
		}
	}
	return false
}

// Entities returns every live entity, sorted by key.
func (r *Reconciler) Entities() []EntityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EntityState, 0, len(r.entities))
	for key, e := range r.entities {
		if e.deleted && e.overlay == nil {
			continue
		}
		out = append(out, e.state(key))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Reconciler) entity(key string) *entity {
	e, ok := r.entities[key]
	if !ok {
		e = &entity{}
		r.entities[key] = e
	}
	return e
}

func (r *Reconciler) subscribers() []func(Change) {
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Change), len(ids))
	for i, id := range ids {
		out[i] = r.subs[id]
	}
	return out
}

func (r *Reconciler) invalidateFor(key string, view remote.Row) {
	if r.invalidate == nil {
		return
	}
	keys := []string{key}
	if r.keysFor != nil {
		keys = append(keys, r.keysFor(key, view)...)
	}
	r.invalidate(keys...)
}

// deliver invalidates and publishes queued changes in order. If another
// goroutine (or a subscriber further up this stack) is already delivering,
// it picks up the queued changes instead.
func (r *Reconciler) deliver() {
	r.mu.Lock()
	if r.delivering {
		r.mu.Unlock()
		return
	}
	r.delivering = true
	for len(r.queue) > 0 {
		c := r.queue[0]
		r.queue = r.queue[1:]
		subs := r.subscribers()
		r.mu.Unlock()

		r.invalidateFor(c.Key, c.View)
		for _, fn := range subs {
			r.call(fn, c)
		}

		r.mu.Lock()
	}
	r.queue = nil
	r.delivering = false
	r.mu.Unlock()
}

func (r *Reconciler) call(fn func(Change), c Change) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("Recovered from panic in subscriber for %s: %v", c.Key, p)
		}
	}()
	fn(c)
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
