package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/steveyegge/tether/internal/reconcile"
	"github.com/steveyegge/tether/internal/remote"
)

// ErrViewClosed is returned by Mutate on a closed View.
var ErrViewClosed = errors.New("view closed")

// View is one subscriber's reconciled copy of a resource. It owns a
// reconciler fed by the store's change events for the resource.
type View struct {
	engine   *Engine
	resource string
	filter   remote.Filter
	rec      *reconcile.Reconciler

	cancel      context.CancelFunc
	unsubscribe func()

	mu     sync.Mutex
	closed bool
}

// OpenView fetches the rows of resource matching filter, then follows their
// changes. A failed initial fetch is logged and the view starts empty; a
// failed subscription is returned.
func (e *Engine) OpenView(ctx context.Context, resource string, filter remote.Filter) (*View, error) {
	if resource == "" {
		return nil, fmt.Errorf("%w: view needs a resource", remote.ErrConfiguration)
	}

	v := &View{
		engine:   e,
		resource: resource,
		filter:   filter,
	}
	v.rec = reconcile.New(&reconcile.Config{
		Invalidate: func(keys ...string) {
			for _, k := range keys {
				e.cache.Delete(k)
			}
		},
		Clock:  e.clock,
		Logger: e.logger,
	})

	rows, err := e.store.FetchMany(ctx, resource, filter)
	if err != nil {
		e.logger.Printf("Warning: initial fetch of %s failed, view starts empty: %v", resource, err)
	} else {
		v.rec.Seed(resource, rows)
		for _, row := range rows {
			e.cache.Set(remote.Key(resource, row.ID()), row, e.cfg.DefaultTTL)
		}
	}

	subCtx, cancel := context.WithCancel(context.Background())
	unsubscribe, err := e.store.Subscribe(subCtx, resource, filter, v.handleEvent)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", resource, err)
	}
	v.cancel = cancel
	v.unsubscribe = unsubscribe

	e.mu.Lock()
	e.views[v] = struct{}{}
	e.mu.Unlock()
	return v, nil
}

// Resource returns the resource the view follows.
func (v *View) Resource() string { return v.resource }

// Mutate applies a mutation optimistically and submits it for delivery. It
// returns the mutation id; the outcome is observed through OnStateChange and
// the engine's OnSyncError. Only configuration problems are returned.
func (v *View) Mutate(kind string, payload remote.Row) (string, error) {
	e := v.engine
	if v.isClosed() {
		return "", ErrViewClosed
	}
	k, ok := e.kind(kind)
	if !ok {
		err := fmt.Errorf("%w: unknown mutation kind %q", remote.ErrConfiguration, kind)
		e.report(SyncError{Kind: kind, Payload: payload, Class: remote.ClassConfiguration, Err: err})
		return "", err
	}
	if k.Resource != v.resource {
		return "", fmt.Errorf("%w: kind %q writes %s, view follows %s", remote.ErrConfiguration, kind, k.Resource, v.resource)
	}

	mutationID := remote.NewID()
	stamped := payload.Clone()
	if stamped == nil {
		stamped = remote.Row{}
	}
	stamped[remote.FieldMutationID] = mutationID

	if id := k.entityID(stamped); id != "" {
		key := remote.Key(k.Resource, id)
		var current remote.Row
		if st, ok := v.rec.Get(key); ok {
			current = st.View()
		}
		if patch := k.patch(current, stamped); patch != nil {
			e.mu.Lock()
			e.owners[mutationID] = v
			e.mu.Unlock()
			if err := v.rec.ApplyOptimistic(key, mutationID, patch); err != nil {
				return "", err
			}
		}
	}

	e.submit(k, stamped)
	return mutationID, nil
}

// OnStateChange registers fn for every change of the view's entities.
// Handlers run with panic recovery. The returned function unsubscribes.
func (v *View) OnStateChange(fn func(reconcile.Change)) (unsubscribe func()) {
	return v.rec.Subscribe(func(c reconcile.Change) {
		v.engine.safeCall(func() { fn(c) })
	})
}

// Get returns the visible row for id.
func (v *View) Get(id string) (remote.Row, bool) {
	st, ok := v.rec.Get(remote.Key(v.resource, id))
	if !ok {
		return nil, false
	}
	return st.View(), true
}

// Rows returns every visible row, sorted by entity key.
func (v *View) Rows() []remote.Row {
	states := v.rec.Entities()
	out := make([]remote.Row, 0, len(states))
	for _, st := range states {
		out = append(out, st.View())
	}
	return out
}

// State returns the reconciled state of id, including any pending overlay.
func (v *View) State(id string) (reconcile.EntityState, bool) {
	return v.rec.Get(remote.Key(v.resource, id))
}

// Close stops following the resource. Writes the view submitted stay queued;
// if they fail, the failure is still reported through OnSyncError.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.unsubscribe()
	v.cancel()

	e := v.engine
	e.mu.Lock()
	delete(e.views, v)
	for id, owner := range e.owners {
		if owner == v {
			delete(e.owners, id)
		}
	}
	e.mu.Unlock()
}

func (v *View) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *View) handleEvent(ev remote.Event) {
	if v.isClosed() {
		return
	}
	e := v.engine
	if e.skipEvent(v, ev) {
		return
	}

	v.rec.ApplyEvent(ev)
	e.noteEvent(ev.Meta().At)

	if mutationID := ev.Meta().MutationID(); mutationID != "" && !v.rec.Owns(mutationID) {
		e.mu.Lock()
		if e.owners[mutationID] == v {
			delete(e.owners, mutationID)
		}
		e.mu.Unlock()
	}
}
