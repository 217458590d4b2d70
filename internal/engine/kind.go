package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/tether/internal/batcher"
	"github.com/steveyegge/tether/internal/outbox"
	"github.com/steveyegge/tether/internal/remote"
)

// Kind describes one type of mutation a View accepts.
type Kind struct {
	// Name identifies the kind in Mutate calls.
	Name string

	// Resource is the remote resource the mutation writes to.
	Resource string

	// IDField names the payload field holding the entity id (default: "id").
	IDField string

	// Procedure, when set, sends each payload through InvokeProcedure
	// instead of InsertMany. Arguments are ProcedureArgs merged with the
	// payload plus "resource".
	Procedure     string
	ProcedureArgs remote.Row

	// Optimistic computes the overlay patch from the entity's current view
	// and the payload. Nil applies the payload itself for row writes and no
	// overlay for procedures.
	Optimistic func(current, payload remote.Row) remote.Row

	// Batch coalesces writes of this kind through the write coalescer.
	Batch bool

	// Delay overrides the coalescer's debounce window for this kind.
	Delay time.Duration

	// DedupeBy collapses a batch to the last payload per combination of
	// these fields.
	DedupeBy []string

	// Durable routes batched writes that run out of redrives, or that are
	// made while offline, through the offline queue.
	Durable bool
}

func (k Kind) entityID(payload remote.Row) string {
	field := k.IDField
	if field == "" {
		field = remote.FieldID
	}
	return payload.String(field)
}

func (k Kind) patch(current, payload remote.Row) remote.Row {
	if k.Optimistic != nil {
		return k.Optimistic(current, payload)
	}
	if k.Procedure != "" {
		return nil
	}
	p := payload.Clone()
	delete(p, remote.FieldMutationID)
	return p
}

// Increment returns an Optimistic function adding the payload's "by" field
// (default 1) to field. An empty field names the target through the
// payload's "field" value instead; a payload without one gets no overlay.
func Increment(field string) func(current, payload remote.Row) remote.Row {
	return func(current, payload remote.Row) remote.Row {
		field := field
		if field == "" {
			field = payload.String("field")
		}
		if field == "" {
			return nil
		}
		by, ok := payload.Number("by")
		if !ok {
			by = 1
		}
		n, _ := current.Number(field)
		return remote.Row{field: n + by}
	}
}

// RegisterKind installs a mutation kind, replacing any kind with the same name.
func (e *Engine) RegisterKind(k Kind) error {
	if k.Name == "" || k.Resource == "" {
		return fmt.Errorf("%w: kind needs a name and a resource", remote.ErrConfiguration)
	}

	if k.Batch {
		rule := batcher.Rule{
			Send: func(ctx context.Context, payloads []remote.Row) error {
				return e.send(ctx, k, payloads)
			},
			OnGiveUp: func(payloads []remote.Row, err error) {
				e.giveUp(k, payloads, err)
			},
		}
		if len(k.DedupeBy) > 0 {
			rule.Merge = batcher.DedupeBy(k.DedupeBy...)
		}
		if err := e.batcher.Register(k.Name, rule); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.kinds[k.Name] = k
	e.mu.Unlock()
	return nil
}

func (e *Engine) kind(name string) (Kind, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k, ok := e.kinds[name]
	return k, ok
}

// submit hands a stamped payload to the coalescer and/or the offline queue.
func (e *Engine) submit(k Kind, payload remote.Row) {
	if k.Batch && (!k.Durable || e.outbox.Online()) {
		if err := e.batcher.Add(k.Name, payload, k.Delay); err != nil {
			e.fail(k.Name, payload, err)
		}
		return
	}
	e.outbox.Enqueue(k.Name, payload)
}

// giveUp handles batched payloads the coalescer stopped retrying. It only
// ever receives payloads the store did not apply.
func (e *Engine) giveUp(k Kind, payloads []remote.Row, err error) {
	requeue := k.Durable && (remote.IsRetryable(err) || errors.Is(err, batcher.ErrStopped))
	for _, p := range payloads {
		if requeue {
			e.outbox.Enqueue(k.Name, p)
			continue
		}
		e.fail(k.Name, p, err)
	}
}

// sendQueued is the offline queue's transport.
func (e *Engine) sendQueued(ctx context.Context, w *outbox.PendingWrite) error {
	k, ok := e.kind(w.Kind)
	if !ok {
		return fmt.Errorf("%w: unknown mutation kind %q", remote.ErrConfiguration, w.Kind)
	}
	err := e.send(ctx, k, []remote.Row{w.Payload})
	var partial *batcher.BatchError
	if errors.As(err, &partial) && len(partial.Failed) == 1 {
		return partial.Failed[0].Err
	}
	return err
}

// send delivers payloads. Row kinds go out in one InsertMany call and succeed
// or fail together. Procedure kinds are invoked per payload and, when any
// fails, return a *batcher.BatchError naming only the failed payloads: the
// others were applied and must not be retried or reverted.
func (e *Engine) send(ctx context.Context, k Kind, payloads []remote.Row) error {
	if k.Procedure == "" {
		return e.store.InsertMany(ctx, k.Resource, payloads)
	}

	var failed []batcher.PayloadError
	for i, p := range payloads {
		args := k.ProcedureArgs.Merge(p)
		if _, ok := args["resource"]; !ok {
			args["resource"] = k.Resource
		}
		_, err := e.store.InvokeProcedure(ctx, k.Procedure, args)
		if err == nil {
			continue
		}
		err = fmt.Errorf("procedure %s: %w", k.Procedure, err)
		failed = append(failed, batcher.PayloadError{Payload: p, Err: err})
		if remote.IsRetryable(err) {
			// The store is unreachable; the rest would fail the same way
			// and are left for the redrive.
			for _, rest := range payloads[i+1:] {
				failed = append(failed, batcher.PayloadError{Payload: rest, Err: err})
			}
			break
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &batcher.BatchError{Failed: failed}
}
