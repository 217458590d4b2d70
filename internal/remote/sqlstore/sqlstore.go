// Package sqlstore implements remote.Store on top of the embedded SQLite database.
//
// It is the reference remote store: `tether serve` exposes it over the network
// through internal/remote/feed, and tests and the load generator run the engine
// against it directly. Every committed write is published as a change event to
// matching subscribers.
//
// Procedures are named server-side operations run inside a single transaction.
// Two are built in:
//
//	increment  {resource, id, field, by?, mutation_id?}  atomically adds by (default 1)
//	delete     {resource, id}                             removes a row
package sqlstore

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/steveyegge/tether/internal/db"
	"github.com/steveyegge/tether/internal/remote"
)

// Procedure is a named server-side operation.
type Procedure func(ctx context.Context, s *Store, args remote.Row) (any, error)

// Config holds store configuration.
type Config struct {
	// Logger for store activity (default: stderr with "[store] " prefix)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[store] ", log.LstdFlags),
	}
}

// Store is a remote.Store backed by SQLite.
type Store struct {
	db     *db.DB
	logger *log.Logger

	mu     sync.Mutex
	procs  map[string]Procedure
	subs   map[uint64]*subscriber
	nextID uint64
}

var _ remote.Store = (*Store)(nil)

// New creates a store over an initialized database.
func New(database *db.DB, cfg *Config) (*Store, error) {
	if database == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = DefaultConfig().Logger
	}

	s := &Store{
		db:     database,
		logger: cfg.Logger,
		procs:  make(map[string]Procedure),
		subs:   make(map[uint64]*subscriber),
	}
	s.procs["increment"] = incrementProc
	s.procs["delete"] = deleteProc
	return s, nil
}

// RegisterProcedure adds or replaces a named procedure.
func (s *Store) RegisterProcedure(name string, proc Procedure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[name] = proc
}

// FetchMany returns every row of resource matching filter.
func (s *Store) FetchMany(ctx context.Context, resource string, filter remote.Filter) ([]remote.Row, error) {
	rows, err := s.db.ListRowsContext(ctx, resource)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrTransient, err)
	}
	out := rows[:0]
	for _, row := range rows {
		if filter.Matches(row) {
			out = append(out, row)
		}
	}
	return out, nil
}

// FetchOne returns a single row by id.
func (s *Store) FetchOne(ctx context.Context, resource, id string) (remote.Row, error) {
	return s.db.GetRowContext(ctx, resource, id)
}

// InsertMany upserts rows and publishes one event per row.
func (s *Store) InsertMany(ctx context.Context, resource string, rows []remote.Row) error {
	if resource == "" {
		return fmt.Errorf("%w: resource is required", remote.ErrValidation)
	}
	changes, err := s.db.UpsertRowsContext(ctx, resource, rows)
	if err != nil {
		return err
	}
	for _, c := range changes {
		s.publish(resource, c)
	}
	return nil
}

// InvokeProcedure runs a registered procedure.
func (s *Store) InvokeProcedure(ctx context.Context, name string, args remote.Row) (any, error) {
	s.mu.Lock()
	proc, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown procedure %q", remote.ErrValidation, name)
	}
	return proc(ctx, s, args)
}

// Update applies fn to a row atomically and publishes the outcome. It is the
// building block for procedures.
func (s *Store) Update(ctx context.Context, resource, id string, fn func(remote.Row) (remote.Row, error)) (remote.Row, error) {
	if resource == "" || id == "" {
		return nil, fmt.Errorf("%w: resource and id are required", remote.ErrValidation)
	}
	change, err := s.db.UpdateRowContext(ctx, resource, id, fn)
	if err != nil {
		return nil, err
	}
	s.publish(resource, change)
	return change.Row, nil
}

// Subscribe delivers events for resource rows matching filter.
//
// Each subscriber has its own unbounded queue and delivery goroutine, so a
// slow callback never blocks writers and callbacks may write back to the store.
func (s *Store) Subscribe(ctx context.Context, resource string, filter remote.Filter, onEvent func(remote.Event)) (func(), error) {
	if onEvent == nil {
		return nil, fmt.Errorf("%w: onEvent cannot be nil", remote.ErrConfiguration)
	}

	sub := newSubscriber(resource, filter, onEvent)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = sub
	s.mu.Unlock()

	go sub.run(ctx)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-sub.done:
		}
	}()
	return unsubscribe, nil
}

// SubscriberCount returns the number of active subscriptions.
func (s *Store) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) publish(resource string, c db.RowChange) {
	ct := remote.ChangeUpdate
	switch {
	case c.Deleted:
		ct = remote.ChangeDelete
	case c.Created:
		ct = remote.ChangeInsert
	}
	ev, err := remote.NewEvent(ct, resource, c.Row.Clone(), c.Row.UpdatedAt())
	if err != nil {
		s.logger.Printf("Dropping unpublishable change for %s: %v", resource, err)
		return
	}

	s.mu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.resource == resource && (c.Deleted || sub.filter.Matches(c.Row)) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.push(ev)
	}
}

func incrementProc(ctx context.Context, s *Store, args remote.Row) (any, error) {
	resource, id, field := args.String("resource"), args.String("id"), args.String("field")
	if field == "" {
		return nil, fmt.Errorf("%w: increment requires a field", remote.ErrValidation)
	}
	by := 1.0
	if _, present := args["by"]; present {
		n, ok := args.Number("by")
		if !ok {
			return nil, fmt.Errorf("%w: increment amount must be numeric", remote.ErrValidation)
		}
		by = n
	}
	mutationID := args.MutationID()

	row, err := s.Update(ctx, resource, id, func(r remote.Row) (remote.Row, error) {
		if r == nil {
			return nil, fmt.Errorf("%w: %s:%s", remote.ErrNotFound, resource, id)
		}
		current, _ := r.Number(field)
		r[field] = current + by
		if mutationID != "" {
			r[remote.FieldMutationID] = mutationID
		} else {
			delete(r, remote.FieldMutationID)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	v, _ := row.Number(field)
	return v, nil
}

func deleteProc(ctx context.Context, s *Store, args remote.Row) (any, error) {
	resource, id := args.String("resource"), args.String("id")
	_, err := s.Update(ctx, resource, id, func(remote.Row) (remote.Row, error) {
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return true, nil
}

// subscriber queues events for one Subscribe call.
type subscriber struct {
	resource string
	filter   remote.Filter
	onEvent  func(remote.Event)

	mu     sync.Mutex
	queue  []remote.Event
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newSubscriber(resource string, filter remote.Filter, onEvent func(remote.Event)) *subscriber {
	return &subscriber{
		resource: resource,
		filter:   filter,
		onEvent:  onEvent,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (sub *subscriber) push(ev remote.Event) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		sub.queue = nil
		close(sub.done)
	}
}

func (sub *subscriber) run(ctx context.Context) {
	for {
		select {
		case <-sub.done:
			return
		case <-ctx.Done():
			return
		case <-sub.wake:
		}

		for {
			sub.mu.Lock()
			if sub.closed || len(sub.queue) == 0 {
				sub.mu.Unlock()
				break
			}
			ev := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()

			sub.onEvent(ev)
		}
	}
}
