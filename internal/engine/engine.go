// Package engine is the composition root of tether.
//
// An Engine owns the session-scoped services (the TTL cache, the write
// coalescer and the offline queue) and wires them to a remote store.
// Front ends open Views, which keep a reconciled copy of one resource and
// accept mutations:
//
//	eng, err := engine.New(store, database, nil)
//	if err != nil {
//	    return err
//	}
//	eng.RegisterKind(engine.Kind{
//	    Name:          "like",
//	    Resource:      "stories",
//	    Procedure:     "increment",
//	    ProcedureArgs: remote.Row{"field": "likes"},
//	    Optimistic:    engine.Increment("likes"),
//	    Batch:         true,
//	    Durable:       true,
//	})
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Shutdown(context.Background())
//
//	view, _ := eng.OpenView(ctx, "stories", nil)
//	view.OnStateChange(render)
//	view.Mutate("like", remote.Row{"id": "42"})
//
// Mutations are fire-and-forget: the optimistic change is visible at once and
// the outcome arrives later as a state change (confirmed or reverted). Terminal
// failures are also reported once through OnSyncError.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/tether/internal/batcher"
	"github.com/steveyegge/tether/internal/cache"
	"github.com/steveyegge/tether/internal/clock"
	"github.com/steveyegge/tether/internal/outbox"
	"github.com/steveyegge/tether/internal/remote"
)

// MarkerKey is the blob key holding the last processed event timestamp.
const MarkerKey = "last_event_at"

// MarkerStore is the key/value blob store used for the session marker.
// internal/db.DB implements it.
type MarkerStore interface {
	GetBlob(ctx context.Context, key string) ([]byte, bool, error)
	PutBlob(ctx context.Context, key string, value []byte) error
}

// SyncError reports a mutation that will never reach the remote store.
type SyncError struct {
	Kind       string
	MutationID string
	Payload    remote.Row
	Class      remote.Class
	Err        error
}

func (e *SyncError) Error() string {
	if e.MutationID == "" {
		return fmt.Sprintf("sync %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("sync %s (%s): %v", e.Kind, e.MutationID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Config holds engine configuration.
type Config struct {
	// DefaultTTL is the freshness window for values loaded by Read (default: 30s)
	DefaultTTL time.Duration

	// MarkerInterval is how often the last processed event marker is saved (default: 10s)
	MarkerInterval time.Duration

	// Loader loads a cache key on a Read miss. The default treats keys as
	// "<resource>:<id>" and fetches the row from the store.
	Loader func(ctx context.Context, key string) (any, error)

	// Component configs. Nil uses each component's defaults. The engine's
	// Clock is used unless a component config brings its own.
	Cache   *cache.Config
	Batcher *batcher.Config
	Outbox  *outbox.Config

	// Clock drives every timer in the engine (default: real clock)
	Clock clock.Clock

	// Logger for engine activity (default: stderr with "[engine] " prefix)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultTTL:     30 * time.Second,
		MarkerInterval: 10 * time.Second,
		Clock:          clock.Real(),
		Logger:         log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Stats is a diagnostic snapshot of the engine.
type Stats struct {
	Cache     cache.Stats
	Batcher   batcher.Stats
	Queued    int
	Online    bool
	Views     int
	Pending   int
	LastEvent time.Time
}

// Engine is the session-scoped synchronization engine.
type Engine struct {
	store   remote.Store
	markers MarkerStore
	cfg     Config
	clock   clock.Clock
	logger  *log.Logger

	cache   *cache.Cache
	batcher *batcher.Batcher
	outbox  *outbox.Queue

	mu          sync.Mutex
	kinds       map[string]Kind
	views       map[*View]struct{}
	owners      map[string]*View
	syncSubs    map[int]func(SyncError)
	nextSyncSub int
	floor       time.Time
	lastEvent   time.Time
	savedEvent  time.Time
	stopMarker  func()
	started     bool
	shutdown    bool
}

// New creates an engine over store. markers may be nil, in which case no
// marker is persisted.
func New(store remote.Store, markers MarkerStore, cfg *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	c := *cfg
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = defaults.DefaultTTL
	}
	if c.MarkerInterval <= 0 {
		c.MarkerInterval = defaults.MarkerInterval
	}
	if c.Clock == nil {
		c.Clock = defaults.Clock
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}

	e := &Engine{
		store:    store,
		markers:  markers,
		cfg:      c,
		clock:    c.Clock,
		logger:   c.Logger,
		kinds:    make(map[string]Kind),
		views:    make(map[*View]struct{}),
		owners:   make(map[string]*View),
		syncSubs: make(map[int]func(SyncError)),
	}

	cacheCfg := cache.DefaultConfig()
	if c.Cache != nil {
		cacheCfg = c.Cache
	}
	cacheCopy := *cacheCfg
	if c.Cache == nil || cacheCopy.Clock == nil {
		cacheCopy.Clock = c.Clock
	}
	e.cache = cache.New(&cacheCopy)

	batcherCfg := batcher.DefaultConfig()
	if c.Batcher != nil {
		batcherCfg = c.Batcher
	}
	batcherCopy := *batcherCfg
	if c.Batcher == nil || batcherCopy.Clock == nil {
		batcherCopy.Clock = c.Clock
	}
	e.batcher = batcher.New(&batcherCopy)

	outboxCfg := outbox.DefaultConfig()
	if c.Outbox != nil {
		outboxCfg = c.Outbox
	}
	outboxCopy := *outboxCfg
	if c.Outbox == nil || outboxCopy.Clock == nil {
		outboxCopy.Clock = c.Clock
	}
	q, err := outbox.New(e.sendQueued, &outboxCopy)
	if err != nil {
		return nil, fmt.Errorf("failed to create outbox: %w", err)
	}
	q.OnAbandoned(func(w outbox.PendingWrite) {
		e.fail(w.Kind, w.Payload, w.LastError)
	})
	e.outbox = q

	return e, nil
}

// Cache returns the session cache.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Start loads the session marker and starts background work: cache sweeps,
// periodic queue drains and marker saves.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.loadMarker(ctx); err != nil {
		// The marker is an optimization; a broken one only costs reprocessing.
		e.logger.Printf("Warning: ignoring session marker: %v", err)
	}

	e.cache.Start()
	e.outbox.Start()

	stop := clock.Every(e.clock, e.cfg.MarkerInterval, func() {
		if err := e.saveMarker(context.Background()); err != nil {
			e.logger.Printf("Warning: failed to save session marker: %v", err)
		}
	})
	e.mu.Lock()
	e.stopMarker = stop
	e.mu.Unlock()

	e.logger.Printf("Engine started (ttl %v, marker %v)", e.cfg.DefaultTTL, e.floor)
	return nil
}

// Read returns the value for key, serving it from the cache while fresh and
// loading it on a miss. Load failures are logged and reported as absent.
func (e *Engine) Read(ctx context.Context, key string) (any, bool) {
	v, err := e.cache.GetOrLoad(ctx, key, e.cfg.DefaultTTL, func(ctx context.Context) (any, error) {
		return e.load(ctx, key)
	})
	if err != nil {
		if !errors.Is(err, remote.ErrNotFound) {
			e.logger.Printf("Read %s failed: %v", key, err)
		}
		return nil, false
	}
	return v, true
}

func (e *Engine) load(ctx context.Context, key string) (any, error) {
	if e.cfg.Loader != nil {
		return e.cfg.Loader(ctx, key)
	}
	resource, id, ok := strings.Cut(key, ":")
	if !ok || resource == "" || id == "" {
		return nil, fmt.Errorf("%w: malformed key %q", remote.ErrConfiguration, key)
	}
	return e.store.FetchOne(ctx, resource, id)
}

// OnSyncError registers fn for terminal mutation failures. Handlers run with
// panic recovery. The returned function unsubscribes.
func (e *Engine) OnSyncError(fn func(SyncError)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextSyncSub
	e.nextSyncSub++
	e.syncSubs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.syncSubs, id)
		e.mu.Unlock()
	}
}

// SetOnline forwards a connectivity change to the offline queue.
func (e *Engine) SetOnline(online bool) {
	e.outbox.SetOnline(online)
}

// Online reports the current connectivity state.
func (e *Engine) Online() bool {
	return e.outbox.Online()
}

// FlushPending sends every coalesced write and drains the offline queue.
// It is meant for session teardown and returns the joined errors.
func (e *Engine) FlushPending(ctx context.Context) error {
	var errs []error
	if err := e.batcher.FlushAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.outbox.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}
	if err := e.saveMarker(ctx); err != nil {
		errs = append(errs, fmt.Errorf("save marker: %w", err))
	}
	return errors.Join(errs...)
}

// Shutdown flushes pending writes best-effort, stops background work and
// closes every view. Writes that could not be delivered are reported through
// OnSyncError or stay counted in Stats().Queued.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	stop := e.stopMarker
	e.stopMarker = nil
	e.mu.Unlock()

	flushErr := e.FlushPending(ctx)
	if stop != nil {
		stop()
	}

	e.batcher.Stop()
	e.outbox.Stop()
	if n := e.outbox.Len(); n > 0 {
		e.logger.Printf("Shutting down with %d undelivered writes", n)
	}

	e.mu.Lock()
	views := make([]*View, 0, len(e.views))
	for v := range e.views {
		views = append(views, v)
	}
	e.mu.Unlock()
	for _, v := range views {
		v.Close()
	}

	e.cache.Stop()
	if err := e.saveMarker(ctx); err != nil {
		flushErr = errors.Join(flushErr, err)
	}
	e.logger.Println("Engine stopped")
	return flushErr
}

// Stats returns a diagnostic snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	views := make([]*View, 0, len(e.views))
	for v := range e.views {
		views = append(views, v)
	}
	last := e.lastEvent
	e.mu.Unlock()

	pending := 0
	for _, v := range views {
		for _, st := range v.rec.Entities() {
			if st.Pending() {
				pending++
			}
		}
	}
	return Stats{
		Cache:     e.cache.Stats(),
		Batcher:   e.batcher.Stats(),
		Queued:    e.outbox.Len(),
		Online:    e.outbox.Online(),
		Views:     len(views),
		Pending:   pending,
		LastEvent: last,
	}
}

// fail settles the optimistic overlay of a write that will never be delivered
// and reports it once. A conflict adopts the store's current row; any other
// failure reverts to the last confirmed snapshot.
func (e *Engine) fail(kind string, payload remote.Row, err error) {
	mutationID := payload.MutationID()

	e.mu.Lock()
	owner := e.owners[mutationID]
	delete(e.owners, mutationID)
	e.mu.Unlock()

	if owner != nil {
		if remote.Classify(err) == remote.ClassConflict {
			e.resolveConflict(owner, kind, payload, err)
		} else {
			owner.rec.Revert(mutationID, err)
		}
	}
	e.report(SyncError{
		Kind:       kind,
		MutationID: mutationID,
		Payload:    payload,
		Class:      remote.Classify(err),
		Err:        err,
	})
}

// resolveConflict refetches the entity a rejected mutation targeted and
// replaces the overlay with the store's row. If the row cannot be fetched the
// overlay is reverted.
func (e *Engine) resolveConflict(owner *View, kind string, payload remote.Row, cause error) {
	mutationID := payload.MutationID()
	resource := owner.resource
	id := payload.ID()
	if k, ok := e.kind(kind); ok {
		resource = k.Resource
		id = k.entityID(payload)
	}
	if id == "" {
		owner.rec.Revert(mutationID, cause)
		return
	}

	row, err := e.store.FetchOne(context.Background(), resource, id)
	switch {
	case err == nil:
		owner.rec.Conflict(mutationID, row, cause)
		e.cache.Set(remote.Key(resource, id), row, e.cfg.DefaultTTL)
	case errors.Is(err, remote.ErrNotFound):
		owner.rec.Conflict(mutationID, nil, cause)
	default:
		e.logger.Printf("Warning: could not refetch %s after conflict, reverting: %v", remote.Key(resource, id), err)
		owner.rec.Revert(mutationID, cause)
	}
}

func (e *Engine) report(se SyncError) {
	e.logger.Printf("Sync error: %v", &se)

	e.mu.Lock()
	ids := make([]int, 0, len(e.syncSubs))
	for id := range e.syncSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]func(SyncError), len(ids))
	for i, id := range ids {
		handlers[i] = e.syncSubs[id]
	}
	e.mu.Unlock()

	for _, fn := range handlers {
		e.safeCall(func() { fn(se) })
	}
}

func (e *Engine) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("Recovered from panic in subscriber: %v", r)
		}
	}()
	fn()
}

func (e *Engine) noteEvent(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if at.After(e.lastEvent) {
		e.lastEvent = at
	}
}

// skipEvent reports whether an event was already processed by an earlier
// session. Events carrying a mutation still pending locally are never skipped.
func (e *Engine) skipEvent(v *View, ev remote.Event) bool {
	e.mu.Lock()
	floor := e.floor
	e.mu.Unlock()
	if floor.IsZero() || !ev.Meta().At.Before(floor) {
		return false
	}
	return !v.rec.Owns(ev.Meta().MutationID())
}

func (e *Engine) loadMarker(ctx context.Context) error {
	if e.markers == nil {
		return nil
	}
	data, ok, err := e.markers.GetBlob(ctx, MarkerKey)
	if err != nil || !ok {
		return err
	}
	at, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return fmt.Errorf("malformed marker %q: %w", data, err)
	}
	e.mu.Lock()
	e.floor = at
	e.lastEvent = at
	e.savedEvent = at
	e.mu.Unlock()
	return nil
}

func (e *Engine) saveMarker(ctx context.Context) error {
	if e.markers == nil {
		return nil
	}
	e.mu.Lock()
	last, saved := e.lastEvent, e.savedEvent
	e.mu.Unlock()
	if last.IsZero() || last.Equal(saved) {
		return nil
	}
	if err := e.markers.PutBlob(ctx, MarkerKey, []byte(last.UTC().Format(time.RFC3339Nano))); err != nil {
		return err
	}
	e.mu.Lock()
	if last.After(e.savedEvent) {
		e.savedEvent = last
	}
	e.mu.Unlock()
	return nil
}
