// Package outbox is the offline queue: a FIFO of mutations waiting to reach
// the remote store.
//
// Writes are replayed strictly in order by a single-flight drain. A transient
// failure stops the drain at the head so dependent mutations are never
// reordered; the write is retried on the next drain until it has failed
// MaxRetries times, then it is abandoned. Validation and conflict failures can
// never succeed and are abandoned at once.
//
// Lifecycle of a write:
//
//	Queued -> Sent -> Confirmed
//	             \-> Failed -> Queued (Attempt+1) ... -> Abandoned
//
// Drains are triggered by Enqueue while online, by SetOnline(true), by the
// periodic timer armed in Start, or explicitly through Drain.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/tether/internal/clock"
	"github.com/steveyegge/tether/internal/remote"
)

// State is the lifecycle state of a PendingWrite.
type State int

const (
	StateQueued State = iota
	StateSent
	StateConfirmed
	StateFailed
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateSent:
		return "sent"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// PendingWrite is one queued mutation. Only the queue mutates it.
type PendingWrite struct {
	ID        string
	Kind      string
	Payload   remote.Row
	CreatedAt time.Time
	Attempt   int
	State     State
	LastError error
}

// Sender delivers one write to the remote store.
type Sender func(ctx context.Context, w *PendingWrite) error

// Config holds queue configuration.
type Config struct {
	// MaxRetries is the number of failed replays before a write is abandoned (default: 3)
	MaxRetries int

	// DrainInterval is the period of the background drain started by Start (default: 30s)
	DrainInterval time.Duration

	// Online is the initial connectivity state (default: true)
	Online bool

	// Clock drives the periodic drain and timestamps (default: real clock)
	Clock clock.Clock

	// Logger for queue activity (default: stderr with "[outbox] " prefix)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:    3,
		DrainInterval: 30 * time.Second,
		Online:        true,
		Clock:         clock.Real(),
		Logger:        log.New(os.Stderr, "[outbox] ", log.LstdFlags),
	}
}

// drainCall is the in-flight drain token. Overlapping Drain callers wait on done.
type drainCall struct {
	done chan struct{}
}

// Queue is the offline mutation queue.
type Queue struct {
	send   Sender
	cfg    Config
	clock  clock.Clock
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	items       []*PendingWrite
	online      bool
	inflight    *drainCall
	stopTicker  func()
	onConfirmed []func(PendingWrite)
	onAbandoned []func(PendingWrite)
}

// New creates a queue that replays writes through send.
func New(send Sender, cfg *Config) (*Queue, error) {
	if send == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	c := *cfg
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = defaults.DrainInterval
	}
	if c.Clock == nil {
		c.Clock = defaults.Clock
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		send:   send,
		cfg:    c,
		clock:  c.Clock,
		logger: c.Logger,
		ctx:    ctx,
		cancel: cancel,
		online: c.Online,
	}, nil
}

// OnConfirmed registers fn to run after a write is delivered.
func (q *Queue) OnConfirmed(fn func(PendingWrite)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onConfirmed = append(q.onConfirmed, fn)
}

// OnAbandoned registers fn to run after a write is dropped for good.
func (q *Queue) OnAbandoned(fn func(PendingWrite)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onAbandoned = append(q.onAbandoned, fn)
}

// Enqueue appends a write and returns its id. When online and no drain is
// running, a drain is started in the background.
func (q *Queue) Enqueue(kind string, payload remote.Row) string {
	w := &PendingWrite{
		ID:        remote.NewID(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: q.clock.Now(),
		State:     StateQueued,
	}

	q.mu.Lock()
	q.items = append(q.items, w)
	trigger := q.online && q.inflight == nil && q.ctx.Err() == nil
	q.mu.Unlock()

	q.logger.Printf("Queued %s write %s (depth %d)", kind, w.ID, q.Len())
	if trigger {
		q.drainAsync()
	}
	return w.ID
}

// SetOnline updates connectivity. Going online starts a drain; going offline
// stops the running drain before its next attempt.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	changed := q.online != online
	q.online = online
	q.mu.Unlock()

	if !changed {
		return
	}
	if online {
		q.logger.Printf("Back online, draining %d queued writes", q.Len())
		q.drainAsync()
	} else {
		q.logger.Println("Offline, holding writes")
	}
}

// Online reports the current connectivity state.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Start arms the periodic drain.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopTicker != nil {
		return
	}
	q.stopTicker = clock.Every(q.clock, q.cfg.DrainInterval, q.drainAsync)
}

// Stop cancels the periodic drain and any running drain, then waits for
// background drains to exit. Queued writes stay in the queue.
func (q *Queue) Stop() {
	q.mu.Lock()
	stop := q.stopTicker
	q.stopTicker = nil
	q.mu.Unlock()
	if stop != nil {
		stop()
	}
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) drainAsync() {
	q.mu.Lock()
	if q.ctx.Err() != nil {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		_ = q.Drain(q.ctx)
	}()
}

// Drain replays queued writes in FIFO order until the queue is empty, the
// head fails transiently, the queue goes offline, or ctx is cancelled.
//
// Only one drain runs at a time. A call that overlaps a running drain waits
// for it to finish and returns without starting another.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if call := q.inflight; call != nil {
		q.mu.Unlock()
		select {
		case <-call.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &drainCall{done: make(chan struct{})}
	q.inflight = call
	q.mu.Unlock()

	defer close(call.done)
	return q.drain(ctx)
}

func (q *Queue) drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 || !q.online || ctx.Err() != nil {
			// The token is released under the same lock Enqueue checks, so a
			// write queued after this point always triggers a fresh drain.
			q.inflight = nil
			q.mu.Unlock()
			return ctx.Err()
		}
		w := q.items[0]
		w.State = StateSent
		snapshot := *w
		q.mu.Unlock()

		err := q.send(ctx, &snapshot)

		q.mu.Lock()
		if err == nil {
			w.State = StateConfirmed
			q.items = q.items[1:]
			done := *w
			hooks := q.onConfirmed
			q.mu.Unlock()

			q.logger.Printf("Delivered %s write %s", w.Kind, w.ID)
			for _, fn := range hooks {
				fn(done)
			}
			continue
		}

		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			// Cut off by Stop or by the caller: the write did not fail and
			// keeps its attempt budget.
			w.State = StateQueued
			q.inflight = nil
			q.mu.Unlock()

			q.logger.Printf("Write %s interrupted, kept queued: %v", w.ID, err)
			return ctx.Err()
		}

		w.LastError = err
		w.Attempt++
		w.State = StateFailed
		terminal := remote.IsTerminal(err)
		if terminal || w.Attempt >= q.cfg.MaxRetries {
			w.State = StateAbandoned
			q.items = q.items[1:]
			done := *w
			hooks := q.onAbandoned
			if !terminal {
				// Retry budget spent; the next write gets its own chance
				// on the next drain.
				q.inflight = nil
			}
			q.mu.Unlock()

			q.logger.Printf("Abandoned %s write %s after %d attempts: %v", w.Kind, w.ID, w.Attempt, err)
			for _, fn := range hooks {
				fn(done)
			}
			if terminal {
				continue
			}
			return err
		}

		w.State = StateQueued
		q.inflight = nil
		q.mu.Unlock()

		q.logger.Printf("Write %s failed (attempt %d/%d), will retry: %v", w.ID, w.Attempt, q.cfg.MaxRetries, err)
		return err
	}
}

// Len returns the number of queued writes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns copies of the queued writes in order.
func (q *Queue) Snapshot() []PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingWrite, len(q.items))
	for i, w := range q.items {
		out[i] = *w
	}
	return out
}
