// Package batcher coalesces many small same-kind writes into few remote calls.
//
// Writes are grouped by kind. Each arrival re-arms the group's debounce timer,
// so a burst of writes is sent as one batch shortly after the burst ends. A
// group that reaches MaxBatchSize is flushed immediately.
//
// Example:
//
//	b := batcher.New(nil)
//	b.Register("likes", batcher.Rule{
//	    Send: func(ctx context.Context, rows []remote.Row) error {
//	        return store.InsertMany(ctx, "likes", rows)
//	    },
//	    Merge: batcher.DedupeBy("user_id", "story_id"),
//	})
//	_ = b.Add("likes", remote.Row{"user_id": "u1", "story_id": "s1"}, 0)
//
// A batch that fails with a transient error is redriven payload by payload with
// a growing delay. Payloads that exhaust MaxRedrives, or that fail with any
// other error, are handed to the rule's OnGiveUp hook. A Send that delivers
// payloads one by one reports partial failure with a *BatchError; only the
// payloads it lists are redriven or given up.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/tether/internal/clock"
	"github.com/steveyegge/tether/internal/remote"
)

// ErrStopped is reported for writes that were still pending when the batcher stopped.
var ErrStopped = errors.New("batcher stopped")

// PayloadError is the failure of one payload within a batch.
type PayloadError struct {
	Payload remote.Row
	Err     error
}

// BatchError is returned by a Send that delivered some payloads of a batch
// but not others. Payloads not listed in Failed were delivered.
type BatchError struct {
	Failed []PayloadError
}

func (e *BatchError) Error() string {
	if len(e.Failed) == 0 {
		return "batch failed"
	}
	if len(e.Failed) == 1 {
		return e.Failed[0].Err.Error()
	}
	return fmt.Sprintf("%d payloads failed, first: %v", len(e.Failed), e.Failed[0].Err)
}

// Unwrap returns the per-payload errors.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f.Err
	}
	return errs
}

// Rule describes how one kind of write is sent.
type Rule struct {
	// Send delivers a batch in one remote call. Required. It may return a
	// *BatchError when only some payloads failed.
	Send func(ctx context.Context, payloads []remote.Row) error

	// Merge optionally collapses a batch before sending, e.g. DedupeBy.
	Merge func(payloads []remote.Row) []remote.Row

	// OnGiveUp optionally receives payloads the batcher stopped retrying.
	OnGiveUp func(payloads []remote.Row, err error)
}

// Config holds batcher configuration.
type Config struct {
	// MaxBatchSize flushes a group as soon as it holds this many payloads (default: 50)
	MaxBatchSize int

	// Delay is the debounce window used when Add is given no delay (default: 1s)
	Delay time.Duration

	// MaxRedrives bounds how often one payload is re-queued after transient failures (default: 3)
	MaxRedrives int

	// RedriveBackoff multiplies the delay on each redrive (default: 2)
	RedriveBackoff float64

	// Clock drives the debounce timers (default: real clock)
	Clock clock.Clock

	// Logger for batcher activity (default: stderr with "[batcher] " prefix)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxBatchSize:   50,
		Delay:          time.Second,
		MaxRedrives:    3,
		RedriveBackoff: 2,
		Clock:          clock.Real(),
		Logger:         log.New(os.Stderr, "[batcher] ", log.LstdFlags),
	}
}

// Stats reports batcher activity.
type Stats struct {
	Added    int // payloads accepted by Add
	Flushes  int // successful remote calls
	Sent     int // payloads delivered (after Merge)
	Redriven int // payloads re-queued after a transient failure
	GivenUp  int // payloads handed to OnGiveUp
}

type item struct {
	payload  remote.Row
	delay    time.Duration
	redrives int
}

// group is the set of payloads of one kind awaiting a flush.
type group struct {
	kind  string
	items []item
	timer clock.Timer
}

// Batcher accumulates writes per kind and flushes them in batches.
type Batcher struct {
	cfg    Config
	clock  clock.Clock
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	rules   map[string]Rule
	groups  map[string]*group
	stats   Stats
	stopped bool
}

// New creates a batcher. A nil config uses DefaultConfig.
func New(cfg *Config) *Batcher {
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	c := *cfg
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaults.MaxBatchSize
	}
	if c.Delay <= 0 {
		c.Delay = defaults.Delay
	}
	if c.MaxRedrives < 0 {
		c.MaxRedrives = 0
	}
	if c.RedriveBackoff < 1 {
		c.RedriveBackoff = defaults.RedriveBackoff
	}
	if c.Clock == nil {
		c.Clock = defaults.Clock
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		cfg:    c,
		clock:  c.Clock,
		logger: c.Logger,
		ctx:    ctx,
		cancel: cancel,
		rules:  make(map[string]Rule),
		groups: make(map[string]*group),
	}
}

// Register installs the rule for kind, replacing any previous one.
func (b *Batcher) Register(kind string, rule Rule) error {
	if kind == "" {
		return fmt.Errorf("%w: batch kind cannot be empty", remote.ErrConfiguration)
	}
	if rule.Send == nil {
		return fmt.Errorf("%w: batch kind %q has no Send", remote.ErrConfiguration, kind)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules[kind] = rule
	return nil
}

// Add queues payload under kind and (re)arms the group's flush timer for
// delay, or Config.Delay when delay is not positive. A kind without a rule is
// rejected with remote.ErrConfiguration.
func (b *Batcher) Add(kind string, payload remote.Row, delay time.Duration) error {
	if delay <= 0 {
		delay = b.cfg.Delay
	}
	if err := b.add(kind, item{payload: payload, delay: delay}, delay); err != nil {
		return err
	}
	b.mu.Lock()
	b.stats.Added++
	b.mu.Unlock()
	return nil
}

func (b *Batcher) add(kind string, it item, delay time.Duration) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	if _, ok := b.rules[kind]; !ok {
		b.mu.Unlock()
		b.logger.Printf("Dropping write for unregistered kind %q", kind)
		return fmt.Errorf("%w: unknown batch kind %q", remote.ErrConfiguration, kind)
	}

	g := b.groups[kind]
	if g == nil {
		g = &group{kind: kind}
		b.groups[kind] = g
	}
	g.items = append(g.items, it)
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}

	if len(g.items) >= b.cfg.MaxBatchSize {
		delete(b.groups, kind)
		b.wg.Add(1)
		b.mu.Unlock()

		go func() {
			defer b.wg.Done()
			_ = b.send(b.ctx, g)
		}()
		return nil
	}

	g.timer = b.clock.AfterFunc(delay, func() { b.fire(g) })
	b.mu.Unlock()
	return nil
}

// fire flushes g when its debounce timer expires, unless g was already
// flushed or replaced in the meantime.
func (b *Batcher) fire(g *group) {
	b.mu.Lock()
	if b.groups[g.kind] != g {
		b.mu.Unlock()
		return
	}
	delete(b.groups, g.kind)
	g.timer = nil
	b.mu.Unlock()

	_ = b.send(b.ctx, g)
}

// Flush sends the pending group for kind now. It returns nil when nothing is
// pending, and the remote error otherwise; failed payloads are redriven or
// given up exactly as for a timer-triggered flush.
func (b *Batcher) Flush(ctx context.Context, kind string) error {
	b.mu.Lock()
	g := b.groups[kind]
	if g == nil {
		b.mu.Unlock()
		return nil
	}
	delete(b.groups, kind)
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	b.mu.Unlock()

	return b.send(ctx, g)
}

// FlushAll flushes every pending group and returns the joined errors.
func (b *Batcher) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	kinds := make([]string, 0, len(b.groups))
	for kind := range b.groups {
		kinds = append(kinds, kind)
	}
	b.mu.Unlock()
	sort.Strings(kinds)

	var errs []error
	for _, kind := range kinds {
		if err := b.Flush(ctx, kind); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Batcher) send(ctx context.Context, g *group) error {
	b.mu.Lock()
	rule := b.rules[g.kind]
	b.mu.Unlock()

	payloads := make([]remote.Row, len(g.items))
	for i, it := range g.items {
		payloads[i] = it.payload
	}
	if rule.Merge != nil {
		payloads = rule.Merge(payloads)
	}

	err := rule.Send(ctx, payloads)
	if err == nil {
		b.mu.Lock()
		b.stats.Flushes++
		b.stats.Sent += len(payloads)
		b.mu.Unlock()
		return nil
	}

	var partial *BatchError
	if errors.As(err, &partial) {
		b.settlePartial(g, rule, len(payloads), partial)
		return err
	}

	if !remote.IsRetryable(err) {
		b.logger.Printf("Batch of %d %s writes failed permanently: %v", len(payloads), g.kind, err)
		b.giveUp(g.kind, rule, itemPayloads(g.items), err)
		return err
	}

	b.redrive(g.kind, rule, g.items, err)
	return err
}

// settlePartial redrives or gives up only the payloads a partial failure
// lists. A failed payload is matched back to its item by identity; if Merge
// produced it, it starts a fresh redrive budget.
func (b *Batcher) settlePartial(g *group, rule Rule, sent int, partial *BatchError) {
	b.mu.Lock()
	if delivered := sent - len(partial.Failed); delivered > 0 {
		b.stats.Flushes++
		b.stats.Sent += delivered
	}
	b.mu.Unlock()

	for _, f := range partial.Failed {
		it := item{payload: f.Payload, delay: b.cfg.Delay}
		for _, candidate := range g.items {
			if sameRow(candidate.payload, f.Payload) {
				it = candidate
				break
			}
		}
		if remote.IsRetryable(f.Err) {
			b.redrive(g.kind, rule, []item{it}, f.Err)
			continue
		}
		b.logger.Printf("%s write failed permanently: %v", g.kind, f.Err)
		b.giveUp(g.kind, rule, []remote.Row{f.Payload}, f.Err)
	}
}

// redrive re-queues items after a transient failure and gives up on those
// whose budget is spent.
func (b *Batcher) redrive(kind string, rule Rule, items []item, err error) {
	var exhausted []remote.Row
	for _, it := range items {
		if it.redrives >= b.cfg.MaxRedrives {
			exhausted = append(exhausted, it.payload)
			continue
		}
		it.redrives++
		if addErr := b.add(kind, it, b.redriveDelay(it.delay, it.redrives)); addErr != nil {
			exhausted = append(exhausted, it.payload)
			continue
		}
		b.mu.Lock()
		b.stats.Redriven++
		b.mu.Unlock()
	}
	if len(exhausted) > 0 {
		b.logger.Printf("Giving up on %d %s writes after transient failures: %v", len(exhausted), kind, err)
		b.giveUp(kind, rule, exhausted, err)
	}
}

func (b *Batcher) redriveDelay(base time.Duration, redrives int) time.Duration {
	if base <= 0 {
		base = b.cfg.Delay
	}
	return time.Duration(float64(base) * math.Pow(b.cfg.RedriveBackoff, float64(redrives)))
}

func (b *Batcher) giveUp(kind string, rule Rule, payloads []remote.Row, err error) {
	b.mu.Lock()
	b.stats.GivenUp += len(payloads)
	b.mu.Unlock()
	if rule.OnGiveUp != nil {
		rule.OnGiveUp(payloads, err)
	}
}

// Pending returns the number of payloads waiting in kind's group.
func (b *Batcher) Pending(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g := b.groups[kind]; g != nil {
		return len(g.items)
	}
	return 0
}

// Stats returns a snapshot of batcher counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Stop cancels all timers, waits for in-flight flushes and hands every
// still-pending payload to its kind's OnGiveUp with ErrStopped. Callers that
// want pending writes delivered call FlushAll first.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	groups := b.groups
	b.groups = make(map[string]*group)
	for _, g := range groups {
		if g.timer != nil {
			g.timer.Stop()
		}
	}
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	for _, g := range groups {
		b.mu.Lock()
		rule := b.rules[g.kind]
		b.mu.Unlock()
		b.giveUp(g.kind, rule, itemPayloads(g.items), ErrStopped)
	}
}

func sameRow(a, b remote.Row) bool {
	return reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}

func itemPayloads(items []item) []remote.Row {
	out := make([]remote.Row, len(items))
	for i, it := range items {
		out[i] = it.payload
	}
	return out
}

// DedupeBy returns a Merge function keeping only the last payload for each
// combination of the given fields, in order of first appearance.
func DedupeBy(fields ...string) func([]remote.Row) []remote.Row {
	return func(payloads []remote.Row) []remote.Row {
		index := make(map[string]int, len(payloads))
		out := make([]remote.Row, 0, len(payloads))
		for _, p := range payloads {
			parts := make([]string, len(fields))
			for i, f := range fields {
				parts[i] = fmt.Sprint(p[f])
			}
			key := strings.Join(parts, "\x00")
			if i, ok := index[key]; ok {
				out[i] = p
				continue
			}
			index[key] = len(out)
			out = append(out, p)
		}
		return out
	}
}
