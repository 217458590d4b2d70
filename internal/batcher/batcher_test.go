package batcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/tether/internal/clock"
	"github.com/steveyegge/tether/internal/remote"
)

// recorder captures Send calls and hands out scripted results.
type recorder struct {
	mu      sync.Mutex
	batches [][]remote.Row
	at      []time.Time
	results []error
	clock   clock.Clock
	sent    chan struct{}
}

func (r *recorder) send(ctx context.Context, rows []remote.Row) error {
	r.mu.Lock()
	r.batches = append(r.batches, rows)
	if r.clock != nil {
		r.at = append(r.at, r.clock.Now())
	}
	var err error
	if len(r.results) > 0 {
		err = r.results[0]
		r.results = r.results[1:]
	}
	r.mu.Unlock()
	if r.sent != nil {
		r.sent <- struct{}{}
	}
	return err
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func newTestBatcher(t *testing.T, mutate func(*Config)) (*Batcher, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Unix(1700000000, 0))
	cfg := &Config{
		MaxBatchSize:   50,
		Delay:          time.Second,
		MaxRedrives:    3,
		RedriveBackoff: 2,
		Clock:          fc,
		Logger:         log.New(io.Discard, "", 0),
	}
	if mutate != nil {
		mutate(cfg)
	}
	b := New(cfg)
	t.Cleanup(b.Stop)
	return b, fc
}

func TestBatcher_CoalescesBurst(t *testing.T) {
	b, fc := newTestBatcher(t, nil)
	start := fc.Now()
	rec := &recorder{clock: fc}
	if err := b.Register("likes", Rule{Send: rec.send}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := b.Add("likes", remote.Row{"n": float64(i)}, 0); err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
		if i < 2 {
			fc.Advance(200 * time.Millisecond)
		}
	}

	fc.Advance(999 * time.Millisecond)
	if rec.calls() != 0 {
		t.Fatalf("flushed before the debounce window closed")
	}
	if got := b.Pending("likes"); got != 3 {
		t.Errorf("Pending() = %d, want 3", got)
	}

	fc.Advance(time.Millisecond)
	if rec.calls() != 1 {
		t.Fatalf("Send called %d times, want 1", rec.calls())
	}
	if got := len(rec.batches[0]); got != 3 {
		t.Errorf("batch size = %d, want 3", got)
	}
	if got := rec.at[0].Sub(start); got != 1400*time.Millisecond {
		t.Errorf("flushed at %v, want 1.4s", got)
	}
	if b.Pending("likes") != 0 {
		t.Error("group not destroyed after flush")
	}
}

func TestBatcher_SizeThresholdFlushesImmediately(t *testing.T) {
	b, fc := newTestBatcher(t, func(c *Config) { c.MaxBatchSize = 3 })
	rec := &recorder{sent: make(chan struct{}, 1)}
	if err := b.Register("likes", Rule{Send: rec.send}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := b.Add("likes", remote.Row{"n": float64(i)}, 0); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-rec.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("size threshold did not trigger a flush")
	}
	if got := len(rec.batches[0]); got != 3 {
		t.Errorf("batch size = %d, want 3", got)
	}
	if fc.Pending() != 0 {
		t.Errorf("debounce timer still armed after size flush")
	}
}

func TestBatcher_UnknownKind(t *testing.T) {
	b, _ := newTestBatcher(t, nil)

	err := b.Add("nope", remote.Row{}, 0)
	if !errors.Is(err, remote.ErrConfiguration) {
		t.Fatalf("Add() error = %v, want ErrConfiguration", err)
	}
	if b.Pending("nope") != 0 {
		t.Error("payload for unknown kind was queued")
	}
}

func TestBatcher_Register_Validates(t *testing.T) {
	b, _ := newTestBatcher(t, nil)

	if err := b.Register("", Rule{Send: (&recorder{}).send}); err == nil {
		t.Error("Register with empty kind should fail")
	}
	if err := b.Register("likes", Rule{}); err == nil {
		t.Error("Register without Send should fail")
	}
}

func TestBatcher_TransientFailureRedrives(t *testing.T) {
	b, fc := newTestBatcher(t, nil)
	rec := &recorder{results: []error{fmt.Errorf("post: %w", remote.ErrTransient)}}
	var gaveUp []remote.Row
	if err := b.Register("likes", Rule{
		Send:     rec.send,
		OnGiveUp: func(rows []remote.Row, err error) { gaveUp = append(gaveUp, rows...) },
	}); err != nil {
		t.Fatal(err)
	}

	_ = b.Add("likes", remote.Row{"n": float64(1)}, 0)
	_ = b.Add("likes", remote.Row{"n": float64(2)}, 0)

	fc.Advance(time.Second)
	if rec.calls() != 1 {
		t.Fatalf("Send called %d times, want 1", rec.calls())
	}
	if got := b.Pending("likes"); got != 2 {
		t.Fatalf("Pending() after transient failure = %d, want 2 redriven", got)
	}

	// Redrive waits Delay * RedriveBackoff.
	fc.Advance(2*time.Second - time.Millisecond)
	if rec.calls() != 1 {
		t.Fatal("redrive fired early")
	}
	fc.Advance(time.Millisecond)
	if rec.calls() != 2 {
		t.Fatalf("Send called %d times, want 2", rec.calls())
	}
	if len(gaveUp) != 0 {
		t.Errorf("gave up on %d payloads", len(gaveUp))
	}

	st := b.Stats()
	if st.Flushes != 1 || st.Sent != 2 || st.Redriven != 2 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestBatcher_RedriveBudgetExhausted(t *testing.T) {
	b, fc := newTestBatcher(t, func(c *Config) { c.MaxRedrives = 2 })
	transient := fmt.Errorf("post: %w", remote.ErrTransient)
	rec := &recorder{results: []error{transient, transient, transient, transient}}

	var gaveUp []remote.Row
	var gaveUpErr error
	if err := b.Register("likes", Rule{
		Send: rec.send,
		OnGiveUp: func(rows []remote.Row, err error) {
			gaveUp = append(gaveUp, rows...)
			gaveUpErr = err
		},
	}); err != nil {
		t.Fatal(err)
	}

	_ = b.Add("likes", remote.Row{"n": float64(1)}, 0)
	fc.Advance(time.Minute)

	if rec.calls() != 3 {
		t.Errorf("Send called %d times, want 3 (initial + 2 redrives)", rec.calls())
	}
	if len(gaveUp) != 1 {
		t.Fatalf("gave up on %d payloads, want 1", len(gaveUp))
	}
	if !errors.Is(gaveUpErr, remote.ErrTransient) {
		t.Errorf("give-up error = %v", gaveUpErr)
	}
	if b.Pending("likes") != 0 {
		t.Error("payload still pending after budget exhausted")
	}
}

func TestBatcher_PermanentFailureGivesUpImmediately(t *testing.T) {
	b, fc := newTestBatcher(t, nil)
	rec := &recorder{results: []error{fmt.Errorf("insert: %w", remote.ErrValidation)}}
	var gaveUp int
	if err := b.Register("likes", Rule{
		Send:     rec.send,
		OnGiveUp: func(rows []remote.Row, err error) { gaveUp += len(rows) },
	}); err != nil {
		t.Fatal(err)
	}

	_ = b.Add("likes", remote.Row{"n": float64(1)}, 0)
	_ = b.Add("likes", remote.Row{"n": float64(2)}, 0)
	fc.Advance(time.Minute)

	if rec.calls() != 1 {
		t.Errorf("Send called %d times, want 1", rec.calls())
	}
	if gaveUp != 2 {
		t.Errorf("gave up on %d payloads, want 2", gaveUp)
	}
}

func TestBatcher_FlushNow(t *testing.T) {
	b, fc := newTestBatcher(t, nil)
	rec := &recorder{}
	_ = b.Register("likes", Rule{Send: rec.send})
	_ = b.Register("views", Rule{Send: rec.send})

	if err := b.Flush(context.Background(), "likes"); err != nil {
		t.Errorf("Flush() of empty kind = %v", err)
	}

	_ = b.Add("likes", remote.Row{"n": float64(1)}, 0)
	_ = b.Add("views", remote.Row{"n": float64(2)}, 0)
	if err := b.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll() failed: %v", err)
	}
	if rec.calls() != 2 {
		t.Errorf("Send called %d times, want 2", rec.calls())
	}
	if fc.Pending() != 0 {
		t.Errorf("%d timers still armed after FlushAll", fc.Pending())
	}
}

func TestBatcher_StopGivesUpPending(t *testing.T) {
	b, _ := newTestBatcher(t, nil)
	var gotErr error
	var n int
	_ = b.Register("likes", Rule{
		Send:     (&recorder{}).send,
		OnGiveUp: func(rows []remote.Row, err error) { n += len(rows); gotErr = err },
	})

	_ = b.Add("likes", remote.Row{"n": float64(1)}, 0)
	b.Stop()

	if n != 1 || !errors.Is(gotErr, ErrStopped) {
		t.Errorf("OnGiveUp got %d payloads with %v", n, gotErr)
	}
	if err := b.Add("likes", remote.Row{}, 0); !errors.Is(err, ErrStopped) {
		t.Errorf("Add() after Stop = %v, want ErrStopped", err)
	}
}

func TestDedupeBy(t *testing.T) {
	merge := DedupeBy("user_id", "story_id")
	got := merge([]remote.Row{
		{"user_id": "u1", "story_id": "s1", "v": float64(1)},
		{"user_id": "u2", "story_id": "s1", "v": float64(2)},
		{"user_id": "u1", "story_id": "s1", "v": float64(3)},
	})

	want := []remote.Row{
		{"user_id": "u1", "story_id": "s1", "v": float64(3)},
		{"user_id": "u2", "story_id": "s1", "v": float64(2)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DedupeBy() mismatch (-want +got):\n%s", diff)
	}
}

func TestBatcher_PartialFailureSettlesOnlyFailedPayloads(t *testing.T) {
	b, fc := newTestBatcher(t, nil)

	var mu sync.Mutex
	var batches [][]string
	send := func(ctx context.Context, rows []remote.Row) error {
		mu.Lock()
		defer mu.Unlock()
		var names []string
		var failed []PayloadError
		for _, row := range rows {
			name := row.String("name")
			names = append(names, name)
			switch {
			case name == "bad":
				failed = append(failed, PayloadError{Payload: row, Err: fmt.Errorf("proc: %w", remote.ErrValidation)})
			case name == "flaky" && len(batches) == 0:
				failed = append(failed, PayloadError{Payload: row, Err: fmt.Errorf("proc: %w", remote.ErrTransient)})
			}
		}
		batches = append(batches, names)
		if len(failed) > 0 {
			return &BatchError{Failed: failed}
		}
		return nil
	}

	var gaveUp []string
	var gaveUpErr error
	if err := b.Register("likes", Rule{
		Send: send,
		OnGiveUp: func(rows []remote.Row, err error) {
			for _, row := range rows {
				gaveUp = append(gaveUp, row.String("name"))
			}
			gaveUpErr = err
		},
	}); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"ok", "bad", "flaky"} {
		_ = b.Add("likes", remote.Row{"name": name}, 0)
	}
	fc.Advance(time.Second)

	if diff := cmp.Diff([]string{"bad"}, gaveUp); diff != "" {
		t.Errorf("given up (-want +got):\n%s", diff)
	}
	if !errors.Is(gaveUpErr, remote.ErrValidation) {
		t.Errorf("give-up error = %v, want the failing payload's own error", gaveUpErr)
	}
	if got := b.Pending("likes"); got != 1 {
		t.Fatalf("Pending() = %d, want only the transient payload redriven", got)
	}

	fc.Advance(2 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	want := [][]string{{"ok", "bad", "flaky"}, {"flaky"}}
	if diff := cmp.Diff(want, batches); diff != "" {
		t.Errorf("batches (-want +got):\n%s", diff)
	}
	if st := b.Stats(); st.Sent != 2 || st.GivenUp != 1 || st.Redriven != 1 {
		t.Errorf("Stats() = %+v, want Sent 2, GivenUp 1, Redriven 1", st)
	}
}

func TestBatchError(t *testing.T) {
	err := &BatchError{Failed: []PayloadError{
		{Payload: remote.Row{"id": "1"}, Err: fmt.Errorf("a: %w", remote.ErrValidation)},
		{Payload: remote.Row{"id": "2"}, Err: fmt.Errorf("b: %w", remote.ErrConflict)},
	}}
	if !errors.Is(err, remote.ErrValidation) || !errors.Is(err, remote.ErrConflict) {
		t.Error("BatchError should unwrap to every payload error")
	}
	if got := err.Error(); got != "2 payloads failed, first: a: validation error" {
		t.Errorf("Error() = %q", got)
	}
}
