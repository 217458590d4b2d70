// Package loadtest drives bursts of optimistic writes through an engine.
//
// A TestBed wires a SQLite-backed store to an engine with one batched
// "like" kind. RunBurst fires concurrent writers at it and reports how fast
// the optimistic view updated, how long confirmation took, and how many
// remote calls the coalescer needed for the whole burst.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/tether/internal/batcher"
	"github.com/steveyegge/tether/internal/db"
	"github.com/steveyegge/tether/internal/engine"
	"github.com/steveyegge/tether/internal/reconcile"
	"github.com/steveyegge/tether/internal/remote"
	"github.com/steveyegge/tether/internal/remote/sqlstore"
)

// Options configure a TestBed.
type Options struct {
	// Entities is the number of rows seeded in the resource (default: 100)
	Entities int

	// Delay is the coalescing window of the like kind (default: 50ms)
	Delay time.Duration

	// MaxBatchSize flushes a batch early at this size (default: 50)
	MaxBatchSize int

	// Logger for engine and store activity (default: discard)
	Logger *log.Logger
}

func (o *Options) defaults() {
	if o.Entities <= 0 {
		o.Entities = 100
	}
	if o.Delay <= 0 {
		o.Delay = 50 * time.Millisecond
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 50
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
}

// Resource is the resource seeded by CreateTestBed.
const Resource = "stories"

// TestBed is a populated store with a started engine and an open view.
type TestBed struct {
	DB     *db.DB
	Store  *sqlstore.Store
	Engine *engine.Engine
	View   *engine.View
	IDs    []string

	initial float64
}

// LatencyStats captures latency percentiles for one measurement.
type LatencyStats struct {
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	P50     time.Duration // Median
	P95     time.Duration
	P99     time.Duration
	Samples int
}

// Result summarizes one burst.
type Result struct {
	Mutations   int
	Errors      int
	Confirmed   int
	RemoteCalls int
	Duration    time.Duration
	Optimistic  *LatencyStats
	Confirm     *LatencyStats
}

// CoalescingRatio is the number of mutations per remote call.
func (r *Result) CoalescingRatio() float64 {
	if r.RemoteCalls == 0 {
		return 0
	}
	return float64(r.Mutations) / float64(r.RemoteCalls)
}

// CreateTestBed opens a database at dbPath, seeds opts.Entities rows with a
// zero like count and starts an engine following them.
func CreateTestBed(ctx context.Context, dbPath string, opts Options) (*TestBed, error) {
	opts.defaults()

	database, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.InitSchemaContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	store, err := sqlstore.New(database, &sqlstore.Config{Logger: opts.Logger})
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	tb := &TestBed{DB: database, Store: store, IDs: make([]string, 0, opts.Entities)}
	rows := make([]remote.Row, 0, opts.Entities)
	for i := 0; i < opts.Entities; i++ {
		id := fmt.Sprintf("story-%05d", i)
		tb.IDs = append(tb.IDs, id)
		rows = append(rows, remote.Row{"id": id, "title": fmt.Sprintf("Story %d", i), "likes": float64(0)})
	}
	if err := store.InsertMany(ctx, Resource, rows); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to seed %s: %w", Resource, err)
	}

	eng, err := engine.New(store, database, &engine.Config{
		DefaultTTL:     30 * time.Second,
		MarkerInterval: time.Second,
		Batcher: &batcher.Config{
			MaxBatchSize:   opts.MaxBatchSize,
			Delay:          opts.Delay,
			MaxRedrives:    3,
			RedriveBackoff: 2,
			Logger:         opts.Logger,
		},
		Logger: opts.Logger,
	})
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	if err := eng.RegisterKind(engine.Kind{
		Name:          "like",
		Resource:      Resource,
		Procedure:     "increment",
		ProcedureArgs: remote.Row{"field": "likes"},
		Optimistic:    engine.Increment("likes"),
		Batch:         true,
		Delay:         opts.Delay,
		Durable:       true,
	}); err != nil {
		_ = database.Close()
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		_ = database.Close()
		return nil, err
	}
	view, err := eng.OpenView(ctx, Resource, nil)
	if err != nil {
		_ = eng.Shutdown(ctx)
		_ = database.Close()
		return nil, err
	}

	tb.Engine = eng
	tb.View = view
	return tb, nil
}

// Close shuts the engine down and closes the database.
func (tb *TestBed) Close() error {
	var firstErr error
	if tb.Engine != nil {
		if err := tb.Engine.Shutdown(context.Background()); err != nil {
			firstErr = err
		}
	}
	if tb.DB != nil {
		if err := tb.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RunBurst has numWriters goroutines each like likesPerWriter random stories,
// then waits up to settle for every like to be confirmed.
func (tb *TestBed) RunBurst(ctx context.Context, numWriters, likesPerWriter int, settle time.Duration) (*Result, error) {
	var (
		mu         sync.Mutex
		started    = make(map[string]time.Time)
		confirmed  = make(map[string]time.Time)
		optimistic []time.Duration
		errCount   int
	)

	unsubscribe := tb.View.OnStateChange(func(c reconcile.Change) {
		if c.Cause != reconcile.CauseConfirmed || c.MutationID == "" {
			return
		}
		mu.Lock()
		confirmed[c.MutationID] = time.Now()
		mu.Unlock()
	})
	defer unsubscribe()

	callsBefore := tb.Engine.Stats().Batcher.Flushes
	begin := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(writer) + 42))

			for j := 0; j < likesPerWriter; j++ {
				id := tb.IDs[rng.Intn(len(tb.IDs))]
				start := time.Now()
				mutationID, err := tb.View.Mutate("like", remote.Row{"id": id})
				elapsed := time.Since(start)

				mu.Lock()
				if err != nil {
					errCount++
				} else {
					started[mutationID] = start
					optimistic = append(optimistic, elapsed)
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	total := numWriters * likesPerWriter
	deadline := time.Now().Add(settle)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(confirmed) >= len(started)
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()

	var confirmLatencies []time.Duration
	for id, at := range confirmed {
		if s, ok := started[id]; ok {
			confirmLatencies = append(confirmLatencies, at.Sub(s))
		}
	}

	return &Result{
		Mutations:   total,
		Errors:      errCount,
		Confirmed:   len(confirmLatencies),
		RemoteCalls: tb.Engine.Stats().Batcher.Flushes - callsBefore,
		Duration:    time.Since(begin),
		Optimistic:  computeLatencyStats(optimistic),
		Confirm:     computeLatencyStats(confirmLatencies),
	}, nil
}

// Verify checks that the store holds exactly the seeded likes plus expected,
// and that the view agrees with the store once nothing is pending.
func (tb *TestBed) Verify(ctx context.Context, expected int) error {
	rows, err := tb.Store.FetchMany(ctx, Resource, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", Resource, err)
	}
	var total float64
	stored := make(map[string]float64, len(rows))
	for _, row := range rows {
		n, _ := row.Number("likes")
		stored[row.ID()] = n
		total += n
	}
	if want := tb.initial + float64(expected); total != want {
		return fmt.Errorf("store holds %v likes, want %v (lost or duplicated updates)", total, want)
	}

	for _, id := range tb.IDs {
		st, ok := tb.View.State(id)
		if !ok || st.Pending() {
			continue
		}
		if n, _ := st.View().Number("likes"); n != stored[id] {
			return fmt.Errorf("view shows %v likes for %s, store has %v", n, id, stored[id])
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Mean:    sum / time.Duration(len(durations)),
		P50:     sorted[len(sorted)*50/100],
		P95:     sorted[len(sorted)*95/100],
		P99:     sorted[len(sorted)*99/100],
		Samples: len(durations),
	}
}

// Fprint writes the statistics under title.
func (s *LatencyStats) Fprint(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Samples:       %d\n", s.Samples)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
