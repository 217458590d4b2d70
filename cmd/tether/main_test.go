package main

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"github.com/steveyegge/tether/internal/config"
	"github.com/steveyegge/tether/internal/db"
	"github.com/steveyegge/tether/internal/logging"
	"github.com/steveyegge/tether/internal/reconcile"
	"github.com/steveyegge/tether/internal/remote"
	"github.com/steveyegge/tether/internal/remote/feed"
	"github.com/steveyegge/tether/internal/remote/sqlstore"
)

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"id=42", "title=Hello world", "likes=3", "draft=true", "note="})
	if err != nil {
		t.Fatalf("parseAssignments() failed: %v", err)
	}
	want := remote.Row{"id": "42", "title": "Hello world", "likes": float64(3), "draft": true, "note": ""}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseAssignments() mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseAssignments([]string{bad}); err == nil {
			t.Errorf("parseAssignments(%q) should fail", bad)
		}
	}
}

func TestParseFilter_Empty(t *testing.T) {
	f, err := parseFilter(nil)
	if err != nil || f != nil {
		t.Errorf("parseFilter(nil) = %v, %v; want nil, nil", f, err)
	}
}

func TestFlagBindings_OnlyDefinedFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "x"}
	cmd.Flags().String("url", "", "")
	got := flagBindings(cmd)
	want := map[string]string{"server.url": "url"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("flagBindings() mismatch (-want +got):\n%s", diff)
	}
}

func logQuiet() *log.Logger { return log.New(io.Discard, "", 0) }

// setupGlobals points the command globals at a scratch directory.
func setupGlobals(t *testing.T, serverAddr string) {
	t.Helper()
	dir := t.TempDir()
	v = config.New()
	v.Set("db.path", filepath.Join(dir, "tether.db"))
	v.Set("server.url", "http://"+serverAddr)
	v.Set("netwatch.dir", dir)
	v.Set("batcher.delay", "20ms")
	decoded, err := config.Decode(v)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	cfg = decoded
	s, err := logging.Open(logging.Options{Quiet: true})
	if err != nil {
		t.Fatal(err)
	}
	sink = s
}

func TestEngineOverFeed_IncrementConfirms(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	if err := database.InitSchema(); err != nil {
		t.Fatal(err)
	}

	store, err := sqlstore.New(database, &sqlstore.Config{Logger: logQuiet()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.InsertMany(ctx, "stories", []remote.Row{{"id": "42", "likes": float64(1)}}); err != nil {
		t.Fatal(err)
	}

	server, err := feed.NewServer(store, &feed.Config{Port: 0, Logger: logQuiet()})
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	defer server.Stop()
	time.Sleep(50 * time.Millisecond)

	setupGlobals(t, server.GetAddr())

	client, err := connect()
	if err != nil {
		t.Fatal(err)
	}
	eng, markers, err := newEngine(client)
	if err != nil {
		t.Fatalf("newEngine() failed: %v", err)
	}
	defer shutdown(eng, markers)

	if err := registerKinds(eng, "stories"); err != nil {
		t.Fatal(err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatal(err)
	}
	view, err := eng.OpenView(ctx, "stories", nil)
	if err != nil {
		t.Fatal(err)
	}

	confirmed := make(chan reconcile.Change, 4)
	view.OnStateChange(func(c reconcile.Change) {
		if c.Cause == reconcile.CauseConfirmed {
			confirmed <- c
		}
	})

	payload, _ := parseAssignments([]string{"id=42", "field=likes", "by=2"})
	mutationID, err := view.Mutate("increment", payload)
	if err != nil {
		t.Fatalf("Mutate() failed: %v", err)
	}
	if row, _ := view.Get("42"); row["likes"] != float64(3) {
		t.Errorf("optimistic likes = %v, want 3", row["likes"])
	}

	select {
	case c := <-confirmed:
		if c.MutationID != mutationID || c.View["likes"] != float64(3) || c.Pending {
			t.Errorf("confirmation = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("increment was not confirmed")
	}

	if err := eng.FlushPending(ctx); err != nil {
		t.Fatalf("FlushPending() failed: %v", err)
	}
	if got := lastEvent(ctx); got == "" {
		t.Error("lastEvent() empty after a confirmed write")
	}
}
