package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/steveyegge/tether/internal/batcher"
	"github.com/steveyegge/tether/internal/cache"
	"github.com/steveyegge/tether/internal/db"
	"github.com/steveyegge/tether/internal/engine"
	"github.com/steveyegge/tether/internal/outbox"
	"github.com/steveyegge/tether/internal/remote"
	"github.com/steveyegge/tether/internal/remote/feed"
)

// serverURL is server.url, or the local feed server when unset.
func serverURL() string {
	if cfg.Server.URL != "" {
		return cfg.Server.URL
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
}

func openDB() (*db.DB, error) {
	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.DB.Path, err)
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return database, nil
}

func clientDBPath() string {
	return strings.TrimSuffix(cfg.DB.Path, filepath.Ext(cfg.DB.Path)) + ".client.db"
}

func connect() (*feed.Client, error) {
	return feed.NewClient(&feed.ClientConfig{
		URL:    serverURL(),
		Logger: sink.Logger("feed"),
	})
}

// newEngine builds an engine over store with every component configured from
// the loaded settings. The sync marker lives next to the database in
// <db>.client.db so a client never shares the server's file.
func newEngine(store remote.Store) (*engine.Engine, *db.DB, error) {
	markers, err := db.Open(clientDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open marker store: %w", err)
	}
	if err := markers.InitSchema(); err != nil {
		_ = markers.Close()
		return nil, nil, fmt.Errorf("failed to initialize marker store: %w", err)
	}

	eng, err := engine.New(store, markers, &engine.Config{
		DefaultTTL:     cfg.Cache.DefaultTTL,
		MarkerInterval: cfg.Engine.MarkerInterval,
		Cache: &cache.Config{
			SweepInterval: cfg.Cache.SweepInterval,
			Logger:        sink.Logger("cache"),
		},
		Batcher: &batcher.Config{
			MaxBatchSize:   cfg.Batcher.MaxBatchSize,
			Delay:          cfg.Batcher.Delay,
			MaxRedrives:    cfg.Batcher.MaxRedrives,
			RedriveBackoff: cfg.Batcher.RedriveBackoff,
			Logger:         sink.Logger("batcher"),
		},
		Outbox: &outbox.Config{
			MaxRetries:    cfg.Outbox.MaxRetries,
			DrainInterval: cfg.Outbox.DrainInterval,
			Online:        true,
			Logger:        sink.Logger("outbox"),
		},
		Logger: sink.Logger("engine"),
	})
	if err != nil {
		_ = markers.Close()
		return nil, nil, err
	}
	return eng, markers, nil
}

// registerKinds installs the generic kinds the CLI exposes for resource:
//
//	set        upsert the given fields of a row
//	increment  add "by" (default 1) to "field" atomically, coalesced
//	delete     remove a row
func registerKinds(eng *engine.Engine, resource string) error {
	kinds := []engine.Kind{
		{Name: "set", Resource: resource, Durable: true},
		{
			Name:       "increment",
			Resource:   resource,
			Procedure:  "increment",
			Optimistic: engine.Increment(""),
			Batch:      true,
			Durable:    true,
		},
		{
			Name:      "delete",
			Resource:  resource,
			Procedure: "delete",
			Durable:   true,
		},
	}
	for _, k := range kinds {
		if err := eng.RegisterKind(k); err != nil {
			return fmt.Errorf("failed to register %s: %w", k.Name, err)
		}
	}
	return nil
}

// parseAssignments turns key=value arguments into a row. Numbers and
// booleans are typed; ids and everything else stay strings.
func parseAssignments(args []string) (remote.Row, error) {
	row := remote.Row{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		if key == remote.FieldID || key == remote.FieldMutationID {
			row[key] = value
			continue
		}
		row[key] = parseValue(value)
	}
	return row, nil
}

func parseValue(s string) any {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// parseFilter parses --filter values the same way as assignments.
func parseFilter(args []string) (remote.Filter, error) {
	row, err := parseAssignments(args)
	if err != nil {
		return nil, err
	}
	if len(row) == 0 {
		return nil, nil
	}
	return remote.Filter(row), nil
}

func shutdown(eng *engine.Engine, markers *db.DB) {
	if err := eng.Shutdown(context.Background()); err != nil {
		sink.Logger("engine").Printf("Warning: shutdown incomplete: %v", err)
	}
	_ = markers.Close()
}
