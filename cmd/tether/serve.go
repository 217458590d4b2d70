package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/steveyegge/tether/internal/remote/feed"
	"github.com/steveyegge/tether/internal/remote/sqlstore"
	"github.com/steveyegge/tether/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Serve the local SQLite store over HTTP and WebSocket",
	Long: `Start a feed server over the SQLite store at db.path.

Clients (tether watch, tether mutate, or any engine using feed.Client) fetch
and write rows through the JSON endpoints and follow changes on the
WebSocket endpoint:

  POST /fetch, /fetch-one, /insert, /invoke
  GET  /ws?resource=<name>[&filter=<json>]
  GET  /health

Examples:
  tether serve                 # listen on server.port (default 7070)
  tether serve --port 9000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 7070, "Port to listen on (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	store, err := sqlstore.New(database, &sqlstore.Config{Logger: sink.Logger("store")})
	if err != nil {
		return err
	}
	server, err := feed.NewServer(store, &feed.Config{
		Port:   cfg.Server.Port,
		Logger: sink.Logger("feed"),
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start feed server: %w", err)
	}

	fmt.Printf("%s Serving %s on http://%s\n", ui.RenderAccent("▶"), cfg.DB.Path, server.GetAddr())
	fmt.Printf("WebSocket endpoint: ws://%s/ws?resource=<name>\n", server.GetAddr())
	fmt.Println("\nPress Ctrl+C to stop...")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	fmt.Println("\nShutting down...")
	return server.Stop()
}
