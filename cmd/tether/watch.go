package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/tether/internal/engine"
	"github.com/steveyegge/tether/internal/netwatch"
	"github.com/steveyegge/tether/internal/reconcile"
	"github.com/steveyegge/tether/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch <resource>",
	GroupID: "sync",
	Short:   "Follow a resource through the sync engine",
	Long: `Open a live view of a resource served by 'tether serve' and print every
state change: optimistic writes, confirmations, remote changes, reverts and
deletions.

Connectivity follows the offline marker in netwatch.dir: while
<netwatch.dir>/offline exists, writes are queued locally; removing it drains
the queue.

Examples:
  tether watch stories
  tether watch stories --filter board=go
  tether watch stories --url http://sync.internal:7070`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("url", "", "Feed server URL (overrides server.url)")
	watchCmd.Flags().StringSlice("filter", nil, "Equality filter as key=value (repeatable)")
	watchCmd.Flags().String("netwatch-dir", "", "Directory watched for the offline marker (overrides netwatch.dir)")
	watchCmd.Flags().Bool("json", false, "Print changes as JSON lines")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	resource := args[0]
	filterArgs, _ := cmd.Flags().GetStringSlice("filter")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	filter, err := parseFilter(filterArgs)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := connect()
	if err != nil {
		return err
	}
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("feed server at %s is not reachable: %w", serverURL(), err)
	}

	eng, markers, err := newEngine(client)
	if err != nil {
		return err
	}
	defer shutdown(eng, markers)

	if err := eng.Start(ctx); err != nil {
		return err
	}
	eng.OnSyncError(func(se engine.SyncError) {
		fmt.Printf("%s %s %s: %v\n", ui.RenderFail("✗"), se.Kind, se.MutationID, se.Err)
	})

	watcher, err := netwatch.New(cfg.Netwatch.Dir, func(online bool) {
		eng.SetOnline(online)
		state := "online"
		if !online {
			state = "offline"
		}
		fmt.Printf("%s network %s\n", ui.RenderMuted(time.Now().Format("15:04:05")), ui.RenderState(state))
	}, sink.Logger("netwatch"))
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	view, err := eng.OpenView(ctx, resource, filter)
	if err != nil {
		return err
	}
	defer view.Close()

	rows := view.Rows()
	fmt.Printf("%s Watching %s (%d rows) on %s\n", ui.RenderAccent("▶"), resource, len(rows), serverURL())
	if !jsonOutput {
		table := make([][]string, 0, len(rows))
		for _, row := range rows {
			data, _ := json.Marshal(row)
			table = append(table, []string{row.ID(), string(data)})
		}
		if len(table) > 0 {
			fmt.Print(ui.RenderTable([]string{"ID", "ROW"}, table))
		}
	}

	view.OnStateChange(func(c reconcile.Change) {
		if jsonOutput {
			data, _ := json.Marshal(map[string]any{
				"key":         c.Key,
				"cause":       c.Cause.String(),
				"mutation_id": c.MutationID,
				"pending":     c.Pending,
				"deleted":     c.Deleted,
				"row":         c.View,
			})
			fmt.Println(string(data))
			return
		}
		data, _ := json.Marshal(c.View)
		pending := ""
		if c.Pending {
			pending = ui.RenderWarn(" (pending)")
		}
		fmt.Printf("%s %-10s %s %s%s\n",
			ui.RenderMuted(time.Now().Format("15:04:05")),
			ui.RenderState(c.Cause.String()),
			c.Key, string(data), pending)
	})

	<-ctx.Done()
	fmt.Println("\nFlushing pending writes...")
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := eng.FlushPending(flushCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	return nil
}
