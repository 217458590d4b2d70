package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/tether/internal/engine"
	"github.com/steveyegge/tether/internal/reconcile"
	"github.com/steveyegge/tether/internal/remote"
	"github.com/steveyegge/tether/internal/ui"
)

var mutateCmd = &cobra.Command{
	Use:     "mutate <kind> key=value...",
	GroupID: "sync",
	Short:   "Apply one mutation and wait for the server to confirm it",
	Long: `Apply a mutation through the sync engine against 'tether serve'.

The mutation is shown optimistically, delivered (coalesced for increment),
and the command waits until the change event confirms it or the write fails.

Kinds:
  set        upsert fields:          set id=42 title="Hello"
  increment  atomic add to a field:  increment id=42 field=likes by=2
  delete     remove a row:           delete id=42

Examples:
  tether mutate set --resource stories id=42 title=Hello
  tether mutate increment --resource stories id=42 field=likes`,
	Args: cobra.MinimumNArgs(2),
	RunE: runMutate,
}

func init() {
	mutateCmd.Flags().StringP("resource", "r", "", "Resource to write to (required)")
	mutateCmd.Flags().String("url", "", "Feed server URL (overrides server.url)")
	mutateCmd.Flags().Duration("wait", 10*time.Second, "How long to wait for confirmation")
	_ = mutateCmd.MarkFlagRequired("resource")
	rootCmd.AddCommand(mutateCmd)
}

func runMutate(cmd *cobra.Command, args []string) error {
	resource, _ := cmd.Flags().GetString("resource")
	wait, _ := cmd.Flags().GetDuration("wait")
	kind := args[0]

	payload, err := parseAssignments(args[1:])
	if err != nil {
		return err
	}
	id := payload.ID()
	if id == "" {
		return fmt.Errorf("%s needs id=<value>", kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	client, err := connect()
	if err != nil {
		return err
	}
	eng, markers, err := newEngine(client)
	if err != nil {
		return err
	}
	defer shutdown(eng, markers)

	if err := registerKinds(eng, resource); err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	failures := make(chan engine.SyncError, 4)
	eng.OnSyncError(func(se engine.SyncError) { failures <- se })

	view, err := eng.OpenView(ctx, resource, remote.Filter{remote.FieldID: id})
	if err != nil {
		return err
	}
	defer view.Close()

	changes := make(chan reconcile.Change, 16)
	view.OnStateChange(func(c reconcile.Change) {
		select {
		case changes <- c:
		default:
		}
	})

	mutationID, err := view.Mutate(kind, payload)
	if err != nil {
		return err
	}
	if row, ok := view.Get(id); ok {
		data, _ := json.Marshal(row)
		fmt.Printf("%s %s %s\n", ui.RenderState("optimistic"), remote.Key(resource, id), data)
	}

	if err := eng.FlushPending(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		fmt.Printf("%s flush: %v\n", ui.RenderWarn("!"), err)
	}

	for {
		select {
		case c := <-changes:
			confirmed := c.Cause == reconcile.CauseConfirmed && c.MutationID == mutationID
			deleted := c.Cause == reconcile.CauseDeleted && kind == "delete"
			if !confirmed && !deleted {
				continue
			}
			data, _ := json.Marshal(c.View)
			fmt.Printf("%s %s %s\n", ui.RenderState(c.Cause.String()), c.Key, data)
			return nil
		case se := <-failures:
			if se.MutationID != mutationID {
				continue
			}
			fmt.Printf("%s %s (%s)\n", ui.RenderState("reverted"), se.Err, se.Class)
			return fmt.Errorf("mutation %s failed: %w", mutationID, se.Err)
		case <-ctx.Done():
			return fmt.Errorf("mutation %s not confirmed within %v (still queued: %d)", mutationID, wait, eng.Stats().Queued)
		}
	}
}
