package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/tether/internal/loadtest"
	"github.com/steveyegge/tether/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure optimistic latency and write coalescing under a burst",
	Long: `Run a burst of concurrent "like" mutations against a scratch store and
report how quickly the optimistic view updated, how long confirmation took,
and how many remote calls the coalescer needed.

The run ends with a consistency check: the store must hold exactly one
increment per mutation and the view must agree with it.

Examples:
  tether bench
  tether bench --writers 50 --likes 40 --delay 250ms
  tether bench --json`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().Int("entities", 100, "Number of rows to spread likes over")
	benchCmd.Flags().Int("writers", 20, "Number of concurrent writers")
	benchCmd.Flags().Int("likes", 25, "Likes per writer")
	benchCmd.Flags().Duration("delay", 100*time.Millisecond, "Coalescing window")
	benchCmd.Flags().Int("batch", 500, "Flush a batch early at this size")
	benchCmd.Flags().Duration("settle", 30*time.Second, "How long to wait for confirmations")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	entities, _ := cmd.Flags().GetInt("entities")
	writers, _ := cmd.Flags().GetInt("writers")
	likes, _ := cmd.Flags().GetInt("likes")
	delay, _ := cmd.Flags().GetDuration("delay")
	batch, _ := cmd.Flags().GetInt("batch")
	settle, _ := cmd.Flags().GetDuration("settle")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	dir, err := os.MkdirTemp("", "tether-bench-")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	tb, err := loadtest.CreateTestBed(ctx, filepath.Join(dir, "bench.db"), loadtest.Options{
		Entities:     entities,
		Delay:        delay,
		MaxBatchSize: batch,
		Logger:       sink.Logger("bench"),
	})
	if err != nil {
		return err
	}
	defer tb.Close()

	if !jsonOutput {
		fmt.Printf("%s %d writers x %d likes over %d rows (window %v)\n",
			ui.RenderAccent("▶"), writers, likes, entities, delay)
	}

	result, err := tb.RunBurst(ctx, writers, likes, settle)
	if err != nil {
		return err
	}
	verifyErr := tb.Verify(ctx, result.Mutations-result.Errors)

	if jsonOutput {
		out := map[string]any{
			"mutations":        result.Mutations,
			"errors":           result.Errors,
			"confirmed":        result.Confirmed,
			"remote_calls":     result.RemoteCalls,
			"coalescing_ratio": result.CoalescingRatio(),
			"duration_ms":      result.Duration.Milliseconds(),
			"optimistic":       result.Optimistic,
			"confirm":          result.Confirm,
			"consistent":       verifyErr == nil,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		return verifyErr
	}

	fmt.Println()
	result.Optimistic.Fprint(os.Stdout, "Optimistic apply")
	fmt.Println()
	result.Confirm.Fprint(os.Stdout, "Server confirmation")
	fmt.Println()
	fmt.Print(ui.KeyValue([][2]string{
		{"mutations", fmt.Sprint(result.Mutations)},
		{"confirmed", fmt.Sprint(result.Confirmed)},
		{"remote calls", fmt.Sprint(result.RemoteCalls)},
		{"coalescing", fmt.Sprintf("%.1f mutations/call", result.CoalescingRatio())},
		{"duration", result.Duration.Round(time.Millisecond).String()},
	}))

	if verifyErr != nil {
		fmt.Printf("\n%s %v\n", ui.RenderFail("✗ inconsistent:"), verifyErr)
		return verifyErr
	}
	fmt.Printf("\n%s store and view agree\n", ui.RenderPass("✓"))
	return nil
}
