// Command tether runs and exercises the sync engine: a feed server over a
// local SQLite store, live views of its resources, one-off mutations and a
// coalescing benchmark.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/steveyegge/tether/internal/config"
	"github.com/steveyegge/tether/internal/logging"
)

var (
	// Populated by PersistentPreRunE for every command.
	v    *viper.Viper
	cfg  *config.Config
	sink *logging.Sink
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Client-side sync engine for a remote data store",
	Long: `tether keeps a local, optimistic view of remote rows in sync.

Writes apply to the view immediately, are coalesced into batches and, when
the network is down, queued until it returns. Change events from the store
confirm or revert them.

Configuration is read from tether.yaml or tether.toml (in the working
directory or .tether/), TETHER_* environment variables and flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := config.BindFlags(loaded, cmd.Flags(), flagBindings(cmd)); err != nil {
			return err
		}
		decoded, err := config.Decode(loaded)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		quiet, _ := cmd.Flags().GetBool("quiet")
		s, err := logging.Open(logging.Options{
			File:       decoded.Log.File,
			MaxSizeMB:  decoded.Log.MaxSizeMB,
			MaxBackups: decoded.Log.MaxBackups,
			MaxAgeDays: decoded.Log.MaxAgeDays,
			Compress:   decoded.Log.Compress,
			Quiet:      quiet,
		})
		if err != nil {
			return fmt.Errorf("failed to open log: %w", err)
		}

		v, cfg, sink = loaded, decoded, s
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if sink != nil {
			return sink.Close()
		}
		return nil
	},
}

// flagBindings maps config keys to the flags of cmd that override them.
// Flags a command does not define are skipped.
func flagBindings(cmd *cobra.Command) map[string]string {
	all := map[string]string{
		"db.path":       "db",
		"log.file":      "log-file",
		"server.port":   "port",
		"server.url":    "url",
		"netwatch.dir":  "netwatch-dir",
		"batcher.delay": "delay",
	}
	out := make(map[string]string)
	for key, name := range all {
		if cmd.Flags().Lookup(name) != nil {
			out[key] = name
		}
	}
	return out
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
	rootCmd.PersistentFlags().String("config", "", "Config file (default: tether.yaml or tether.toml)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides db.path)")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to a rotated file instead of stderr")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Discard component logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
