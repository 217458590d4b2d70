package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/tether/internal/db"
	"github.com/steveyegge/tether/internal/engine"
	"github.com/steveyegge/tether/internal/netwatch"
	"github.com/steveyegge/tether/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "maint",
	Short:   "Show store contents, server health and connectivity",
	Run:     runStatus,
}

func init() {
	statusCmd.Flags().String("url", "", "Feed server URL (overrides server.url)")
	statusCmd.Flags().Bool("json", false, "Output status as JSON")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	DB        string         `json:"db"`
	Resources map[string]int `json:"resources,omitempty"`
	Server    string         `json:"server"`
	Reachable bool           `json:"reachable"`
	Online    bool           `json:"online"`
	LastEvent string         `json:"last_event,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report := statusReport{DB: cfg.DB.Path, Server: serverURL()}

	if _, err := os.Stat(cfg.DB.Path); err == nil {
		database, err := db.Open(cfg.DB.Path)
		if err == nil {
			report.Resources, _ = database.ResourceCounts(ctx)
			_ = database.Close()
		}
	}

	if client, err := connect(); err == nil {
		report.Reachable = client.Health(ctx) == nil
	}

	_, err := os.Stat(filepath.Join(cfg.Netwatch.Dir, netwatch.MarkerName))
	report.Online = errors.Is(err, os.ErrNotExist)

	report.LastEvent = lastEvent(ctx)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	}

	reachable := ui.RenderState("error")
	if report.Reachable {
		reachable = ui.RenderState("ok")
	}
	connectivity := "online"
	if !report.Online {
		connectivity = "offline"
	}
	lastEvent := report.LastEvent
	if lastEvent == "" {
		lastEvent = ui.RenderMuted("none")
	}
	fmt.Print(ui.KeyValue([][2]string{
		{"database", report.DB},
		{"server", report.Server + " " + reachable},
		{"network", ui.RenderState(connectivity)},
		{"last event", lastEvent},
	}))

	if len(report.Resources) > 0 {
		names := make([]string, 0, len(report.Resources))
		for name := range report.Resources {
			names = append(names, name)
		}
		sort.Strings(names)
		rows := make([][]string, 0, len(names))
		for _, name := range names {
			rows = append(rows, []string{name, strconv.Itoa(report.Resources[name])})
		}
		fmt.Println()
		fmt.Print(ui.RenderTable([]string{"RESOURCE", "ROWS"}, rows))
	}
}

// lastEvent reads the client's persisted sync marker, if any.
func lastEvent(ctx context.Context) string {
	path := clientDBPath()
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	markers, err := db.Open(path)
	if err != nil {
		return ""
	}
	defer markers.Close()
	data, ok, err := markers.GetBlob(ctx, engine.MarkerKey)
	if err != nil || !ok {
		return ""
	}
	return string(data)
}
