package commands

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/fleet"
	"github.com/spf13/cobra"
)

var (
	workersState string
	workersRole  string
	workersJSON  bool
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers",
	Long: `List the worker records held by the coordinator.

For each worker, displays:
  • Serial and model number
  • Role and lifecycle state
  • Drift score and patch counter
  • Last heartbeat age

Use --json for machine-readable output.`,
	RunE: runWorkers,
}

func init() {
	workersCmd.Flags().StringVar(&workersState, "state", "", "Filter by lifecycle state (active|sunset|archived)")
	workersCmd.Flags().StringVar(&workersRole, "role", "", "Filter by role")
	workersCmd.Flags().BoolVar(&workersJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(workersCmd)
}

func runWorkers(cmd *cobra.Command, args []string) error {
	query := url.Values{}
	if workersState != "" {
		query.Set("state", workersState)
	}
	if workersRole != "" {
		query.Set("role", workersRole)
	}
	path := "/api/v1/workers"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var workers []*fleet.WorkerRecord
	if err := apiGet(path, &workers); err != nil {
		return printer.Error("Cannot list workers", err.Error(), []string{
			"Check that dreyd is running",
		})
	}

	if len(workers) == 0 {
		printer.Println("No workers registered.")
		return nil
	}

	if workersJSON {
		data, err := json.MarshalIndent(workers, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal workers: %w", err)
		}
		printer.Println(string(data))
		return nil
	}

	printer.Printf("%-28s %-12s %-12s %-9s %7s %8s  %s\n",
		"SERIAL", "MODEL", "ROLE", "STATE", "DRIFT", "PATCHES", "LAST SEEN")
	for _, w := range workers {
		printer.Printf("%-28s %-12s %-12s %-9s %7.3f %8d  %s\n",
			w.Serial, w.ModelNumber, w.Role, w.State,
			w.DriftScore, w.PatchesApplied, heartbeatAge(w.LastHeartbeatMs))
	}
	return nil
}

func heartbeatAge(lastMs int64) string {
	if lastMs == 0 {
		return "-"
	}
	age := time.Since(time.UnixMilli(lastMs)).Round(time.Second)

	hours := age / time.Hour
	age -= hours * time.Hour
	minutes := age / time.Minute
	age -= minutes * time.Minute
	seconds := age / time.Second

	if hours > 0 {
		return fmt.Sprintf("%dh %dm ago", hours, minutes)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds ago", minutes, seconds)
	}
	return fmt.Sprintf("%ds ago", seconds)
}
