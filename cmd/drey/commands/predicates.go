package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/fleet"
	"github.com/spf13/cobra"
)

var predicatesJSON bool

var predicatesCmd = &cobra.Command{
	Use:   "predicates",
	Short: "List invented predicates",
	Long: `List the predicates the fusion engine has promoted from fused knowledge
clusters, in invention order.`,
	RunE: runPredicates,
}

func init() {
	predicatesCmd.Flags().BoolVar(&predicatesJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(predicatesCmd)
}

func runPredicates(cmd *cobra.Command, args []string) error {
	var predicates []*fleet.Predicate
	if err := apiGet("/api/v1/predicates", &predicates); err != nil {
		return printer.Error("Cannot list predicates", err.Error(), []string{
			"Check that dreyd is running",
		})
	}

	if len(predicates) == 0 {
		printer.Println("No predicates invented yet.")
		return nil
	}

	if predicatesJSON {
		data, err := json.MarshalIndent(predicates, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal predicates: %w", err)
		}
		printer.Println(string(data))
		return nil
	}

	printer.Printf("%-24s %-10s %-20s %s\n", "NAME", "CONFIDENCE", "CREATED", "NODES")
	for _, p := range predicates {
		printer.Printf("%-24s %-10.3f %-20s %s\n",
			p.Name, p.Confidence,
			time.UnixMilli(p.CreatedAtMs).Format("2006-01-02 15:04:05"),
			strings.Join(p.Nodes, ", "))
	}
	return nil
}
