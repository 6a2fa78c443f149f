package commands

import (
	"strings"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/internal/registry"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet summary",
	Long: `Show the coordinator's fleet summary: worker counts per lifecycle state
and the model families currently deployed.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	var status registry.Status
	if err := apiGet("/api/v1/status", &status); err != nil {
		return printer.Error("Cannot reach coordinator", err.Error(), []string{
			"Check that dreyd is running",
			"Point --api (or DREY_API_URL) at the right address",
		})
	}

	printer.Field("Total workers", status.Total)
	printer.Field("Active", status.Active)
	printer.Field("Sunset", status.Sunset)
	printer.Field("Archived", status.Archived)
	printer.Field("Model families", strings.Join(status.ModelFamilies, ", "))
	return nil
}
