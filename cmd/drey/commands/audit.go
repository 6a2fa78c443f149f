package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dyluth/drey/internal/printer"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the coordinator's audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit log's hash chain",
	Long: `Recompute the audit log's hash chain end to end and report whether every
entry validates. A detected violation means the log was tampered with; the
coordinator halts further audit writes until the operator intervenes.`,
	RunE: runAuditVerify,
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Get(apiURL + "/api/v1/audit/verify")
	if err != nil {
		return printer.Error("Cannot reach coordinator", err.Error(), []string{
			"Check that dreyd is running",
		})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var verdict struct {
		OK      bool   `json:"ok"`
		Entries uint64 `json:"entries"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &verdict); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if !verdict.OK {
		return printer.Error("Audit chain verification FAILED", verdict.Error, []string{
			"The audit log has been tampered with or corrupted",
			"Coordinator audit writes are halted until the log is restored",
		})
	}

	printer.Success("audit chain valid (%d entries)\n", verdict.Entries)
	return nil
}
