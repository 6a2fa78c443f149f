package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	// apiURL is where the drey coordinator's HTTP API listens.
	apiURL string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "drey",
	Short: "Drey - AI worker fleet coordinator CLI",
	Long: `Drey coordinates a fleet of specialized AI worker processes: identity
allocation, knowledge-cluster fusion, predicate broadcast, and drift-based
lifecycle management.

The CLI talks to a running drey coordinator over its HTTP API, and can
subscribe directly to the fleet event stream on Redis.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultAPIURL(), "Coordinator API base URL")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// defaultAPIURL resolves the coordinator address from the environment.
func defaultAPIURL() string {
	if url := os.Getenv("DREY_API_URL"); url != "" {
		return url
	}
	return "http://localhost:8500"
}

// apiGet fetches a JSON payload from the coordinator API.
func apiGet(path string, out interface{}) error {
	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Get(apiURL + path)
	if err != nil {
		return fmt.Errorf("failed to reach coordinator at %s: %w", apiURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
