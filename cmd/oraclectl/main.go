// Command oraclectl is an operational inspection CLI for a running oracle
// process: it talks to the read API over HTTP rather than touching the
// store directly, the same split cmd/synnergy draws between the node
// binary and its cobra-based inspection commands.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	var baseURL string

	root := &cobra.Command{
		Use:   "oraclectl",
		Short: "inspect a running contribution oracle",
	}
	root.PersistentFlags().StringVar(&baseURL, "api", "http://127.0.0.1:8090", "base URL of the oracle's API")

	root.AddCommand(topologyCmd(&baseURL))
	root.AddCommand(formulaCmd(&baseURL))
	root.AddCommand(sweepCmd(&baseURL))
	root.AddCommand(statsCmd(&baseURL))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// topologyCmd prints the current pipeline assignment rows for a model.
func topologyCmd(baseURL *string) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "dump the pipeline layer-split topology for a model",
		RunE: func(cmd *cobra.Command, args []string) error {
			if model == "" {
				return fmt.Errorf("oraclectl: --model is required")
			}
			return getJSON(*baseURL+"/api/v1/pipeline/topology?model="+model, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name")
	return cmd
}

// formulaCmd prints the scorer's current weight vector, the same contract
// GET /api/formula serves for dashboards.
func formulaCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "formula",
		Short: "print the current contribution scoring formula",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(*baseURL+"/api/formula", cmd.OutOrStdout())
		},
	}
}

// sweepCmd prints the node list from /api/nodes once. It does not trigger a
// sweep: the monitor's own ticker owns the real sweep, so this just surfaces the current registry snapshot for a before/after
// comparison rather than reaching into the process.
func sweepCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "print the active node set (for confirming a stale sweep took effect)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(*baseURL+"/api/nodes", cmd.OutOrStdout())
		},
	}
}

// statsCmd prints the aggregate dashboard stats payload.
func statsCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print aggregate network stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(*baseURL+"/api/stats", cmd.OutOrStdout())
		},
	}
}

func getJSON(url string, out io.Writer) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("oraclectl: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("oraclectl: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("oraclectl: %s returned %s: %s", url, resp.Status, body)
	}

	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Fprintln(out, string(body))
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}
