// Package main implements the orchestrator: a service that keeps a pool of
// machines from an AWS Auto Scaling group warm and hands idle ones to
// projects on request.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              orchestrator               │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    GET  /{projectId} - Allocate machine │
//	│    POST /destroy     - Destroy machine  │
//	│    GET  /status      - Pool snapshot    │
//	│    GET  /health      - Liveness         │
//	│    GET  /metrics     - Prometheus       │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    pool.Registry     - Machine state    │
//	│    pool.Reconciler   - 10s cloud sync   │
//	│    pool.Engine       - Allocate/destroy │
//	└─────────────────────────────────────────┘
//
// Configuration (environment, see internal/config for the full list):
//   - AWS_ACCESS_KEY, AWS_SECRET_KEY: credentials (required)
//   - ORCHESTRATOR_GROUP: Auto Scaling group (default: "vscode-asg")
//   - ORCHESTRATOR_REGION: region (default: "us-east-1")
//   - ORCHESTRATOR_LISTEN: listen address (default: ":9092")
//
// Example usage:
//
//	AWS_ACCESS_KEY=... AWS_SECRET_KEY=... ./orchestrator serve
//
//	./orchestrator allocate my-project
//	./orchestrator status
//	./orchestrator destroy i-0abc123
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dreamware/orchestrator/internal/client"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "orchestrator",
		Short:        "Keep a warm pool of machines and hand them to projects",
		Version:      version,
		SilenceUsage: true,
	}

	var serverURL string
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9092", "orchestrator URL used by client commands")

	root.AddCommand(
		newServeCmd(),
		newAllocateCmd(&serverURL),
		newDestroyCmd(&serverURL),
		newStatusCmd(&serverURL),
	)
	return root
}

func newAllocateCmd(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "allocate PROJECT",
		Short: "Allocate an idle machine to PROJECT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client.New(*serverURL).Allocate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newDestroyCmd(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy MACHINE",
		Short: "Terminate a machine by instance ID or tracked address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client.New(*serverURL).Destroy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newStatusCmd(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the machine pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := client.New(*serverURL).Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
