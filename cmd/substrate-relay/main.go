// Package main is the entrypoint for substrate-relay. One binary runs every
// relay role; the supervisor re-executes it once per component.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/substrate-ai/relay/internal/config"
	"github.com/substrate-ai/relay/internal/gateway"
	"github.com/substrate-ai/relay/internal/server"
	"github.com/substrate-ai/relay/internal/uibridge"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const usage = `Usage: substrate-relay [command]
       substrate-relay agent            Start the agent host (command endpoint, config store, events).
       substrate-relay gateway          Start the relay gateway for overlay peers.
       substrate-relay bridge           Start the UI bridge for the local renderer.
       substrate-relay up               Start every component in the supervisor manifest.
       substrate-relay stop <target>    Stop one component by handle, name or label.
       substrate-relay status           Show supervised components.
       substrate-relay migrate up       Run database migrations.
       substrate-relay migrate status   Show migration status.
       substrate-relay ensure-db [name] Create database if missing (default name: substrate_test).
       substrate-relay clear            Delete the stored config and every profile.

Environment: ENDPOINT_SOCKET or ENDPOINT_ADDR, DATABASE_URL or CONFIG_FILE, COMMS_URL,
GATEWAY_ADDR, GATEWAY_AUTH_TOKEN, BRIDGE_ADDR, SUPERVISOR_MANIFEST, LOG_LEVEL. See README.
`

// runFunc is the shape of every long-running role.
type runFunc func(ctx context.Context, cfg *config.Config) error

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "substrate-relay",
		Short:         "Substrate remote command and config relay",
		Long:          usage,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRoleCmd("agent", "Start the agent host", server.Run))
	cmd.AddCommand(newRoleCmd("gateway", "Start the relay gateway (Remote Bridge)", gateway.Run))
	cmd.AddCommand(newRoleCmd("bridge", "Start the UI bridge", uibridge.Run))
	cmd.AddCommand(newUpCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newEnsureDBCmd())
	cmd.AddCommand(newClearCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newRoleCmd(use, short string, run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "substrate-relay %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(ctx context.Context, cmd *cobra.Command) int {
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "substrate-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(context.Background(), newRootCmd()))
}
