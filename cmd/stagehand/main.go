package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ovren/stagehand/internal/gate"
	"github.com/ovren/stagehand/internal/supervisor"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// Exit codes: 1 config or usage error, 2 readiness gate timeout, 3 the run
// ended degraded (at least one fatal service).
func exitCode(err error) int {
	var te *gate.TimeoutError
	if errors.As(err, &te) {
		return 2
	}
	var de *supervisor.DegradedError
	if errors.As(err, &de) {
		return 3
	}
	return 1
}

// GlobalFlags holds persistent flags shared by subcommands.
type GlobalFlags struct {
	ConfigPath string
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	Name       string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	statusFlags := &StatusFlags{}

	root := &cobra.Command{
		Use:   "stagehand",
		Short: "Dependency-aware, readiness-gated process supervisor",
		Long: `Stagehand brings up a stack of interdependent long-running services on a
single host. It first waits for external infrastructure (database, cache) to
become reachable, then starts services in dependency order, supervises them
with restart policies, and tears the stack down in reverse order on shutdown.

Examples:
  stagehand up --config stack.toml
  stagehand plan --config stack.toml
  stagehand check --config stack.toml
  stagehand status --api-url=http://127.0.0.1:8080/api`,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file")

	root.AddCommand(
		createUpCommand(globalFlags),
		createPlanCommand(globalFlags),
		createCheckCommand(globalFlags),
		createStatusCommand(statusFlags),
	)
	return root
}

func createUpCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Run the supervisor in the foreground",
		Long: `Load the configuration, wait for every declared external dependency to
become reachable, then start and supervise the service stack until a shutdown
signal or an unrecoverable failure. Any readiness timeout aborts with no
services spawned.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(globalFlags.ConfigPath)
		},
	}
}

func createPlanCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the computed start order",
		Long: `Validate the configuration and print the dependency-ordered start plan,
one service per line, without spawning anything.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(globalFlags.ConfigPath, cmd.OutOrStdout())
		},
	}
}

func createCheckCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run only the external readiness gates",
		Long: `Poll every declared external dependency until reachable or timed out and
report the result. No services are spawned.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(globalFlags.ConfigPath)
		},
	}
}

func createStatusCommand(statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status from a running supervisor",
		Long: `Query a running supervisor's HTTP API for service states.

Examples:
  stagehand status --api-url=http://127.0.0.1:8080/api
  stagehand status --api-url=http://127.0.0.1:8080/api --name=registry`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(*statusFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&statusFlags.Name, "name", "", "service name (optional)")
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "http://127.0.0.1:8080/api", "supervisor API URL")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}
