package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with all subcommands attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}
	appFlags := &AppFlags{}
	logsFlags := &LogsFlags{}
	pruneFlags := &PruneFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createAppsCommand(apiFlags),
		createAppCommand(apiFlags, appFlags),
		createLogsCommand(apiFlags, logsFlags),
		createSweepCommand(apiFlags),
		createPruneCommand(globalFlags, pruneFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "pmwatch",
		Short: "Process monitoring and log streaming for pm2 and provisr",
		Long: `pmwatch samples the resource usage of supervised processes into a
history store and serves it, together with live log tails, over HTTP and SSE.

Examples:
  pmwatch serve config.toml          # Start the monitor
  pmwatch apps                       # List managed processes
  pmwatch app --name=api --follow    # Stream metrics
  pmwatch logs --name=api --lines=50
  pmwatch prune --config=config.toml # Apply retention without a server`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// addAPIFlags binds the remote connection flags shared by client commands
func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "server URL (e.g. http://host:8090/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", defaultAPITimeout, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for the server")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the monitor server",
		Long: `Start polling the supervisor, recording history and serving the API.
Without a config file the defaults apply; PMWATCH_* variables override both.

Examples:
  pmwatch serve
  pmwatch serve config.toml
  PMWATCH_SERVER_LISTEN=:9000 pmwatch serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path, cmd.ErrOrStderr(), nil)
		},
	}
}

func createAppsCommand(apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "List managed processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, *apiFlags).Apps()
		},
	}
	addAPIFlags(cmd, apiFlags)
	return cmd
}

func createAppCommand(apiFlags *APIFlags, appFlags *AppFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Show a process and its recorded history",
		Long: `Show a process and its samples. Without --since/--until the last
history window is returned; with --follow a message is printed per interval.

Examples:
  pmwatch app --name=api
  pmwatch app --name=0 --since=1h
  pmwatch app --name=api --follow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, *apiFlags).App(*appFlags)
		},
	}
	cmd.Flags().StringVar(&appFlags.Name, "name", "", "process name or pm_id (required)")
	cmd.Flags().DurationVar(&appFlags.Since, "since", 0, "look back this far")
	cmd.Flags().DurationVar(&appFlags.Until, "until", 0, "end this long ago")
	cmd.Flags().BoolVar(&appFlags.Follow, "follow", false, "stream updates")
	addAPIFlags(cmd, apiFlags)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createLogsCommand(apiFlags *APIFlags, logsFlags *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the rendered log tails of a process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, *apiFlags).Logs(*logsFlags)
		},
	}
	cmd.Flags().StringVar(&logsFlags.Name, "name", "", "process name or pm_id (required)")
	cmd.Flags().IntVar(&logsFlags.Lines, "lines", 0, "lines per file (server default when 0)")
	cmd.Flags().BoolVar(&logsFlags.Follow, "follow", false, "stream updates")
	addAPIFlags(cmd, apiFlags)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createSweepCommand(apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run retention on the server now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, *apiFlags).Sweep()
		},
	}
	addAPIFlags(cmd, apiFlags)
	return cmd
}

func createPruneCommand(globalFlags *GlobalFlags, pruneFlags *PruneFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply retention directly to the history store",
		Long: `Delete samples older than the retention horizon from the store named
by history.dsn, without a running server.

Examples:
  pmwatch prune --config=config.toml
  pmwatch prune --config=config.toml --older-than=48h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd, globalFlags.ConfigPath, *pruneFlags)
		},
	}
	cmd.Flags().DurationVar(&pruneFlags.OlderThan, "older-than", 0, "override history.retention")
	return cmd
}
