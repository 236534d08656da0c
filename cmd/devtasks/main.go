package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand(os.Stdout, os.Stderr))
	if err := root.Execute(); err != nil {
		var ec exitCode
		if errors.As(err, &ec) {
			os.Exit(int(ec))
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitCode ends the program with a status but no message; the run summary
// has already been printed.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// buildRoot creates the root command and its subcommands.
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c, globalFlags, &RunFlags{}),
		createListCommand(c, globalFlags, &ListFlags{}),
		createPortsCommand(c, globalFlags, &PortsFlags{}),
		createExportCommand(c, globalFlags, &ExportFlags{}),
		createStatusCommand(c, &RemoteFlags{}),
		createRetriggerCommand(c, &RemoteFlags{}),
		createRestartCommand(c, &RemoteFlags{}),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "devtasks",
		Short: "Run development tasks and processes in dependency order",
		Long: `devtasks runs a graph of one-shot tasks and long-running processes.
Tasks are read from the JSON produced by the environment evaluator.

Examples:
  devtasks run app:build --tasks tasks.json
  devtasks run devenv:processes --tasks tasks.json --mode before
  devtasks list --tasks tasks.json
  devtasks ports
  devtasks status --api-url http://127.0.0.1:9100
  eval "$(devtasks export devenv:enterShell --tasks tasks.json)"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createRunCommand(c *command, global *GlobalFlags, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [names...]",
		Short: "Run tasks and their dependencies",
		Long: `Run the named tasks or namespaces. Without names the roots recorded in the
tasks file are used, and without those the whole graph runs. Processes keep
running until interrupted.

Examples:
  devtasks run app:test --tasks tasks.json --mode single
  devtasks run app --tasks tasks.json --status-listen 127.0.0.1:9100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), *global, *flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.Tasks, "tasks", "", "tasks file (JSON); - reads stdin")
	cmd.Flags().StringVar(&flags.Mode, "mode", "", "selection mode: single, before, after or all")
	cmd.Flags().BoolVar(&flags.Refresh, "refresh", false, "ignore cached results and run every oneshot")
	cmd.Flags().IntVar(&flags.Workers, "workers", 0, "concurrent oneshot limit (0 uses the config)")
	cmd.Flags().BoolVar(&flags.StrictPorts, "strict-ports", false, "fail instead of shifting occupied ports")
	cmd.Flags().BoolVar(&flags.IgnoreProcessDeps, "ignore-process-deps", false, "do not pull in process dependencies")
	cmd.Flags().StringVar(&flags.StatusListen, "status-listen", "", "serve the status API on this address")
	cmd.Flags().StringVar(&flags.ExportFile, "export-file", "", "write shell exports to this file")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the summary as JSON")
	if err := cmd.MarkFlagRequired("tasks"); err != nil {
		panic(err)
	}
	return cmd
}

func createListCommand(c *command, global *GlobalFlags, flags *ListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks grouped by namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(*global, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Tasks, "tasks", "", "tasks file (JSON); - reads stdin")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print as JSON")
	if err := cmd.MarkFlagRequired("tasks"); err != nil {
		panic(err)
	}
	return cmd
}

func createPortsCommand(c *command, global *GlobalFlags, flags *PortsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Show persisted port allocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Ports(cmd.Context(), *global, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print as JSON")
	return cmd
}

func createExportCommand(c *command, global *GlobalFlags, flags *ExportFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [names...]",
		Short: "Run shell-entry tasks and print their exports as a shell script",
		Long: `Run the named tasks, then print the variables exported by shell-entry tasks
as export statements on stdout. Task output goes to stderr.

Example:
  eval "$(devtasks export devenv:enterShell --tasks tasks.json)"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Export(cmd.Context(), *global, *flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.Tasks, "tasks", "", "tasks file (JSON); - reads stdin")
	cmd.Flags().StringVar(&flags.Mode, "mode", "before", "selection mode: single, before, after or all")
	cmd.Flags().IntVar(&flags.Workers, "workers", 0, "concurrent oneshot limit (0 uses the config)")
	if err := cmd.MarkFlagRequired("tasks"); err != nil {
		panic(err)
	}
	return cmd
}

func addRemoteFlags(cmd *cobra.Command, flags *RemoteFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "http://127.0.0.1:9100", "status API of a running devtasks")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func createStatusCommand(c *command, flags *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [name]",
		Short: "Show task states of a running devtasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Status(cmd.Context(), *flags, name)
		},
	}
	addRemoteFlags(cmd, flags)
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print as JSON")
	return cmd
}

func createRetriggerCommand(c *command, flags *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retrigger <name>",
		Short: "Rerun a finished task of a running devtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Retrigger(cmd.Context(), *flags, args[0])
		},
	}
	addRemoteFlags(cmd, flags)
	return cmd
}

func createRestartCommand(c *command, flags *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart a process of a running devtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context(), *flags, args[0])
		},
	}
	addRemoteFlags(cmd, flags)
	return cmd
}
