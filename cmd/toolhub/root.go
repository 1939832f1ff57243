package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"toolhub/internal/config"
	"toolhub/internal/shared/logging"
)

const version = "0.3.0"

var (
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func failText(msg string) string { return red("error: " + msg) }

// cliState carries the flags and lazily-loaded config shared by every
// subcommand.
type cliState struct {
	configPath string
	debug      bool
}

func (s *cliState) loadConfig() (config.Config, error) {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if s.debug {
		cfg.LogLevel = "debug"
	}
	logging.SetMinLevel(logging.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	state := &cliState{}

	rootCmd := &cobra.Command{
		Use:   "toolhub",
		Short: "Unified tool invocation router",
		Long: `toolhub routes tool calls across worker-hosted modules and in-process
services behind one flat namespace. Tool names look like
builtin.<service>__<tool>; every result comes back in a single canonical
envelope.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&state.configPath, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&state.debug, "debug", "d", false, "Debug logging")

	rootCmd.AddCommand(newToolsCommand(state))
	rootCmd.AddCommand(newCallCommand(state))
	rootCmd.AddCommand(newServeCommand(state))
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newConfigCommand(state))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the toolhub version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("toolhub %s\n", version)
		},
	}
}
