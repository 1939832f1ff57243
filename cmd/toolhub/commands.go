package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"toolhub/internal/config"
	"toolhub/internal/server"
	"toolhub/internal/shared/logging"
	"toolhub/internal/tool"
	"toolhub/internal/worker"
	"toolhub/internal/worker/servers"
)

func newToolsCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List every available tool under its flat name",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			h, err := buildHub(ctx, cfg)
			if err != nil {
				return err
			}
			defer h.close(ctx)

			tools, err := h.router.AvailableTools(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("%s (%d)\n", bold("Available tools"), len(tools))
			for _, t := range tools {
				cmd.Printf("  %s %s\n", green(t.Name), gray("["+t.Backend+"]"))
				if t.Description != "" {
					cmd.Printf("    %s\n", t.Description)
				}
			}
			return nil
		},
	}
}

func newCallCommand(state *cliState) *cobra.Command {
	var rawArgs string
	cmd := &cobra.Command{
		Use:   "call <flat-tool-name> [json-arguments]",
		Short: "Invoke one tool and print its response envelope",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}
			arguments := rawArgs
			if len(args) == 2 {
				arguments = args[1]
			}
			if arguments == "" {
				arguments = "{}"
			}

			ctx := cmd.Context()
			h, err := buildHub(ctx, cfg)
			if err != nil {
				return err
			}
			defer h.close(ctx)

			call := tool.Call{
				ID:   tool.NewCallID(),
				Type: "function",
				Function: tool.CallFunction{
					Name:      args[0],
					Arguments: arguments,
				},
			}
			env := h.router.ExecuteToolCall(ctx, call)

			encoded, err := json.MarshalIndent(env, "", "  ")
			if err != nil {
				return fmt.Errorf("encode envelope: %w", err)
			}
			if env.IsError() {
				cmd.PrintErrln(red(string(encoded)))
				return fmt.Errorf("tool call failed with code %d", env.Error.Code)
			}
			cmd.Println(string(encoded))
			return nil
		},
	}
	cmd.Flags().StringVarP(&rawArgs, "args", "a", "", "JSON-encoded arguments")
	return cmd
}

func newServeCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP facade",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			h, err := buildHub(ctx, cfg)
			if err != nil {
				return err
			}

			srv := server.New(cfg.HTTP, h.router, h.local, logging.NewComponentLogger("http"))
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			cmd.Printf("%s %s\n", cyan("toolhub serving on"), bold(cfg.HTTP.Addr))

			select {
			case err := <-errCh:
				h.close(context.Background())
				return err
			case <-ctx.Done():
			}

			cmd.Println(yellow("shutting down"))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				cmd.PrintErrln(failText(fmt.Sprintf("http shutdown: %v", err)))
			}
			h.close(shutdownCtx)
			return nil
		},
	}
}

// newWorkerCommand runs the worker runtime over stdio. It is what the
// worker.command config points at and is hidden from help output.
func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run the tool-server runtime over stdio",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime := worker.NewRuntime(servers.Default(), logging.NewComponentLogger("worker.runtime"))
			return runtime.Serve(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}

func newConfigCommand(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ".toolhub.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			cmd.Printf("%s %s\n", green("wrote"), path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(encoded))
			return nil
		},
	})

	return cmd
}
