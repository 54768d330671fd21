package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"mimo/internal/app"
	"mimo/internal/logging"
	"mimo/internal/server/stdio"
)

func newStdioCmd() *cobra.Command {
	var sandbox bool
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve the MCP JSON-RPC frontend over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Stdout carries the protocol stream; all logging stays on stderr.
			logging.SetOutput(os.Stderr)

			a, err := app.New(cfg)
			if err != nil {
				return &exitError{code: exitFatal, err: err}
			}
			defer a.Close()
			a.Start()

			server := stdio.New(a.Dispatcher, a.Registry, os.Stdout, stdio.Options{
				Sandbox:          sandbox || cfg.Sandbox,
				ExposeDeprecated: cfg.ExposeDeprecated,
			})
			if err := server.Run(context.Background(), os.Stdin); err != nil {
				return &exitError{code: exitFatal, err: err}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&sandbox, "sandbox", false, "forbid write-side tools")
	return cmd
}
