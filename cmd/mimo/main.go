// Command mimo runs the memory-and-tool gateway, either as an HTTP service
// or as a stdio JSON-RPC server for MCP clients.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mimo/internal/config"
	"mimo/internal/logging"
)

// Exit codes: 0 clean, 1 fatal init error, 2 invalid configuration.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

// exitError carries the process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "mimo",
		Short:         "Memory-and-tool gateway for LLM agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	root.AddCommand(newServeCmd(), newStdioCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mimo:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitFatal)
	}
	os.Exit(exitOK)
}

// loadConfig reads and validates configuration; failures are exit code 2.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, &exitError{code: exitConfig, err: err}
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	return cfg, nil
}
