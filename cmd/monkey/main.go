// Command monkey runs browser-automation tool servers: user-defined tools
// that drive pooled browser sessions, served over MCP and managed through
// an HTTP admin API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/entrhq/monkey/pkg/config"
	"github.com/entrhq/monkey/pkg/mcpserver"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string

	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "monkey",
	Short: "Dynamic browser-automation tool servers",
	Long: `monkey hosts tool servers whose tools are small JavaScript or Python
programs driving a pooled browser. Running servers are exposed to MCP
clients over SSE, or over stdio with "monkey stdio".

Configuration is read from --config, or monkey.yaml in ~/.monkey or the
working directory, and can be overridden with MONKEY_* environment
variables (MONKEY_POOL_MAX_SESSIONS=3) and flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default monkey.yaml in ~/.monkey or .)")
	rootCmd.Version = Version
	mcpserver.Version = Version

	rootCmd.AddCommand(newServeCmd(), newStdioCmd(), newValidateCmd(), newImportCmd(), newConfigCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration with cmd's flags applied.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	return config.Load(configPath, cmd.Flags())
}

// signalContext is cancelled on SIGINT or SIGTERM. A second signal exits
// immediately.
func signalContext(ctx context.Context, quiet bool) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			signal.Stop(sigChan)
			return
		}
		if !quiet {
			fmt.Fprintln(os.Stderr, "\nShutting down gracefully... (press Ctrl+C again to force)")
		}
		cancel()
		<-sigChan
		os.Exit(1)
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
