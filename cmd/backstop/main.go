package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// AdminFlags holds flags for commands talking to a running instance
type AdminFlags struct {
	AdminURL string
	Timeout  string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createVerifyCommand(globalFlags),
		createStatusCommand(globalFlags),
		createRestartCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "backstop",
		Short: "Resilient reverse proxy for a supervised backend worker",
		Long: `Backstop runs a backend worker process (Playwright MCP by default),
restarts it when it crashes or stops answering, and proxies client traffic
to it with bounded retries while it starts up.

Examples:
  backstop serve --config backstop.toml
  backstop verify
  backstop status --admin-url http://127.0.0.1:9091
  backstop restart`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}
