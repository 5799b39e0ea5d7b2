// Command scanbrokerd is the vulnerability-scan broker daemon,
// following the teacher's cmd/nova cobra root-command wiring
// (cmd/nova/main.go): a root command carrying a --config persistent
// flag, with serve/migrate/version subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "scanbrokerd",
		Short: "scanbrokerd - vulnerability scan broker",
		Long:  "Orchestrates vulnerability scans across one or more Greenbone/OpenVAS engines.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env vars override)")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
