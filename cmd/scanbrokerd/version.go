package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set via -ldflags "-X main.version=..." at build time.
var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the scanbrokerd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("scanbrokerd " + version)
			return nil
		},
	}
}
