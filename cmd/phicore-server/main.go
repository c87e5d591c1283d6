package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

var stdout io.Writer = os.Stdout

func main() {
	rootCmd := &cobra.Command{
		Use:          "phicore-server",
		Short:        "PHI compliance core: audit capture, audit log, anomaly detection and field encryption",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(retentionCmd())
	rootCmd.AddCommand(keysCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
