// Package app provides the entry point commands for the schema sync daemon.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Build information, set at link time.
var (
	Version = "dev"
	Commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:               "schemasyncd",
	DisableAutoGenTag: true,
	Short:             "Schema cache synchronization daemon",
	Long: `schemasyncd keeps a replica's compiled schema cache consistent with the
shared metadata store: it polls the store for metadata version changes and
applies targeted or full cache invalidations as needed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("schemasyncd %s (%s)\n", Version, Commit)
	},
}

// NewRootCmd creates the root command for the schema sync daemon.
func NewRootCmd(logger *zap.Logger) *cobra.Command {
	rootCmd.AddCommand(newServeCmd(logger))
	rootCmd.AddCommand(newMigrateCmd(logger))
	rootCmd.AddCommand(versionCmd)
	return rootCmd
}
