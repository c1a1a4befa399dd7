package cmd

import (
	"fmt"
	"os"

	"github.com/markb/buildboard/internal/log"
	"github.com/spf13/cobra"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

// getenv is swapped in tests.
var getenv = os.Getenv

var rootCmd = &cobra.Command{
	Use:     "buildboard",
	Short:   "Buildboard realtime change-stream tools",
	Long:    `Watches backend change streams through the shared subscription multiplexer and reports its health.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return log.Init(buildLogConfig(cmd))
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate("buildboard version {{.Version}}\n")
	addLogFlags(rootCmd)
	rootCmd.AddCommand(watchCmd, healthCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
