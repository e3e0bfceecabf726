package main

import (
	"github.com/spf13/cobra"
)

// Version, Commit and BuildTime are overridden at build time via
// -ldflags.
var (
	Version   = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version info",
	Run: func(cmd *cobra.Command, args []string) {
		logVersion()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func logVersion() {
	mainlog.WithField("version", Version).
		WithField("commit", Commit).
		WithField("buildTime", BuildTime).
		Info("vellumd")
}
