package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// These will be set by ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Long:  `Print the version information for slyctl.`,
	Run: func(cmd *cobra.Command, args []string) {
		if outputJSON {
			fmt.Printf(`{"version":%q,"gitCommit":%q,"buildTime":%q,"goVersion":%q,"goos":%q,"goarch":%q}`+"\n",
				Version, GitCommit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		} else {
			fmt.Printf("slyctl version %s\n", Version)
			fmt.Printf("Git commit: %s\n", GitCommit)
			fmt.Printf("Built: %s\n", BuildTime)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
