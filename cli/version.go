package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"lode.evalgo.org/version"
)

func init() {
	RootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("full", false, "also print the build dependencies")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info := version.GetBuildInfo()
		fmt.Fprintf(out, "lode %s (%s)\n", version.Version(), info.GoVersion)
		if full, _ := cmd.Flags().GetBool("full"); full {
			for _, dep := range info.Dependencies {
				fmt.Fprintf(out, "  %s %s\n", dep.Path, dep.Version)
			}
		}
	},
}
