package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"subharvest/pkg/ui"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(ui.Output(), "subharvest %s\n", version)
		fmt.Fprintf(ui.Output(), "  commit:  %s\n", gitCommit)
		fmt.Fprintf(ui.Output(), "  built:   %s\n", buildDate)
		fmt.Fprintf(ui.Output(), "  go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
