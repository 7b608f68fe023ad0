package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via
// -ldflags "-X github.com/xkilldash9x/shade-cli/cmd.Version=v1.2.3".
var Version = "0.3.0-dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the shade version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "shade %s\n", Version)
	},
}
