// cmd/rvc2mqtt/version.go
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rvc2mqtt %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
