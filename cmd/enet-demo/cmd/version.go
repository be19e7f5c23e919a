package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped by the build.
var Version = "0.1.0-dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the enet-demo version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("enet-demo", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
