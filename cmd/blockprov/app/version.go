package app

import (
	"fmt"

	"github.com/blockprov/blockprov"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of blockprov",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), blockprov.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
