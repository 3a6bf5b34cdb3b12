// Package cli provides the lanchat command line: a single `run` command that
// starts the node and drives it from a minimal console.
package cli

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:  `lanchat`,
	Long: `lanchat is a serverless LAN chat and file transfer node`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
