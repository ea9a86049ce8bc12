package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const versionString = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crucible version %s\n", versionString)
	},
}
