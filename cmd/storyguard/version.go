package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aretw0/storyguard"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of storyguard",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("storyguard version %s\n", strings.TrimSpace(storyguard.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
