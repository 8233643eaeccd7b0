package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/storyguard/internal/content"
)

var validateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Validate content files",
	Long:  `Parses every flow under the content directory and checks that each graph is well formed.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Printf("Error loading configuration: %v\n", err)
			os.Exit(1)
		}
		dir := cfg.ContentDir
		if len(args) > 0 {
			dir = args[0]
		}

		loader := content.NewLoader(content.WithMaxVisits(cfg.MaxVisits))
		bundle, err := loader.LoadDir(dir)
		p := printer()
		if err != nil {
			p.Warn("Content is invalid:\n%v", err)
			os.Exit(1)
		}

		for _, flow := range bundle.Flows {
			p.System("%s: %d states, %d checkpoints", flow.ID(), len(flow.States()), len(flow.Checkpoints()))
		}
		p.Success("%d flows and %d requirements are valid.", len(bundle.Flows), len(bundle.Requirements))
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
