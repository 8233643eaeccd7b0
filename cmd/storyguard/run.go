package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/storyguard"
	"github.com/aretw0/storyguard/internal/cli"
	"github.com/aretw0/storyguard/internal/presentation/tui"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Play a conversation in the terminal",
	Long: `Starts a conversation from the content directory and reads choices from stdin.
With --session the conversation survives restarts. With --script a recorded
sequence of events is replayed instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		rt, backends := setup(cmd)
		defer backends.Close()

		sc := cli.NewSignalContext(cmd.Context())
		defer sc.Cancel()

		p := printer()

		if path, _ := cmd.Flags().GetString("script"); path != "" {
			f, err := os.Open(path)
			if err != nil {
				fmt.Printf("Error opening script: %v\n", err)
				os.Exit(1)
			}
			defer f.Close()
			if err := cli.RunScript(sc, rt, f, p); err != nil {
				fmt.Printf("Error running script: %v\n", err)
				os.Exit(1)
			}
			return
		}

		opts := cli.SessionOptions{}
		opts.SessionID, _ = cmd.Flags().GetString("session")
		opts.FlowID, _ = cmd.Flags().GetString("flow")
		opts.Fresh, _ = cmd.Flags().GetBool("fresh")

		if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
			tui.PrintBanner(os.Stdout, storyguard.Version)
		}
		if err := cli.RunSession(sc, rt, opts, os.Stdin, p); err != nil {
			fmt.Printf("Error running storyguard: %v\n", err)
			os.Exit(1)
		}
		if sig := sc.Signal(); sig != nil {
			p.System("Interrupted by %v.", sig)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("session", "", "Session id used to save and resume the conversation")
	runCmd.Flags().String("flow", "", "Flow to start when no session is resumed")
	runCmd.Flags().Bool("fresh", false, "Discard the stored session before starting")
	runCmd.Flags().String("script", "", "Replay a YAML event script instead of reading stdin")
}
