package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/storyguard/internal/presentation/graph"
	"github.com/aretw0/storyguard/pkg/domain"
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph <flow-id>",
	Short: "Export a flow as a Mermaid diagram",
	Long: `Outputs a Mermaid diagram (graph TD) of one flow. With --session the states
visited by that saved conversation are highlighted.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rt, backends := setup(cmd)
		defer backends.Close()

		flow, err := rt.Catalog.Flow(args[0])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		var overlay *graph.GraphOverlay
		if sessionID, _ := cmd.Flags().GetString("session"); sessionID != "" {
			snap, err := rt.Sessions.Load(cmd.Context(), sessionID)
			switch {
			case errors.Is(err, domain.ErrSnapshotNotFound):
				fmt.Fprintf(os.Stderr, "Session '%s' not found, exporting without overlay.\n", sessionID)
			case err != nil:
				fmt.Printf("Error loading session '%s': %v\n", sessionID, err)
				os.Exit(1)
			case snap.FlowID == flow.ID():
				overlay = graph.OverlayFor(domain.DecodeContext(snap.Context))
			}
		}

		fmt.Print(graph.GenerateMermaid(flow, overlay))
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().String("session", "", "Highlight the path taken by a saved session")
}
