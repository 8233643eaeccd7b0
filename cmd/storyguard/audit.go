package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/storyguard/internal/cli"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check progression and repair what is missing",
	Long: `Runs the progression guarantor and the recovery planner once against the
configured store. Combine with --session to audit a saved conversation.`,
	Run: func(cmd *cobra.Command, args []string) {
		rt, backends := setup(cmd)
		defer backends.Close()
		p := printer()
		sessionID := resume(cmd, rt, p)

		if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
			issues, err := rt.Engine.Issues(cmd.Context())
			if err != nil {
				fmt.Printf("Error diagnosing: %v\n", err)
				os.Exit(1)
			}
			if len(issues) == 0 {
				p.Success("No issues found.")
			}
			for _, issue := range issues {
				p.Warn("- %s", issue)
			}
			return
		}

		reason, _ := cmd.Flags().GetString("reason")
		report, err := rt.Engine.Audit(cmd.Context(), reason)
		if err != nil {
			fmt.Printf("Error running audit: %v\n", err)
			os.Exit(1)
		}
		cli.PrintAudit(p, report)

		if sessionID != "" {
			if err := rt.Sessions.Persist(cmd.Context(), sessionID, rt.Engine); err != nil {
				fmt.Printf("Error saving session: %v\n", err)
				os.Exit(1)
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the engine status",
	Run: func(cmd *cobra.Command, args []string) {
		rt, backends := setup(cmd)
		defer backends.Close()
		p := printer()
		resume(cmd, rt, p)

		st := rt.Engine.Status()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				fmt.Printf("Error marshaling status: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(data))
			return
		}
		cli.PrintStatus(p, st)
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "List recorded critical transactions",
	Run: func(cmd *cobra.Command, args []string) {
		rt, backends := setup(cmd)
		defer backends.Close()

		report := rt.Engine.Integrity()
		printer().Transactions(rt.Engine.Transactions(), report.StaleIDs())
	},
}

func init() {
	rootCmd.AddCommand(auditCmd, statusCmd, ledgerCmd)

	auditCmd.Flags().String("session", "", "Saved session to audit")
	auditCmd.Flags().String("reason", "manual", "Reason recorded with the audit")
	auditCmd.Flags().Bool("dry-run", false, "Only list detected issues")

	statusCmd.Flags().String("session", "", "Saved session to inspect")
	statusCmd.Flags().Bool("json", false, "Print the status as JSON")
}
