package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kestrelsec/kestrel/api/schemas"
)

var (
	historyStatus string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past investigations.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		investigations, err := a.memory.ListInvestigations(cmd.Context(), schemas.InvestigationStatus(historyStatus), historyLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd, investigations)
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show [investigation-id]",
	Short: "Show an investigation's full action log and findings.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		inv, err := a.memory.GetInvestigation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		actions, err := a.memory.Actions(cmd.Context(), args[0], 0)
		if err != nil {
			return err
		}
		findings, err := a.memory.Findings(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		return printJSON(cmd, map[string]any{
			"investigation": inv,
			"actions":       actions,
			"findings":      findings,
		})
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status: pending, running, completed, failed")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum results")

	historyCmd.AddCommand(historyShowCmd)
	rootCmd.AddCommand(historyCmd)
}
