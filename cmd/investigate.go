package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

var investigateOutput string

var investigateCmd = &cobra.Command{
	Use:   "investigate [objective]",
	Short: "Run a single autonomous investigation for the given objective.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := buildApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		objective := joinArgs(args)
		report, err := a.agent.Run(ctx, objective)
		if err != nil {
			return fmt.Errorf("investigation failed: %w", err)
		}

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}

		if investigateOutput != "" {
			if err := os.WriteFile(investigateOutput, out, 0o644); err != nil {
				return err
			}
			a.logger.Info("Report written", zap.String("path", investigateOutput))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	investigateCmd.Flags().StringVarP(&investigateOutput, "output", "o", "", "write the report to a file instead of stdout")
	rootCmd.AddCommand(investigateCmd)
}
