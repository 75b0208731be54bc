package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/api/schemas"
	"github.com/kestrelsec/kestrel/internal/orchestrator"
)

var (
	workflowType     string
	workflowName     string
	workflowTargets  []string
	workflowParallel bool
	workflowInterval time.Duration
	workflowAt       string
	workflowFile     string
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Create and supervise investigation workflows.",
}

var workflowRunCmd = &cobra.Command{
	Use:   "run [objective]",
	Short: "Create a workflow from flags and run it.",
	Long: `Creates a workflow and executes it. One-time and campaign workflows run to
completion and print their result. Scheduled and continuous workflows keep
running on their schedule until interrupted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := buildApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		w := schemas.Workflow{
			Name:      workflowName,
			Type:      schemas.WorkflowType(workflowType),
			Objective: joinArgs(args),
			Targets:   workflowTargets,
			Parallel:  workflowParallel,
		}
		if w.Name == "" {
			w.Name = w.Objective
		}
		if workflowInterval > 0 {
			w.Schedule.Interval = workflowInterval
		}
		if workflowAt != "" {
			w.Schedule.TimeOfDay = workflowAt
		}

		created, err := a.orchestrator.Create(w)
		if err != nil {
			return err
		}
		a.logger.Info("Workflow created", zap.String("workflow_id", created.ID), zap.String("type", string(created.Type)))

		switch created.Type {
		case schemas.WorkflowScheduled, schemas.WorkflowContinuous:
			a.orchestrator.Start(ctx)
			<-ctx.Done()
			a.orchestrator.Stop()
			return printJSON(cmd, a.orchestrator.Alerts(created.ID))
		default:
			report, campaign, err := a.orchestrator.RunNow(ctx, created.ID)
			if err != nil {
				return err
			}
			if alerts := a.orchestrator.Alerts(created.ID); len(alerts) > 0 {
				a.logger.Info("Alerts raised", zap.Int("count", len(alerts)))
			}
			if campaign != nil {
				return printJSON(cmd, campaign)
			}
			return printJSON(cmd, report)
		}
	},
}

var workflowValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a workflow export file without running anything.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if workflowFile == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(workflowFile)
		if err != nil {
			return err
		}

		var imported []schemas.Workflow
		if err := json.Unmarshal(data, &imported); err != nil {
			return fmt.Errorf("decoding %s: %w", workflowFile, err)
		}
		for i := range imported {
			if err := orchestrator.ValidateDefinition(imported[i]); err != nil {
				return fmt.Errorf("workflow %q: %w", imported[i].Name, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d workflow definitions valid\n", len(imported))
		return nil
	},
}

func init() {
	workflowRunCmd.Flags().StringVar(&workflowType, "type", "one_time", "workflow type: one_time, scheduled, continuous, campaign")
	workflowRunCmd.Flags().StringVar(&workflowName, "name", "", "workflow name (defaults to the objective)")
	workflowRunCmd.Flags().StringSliceVar(&workflowTargets, "target", nil, "campaign target, repeatable")
	workflowRunCmd.Flags().BoolVar(&workflowParallel, "parallel", false, "run campaign targets in parallel")
	workflowRunCmd.Flags().DurationVar(&workflowInterval, "interval", 0, "run interval for scheduled and continuous workflows")
	workflowRunCmd.Flags().StringVar(&workflowAt, "at", "", "daily run time (HH:MM) for scheduled workflows")

	workflowValidateCmd.Flags().StringVarP(&workflowFile, "file", "f", "", "workflow export file")

	workflowCmd.AddCommand(workflowRunCmd)
	workflowCmd.AddCommand(workflowValidateCmd)
	rootCmd.AddCommand(workflowCmd)
}
