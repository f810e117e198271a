package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/media-fetcher/internal/scheduler"
)

func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Cron expression helpers",
	}
	cmd.AddCommand(newCronValidateCmd(), newCronNextCmd())
	return cmd
}

func newCronValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate EXPRESSION",
		Short: "Reports whether a five-field cron expression parses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !scheduler.ValidateCronExpression(args[0]) {
				return fmt.Errorf("invalid cron expression %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%q is valid\n", args[0])
			return nil
		},
	}
}

func newCronNextCmd() *cobra.Command {
	var (
		from  string
		count int
	)
	cmd := &cobra.Command{
		Use:   "next EXPRESSION",
		Short: "Prints the next run times of a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now()
			if from != "" {
				parsed, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("--from must be RFC3339: %w", err)
				}
				at = parsed
			}
			for range max(count, 1) {
				next, err := scheduler.NextRunTime(args[0], at)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), next.Format(time.RFC3339))
				at = next
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "reference time in RFC3339 (default now)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of run times to print")
	return cmd
}
