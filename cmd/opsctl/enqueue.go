package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
	"github.com/samuelmjordan/hosting-platform-api/internal/engine"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Schedule a job",
	Long: "opsctl enqueue --type SYNC_SUBSCRIPTION --payload sub_123 [--max-retries 5] [--delay 1m]\n\n" +
		"Enqueues a job. A pending job with the same type and payload absorbs the request.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobType, _ := cmd.Flags().GetString("type")
		payload, _ := cmd.Flags().GetString("payload")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		delay, _ := cmd.Flags().GetDuration("delay")

		d, err := connect(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer d.close()

		t := domain.JobType(strings.ToUpper(jobType))
		if !d.engine.Known(t) {
			return fmt.Errorf("unknown job type %q", jobType)
		}
		var opts []engine.EnqueueOption
		if maxRetries > 0 {
			opts = append(opts, engine.WithMaxRetries(maxRetries))
		}
		if delay > 0 {
			opts = append(opts, engine.WithDelay(delay))
		}
		j, err := d.engine.Enqueue(cmd.Context(), t, payload, opts...)
		if err != nil {
			return err
		}

		fmt.Printf("Job ID:      %s\n", j.ID)
		fmt.Printf("Type:        %s\n", j.Type)
		fmt.Printf("Status:      %s\n", j.Status)
		fmt.Printf("Due:         %s\n", j.DelayedUntil.Local().Format(time.DateTime))
		if j.DuplicateCount > 0 {
			fmt.Printf("Merged into existing job (%d duplicates)\n", j.DuplicateCount)
		}
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("type", "", "Job type, e.g. SYNC_SUBSCRIPTION or PRICE_SYNC")
	enqueueCmd.Flags().String("payload", "", "Job payload")
	enqueueCmd.Flags().Int("max-retries", 0, "Attempts before dead-lettering (default ENGINE_DEFAULT_MAX_RETRIES)")
	enqueueCmd.Flags().Duration("delay", 0, "Delay before the job becomes due")
	enqueueCmd.MarkFlagRequired("type")
	enqueueCmd.MarkFlagRequired("payload")
}
