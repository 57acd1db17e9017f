package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Move a dead-lettered job back to pending",
	Long:  "opsctl requeue <job-id>\n\nResets a DEAD_LETTER job's retry count and makes it due now.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := connect(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer d.close()

		j, err := d.store.RequeueJob(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("requeue %s: %w", args[0], err)
		}
		if err := d.waker.Signal(cmd.Context()); err != nil {
			d.log.Warn("wake signal failed", zap.Error(err))
		}
		fmt.Printf("Job %s (%s) is %s\n", j.ID, j.Type, j.Status)
		return nil
	},
}
