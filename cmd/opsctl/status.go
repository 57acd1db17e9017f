package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <subscription-id>...",
	Short: "Show provisioning state of subscriptions",
	Long: "opsctl status <subscription-id>... [--history 5]\n\n" +
		"Prints the saga context of each subscription and its latest transitions.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		history, _ := cmd.Flags().GetInt("history")

		d, err := connect(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer d.close()

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SUBSCRIPTION\tMODE\tSTEP\tSTATUS\tNODE\tSERVER\tUPDATED\tERROR")
		for _, id := range args {
			ec, ok, err := d.store.GetContext(cmd.Context(), id)
			switch {
			case err != nil:
				fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\t-\t%v\n", id, err)
				continue
			case !ok:
				fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\t-\tno context\n", id)
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				ec.SubscriptionID, ec.Mode, ec.StepType, ec.Status,
				ec.Current.NodeID, orDash(ec.Current.ServerUID),
				ec.UpdatedAt.Local().Format(time.DateTime), orDash(ec.LastError))
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		if history <= 0 {
			return nil
		}
		for _, id := range args {
			trail, err := d.store.Transitions(cmd.Context(), id, history)
			if err != nil {
				return fmt.Errorf("transitions for %s: %w", id, err)
			}
			if len(trail) == 0 {
				continue
			}
			fmt.Printf("\n%s\n%s\n", id, strings.Repeat("─", len(id)))
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, t := range trail {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.CreatedAt.Local().Format(time.DateTime), t.Mode, t.StepType, t.Status,
					orDash(t.Note), orDash(t.LastError))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("history", 5, "Transitions to show per subscription (0 to hide)")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
