package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List scans, newest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func runList(cmd *cobra.Command, _ []string) error {
	scans, err := newClient().List(cmd.Context())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCAN ID\tFILE\tSTATUS\tPROGRESS\tCREATED")
	for _, s := range scans {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\n", s.ScanID, s.Filename, s.Status, s.Progress, s.Timestamp.Format(time.RFC3339))
	}
	return tw.Flush()
}

var deleteCmd = &cobra.Command{
	Use:   "delete SCAN_ID",
	Short: "Delete a scan and everything it stored",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}
