package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status SCAN_ID",
	Short: "Show the state of a scan",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	job, err := newClient().Job(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scan:     %s\n", job.ScanID)
	fmt.Fprintf(out, "File:     %s (%s)\n", job.Filename, job.InputType)
	fmt.Fprintf(out, "Status:   %s\n", job.Status)
	fmt.Fprintf(out, "Progress: %d%%\n", job.Progress)
	fmt.Fprintf(out, "Message:  %s\n", job.Message)
	fmt.Fprintf(out, "Created:  %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Fprintf(out, "Started:  %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(out, "Finished: %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.Error != nil {
		fmt.Fprintf(out, "Error:    %s in %s: %s\n", job.Error.Kind, job.Error.Stage, job.Error.Detail)
	}
	return nil
}
