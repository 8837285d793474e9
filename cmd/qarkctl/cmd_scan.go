package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/qark-armada/pkg/client"
)

var scanFlags struct {
	wait     bool
	interval time.Duration
}

var scanCmd = &cobra.Command{
	Use:   "scan FILE",
	Short: "Upload an .apk, .jar or .java file for scanning",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

func init() {
	f := scanCmd.Flags()
	f.BoolVarP(&scanFlags.wait, "wait", "w", false, "poll until the scan completes or fails")
	f.DurationVar(&scanFlags.interval, "interval", 2*time.Second, "polling interval with --wait")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c := newClient()

	created, err := c.Upload(ctx, args[0])
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scan %s queued (%s, %s)\n", created.ScanID, created.Filename, created.InputType)

	if !scanFlags.wait {
		return nil
	}

	last := -1
	st, err := c.Wait(ctx, created.ScanID, scanFlags.interval, func(s client.Status) {
		if s.Progress != last {
			fmt.Fprintf(out, "%3d%%  %-12s %s\n", s.Progress, s.Status, s.Message)
			last = s.Progress
		}
	})
	if err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	if st.Status == "failed" {
		return fmt.Errorf("scan %s failed: %s", st.ScanID, st.Message)
	}
	return nil
}
