package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var resultFlags struct {
	json bool
}

var resultCmd = &cobra.Command{
	Use:   "result SCAN_ID",
	Short: "Print the findings of a completed scan",
	Args:  cobra.ExactArgs(1),
	RunE:  runResult,
}

func init() {
	resultCmd.Flags().BoolVar(&resultFlags.json, "json", false, "print the raw JSON result")
}

func runResult(cmd *cobra.Command, args []string) error {
	res, err := newClient().Result(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if resultFlags.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintf(out, "%s: %d findings (VULNERABILITY %d, WARNING %d, INFO %d)\n\n",
		res.Filename, res.TotalVulnerabilities,
		res.VulnerabilitiesBySeverity["VULNERABILITY"],
		res.VulnerabilitiesBySeverity["WARNING"],
		res.VulnerabilitiesBySeverity["INFO"])

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEVERITY\tCATEGORY\tNAME\tLOCATION")
	for _, v := range res.Vulnerabilities {
		loc := v.FilePath
		if v.LineNumber > 0 {
			loc = fmt.Sprintf("%s:%d", v.FilePath, v.LineNumber)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Severity, v.Category, v.Name, loc)
	}
	return tw.Flush()
}

var reportFlags struct {
	format string
	output string
}

var reportCmd = &cobra.Command{
	Use:   "report SCAN_ID",
	Short: "Download a rendered report",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

func init() {
	f := reportCmd.Flags()
	f.StringVarP(&reportFlags.format, "format", "f", "html", "report format: html, json, xml, csv or sarif")
	f.StringVarP(&reportFlags.output, "output", "o", "", "output file or directory (default: server filename in the working directory)")
}

func runReport(cmd *cobra.Command, args []string) error {
	body, name, err := newClient().Report(cmd.Context(), args[0], reportFlags.format)
	if err != nil {
		return err
	}
	if name == "" {
		name = fmt.Sprintf("qark_report_%s.%s", args[0], reportFlags.format)
	}

	dst := name
	if reportFlags.output != "" {
		dst = reportFlags.output
		if info, err := os.Stat(dst); err == nil && info.IsDir() {
			dst = filepath.Join(dst, name)
		}
	}

	if err := os.WriteFile(dst, body, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", dst, len(body))
	return nil
}
