// Command qarkctl drives a qark server from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/ahrav/qark-armada/pkg/client"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	server  string
	timeout time.Duration
	retries int
	verbose bool
}

var rootCmd = &cobra.Command{
	Use:   "qarkctl",
	Short: "Submit Android artifacts to a qark server and fetch the results",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.server, "server", envOr("QARK_SERVER", "http://localhost:8000"), "qark server base URL")
	f.DurationVar(&rootFlags.timeout, "timeout", 30*time.Second, "per-request timeout")
	f.IntVar(&rootFlags.retries, "retries", 2, "retries for transport errors and 5xx responses")
	f.BoolVarP(&rootFlags.verbose, "verbose", "v", false, "log HTTP client activity to stderr")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.Version = version
}

func newClient() *client.Client {
	level := hclog.Warn
	if rootFlags.verbose {
		level = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{Name: "qarkctl", Output: os.Stderr, Level: level})

	return client.New(rootFlags.server,
		client.WithTimeout(rootFlags.timeout),
		client.WithRetries(rootFlags.retries, 500*time.Millisecond),
		client.WithLogger(logger),
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
