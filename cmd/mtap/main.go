package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes: 0 batch passed, 1 batch completed with SN failures, 2 bad
// arguments or config, 3 traceability-gate violation.
const (
	exitOK           = 0
	exitBatchFailed  = 1
	exitUsage        = 2
	exitTraceability = 3
)

var (
	verbose bool
	version = "dev" // set by build flags
)

// exitError carries a specific process exit status out of a subcommand.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

var rootCmd = &cobra.Command{
	Use:   "mtap",
	Short: "Manufacturing Test Automation Platform",
	Long: `MTAP drives a population of devices under test through a declarative test
plan, records every attempt as an append-only event stream, and derives
manufacturing yield metrics from that stream.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(dutCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(reportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "Error:", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitUsage)
	}
}
