// Command stackdepth runs the static worst-case stack-usage analyzer over
// an ARM Cortex-M0 (Thumbv6-m) ELF binary: `stackdepth <arch> <command>
// <binary-path> [<config-path>]`, per spec.md §6.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// toolVersion is reported by the `version` subcommand and must track
// stack_depth_analyzer_version in internal/config.
const toolVersion = "1"

var (
	verbose bool
	dumpCFG bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeForCLIError(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stackdepth <arch> <command> <binary-path> [<config-path>]",
		Short:         "Static worst-case stack-usage analysis for ARM Cortex-M0 binaries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	root.PersistentFlags().BoolVar(&dumpCFG, "dump-cfg", false, "dump each analyzed function's CFG to stderr after the summary table")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	}

	root.AddCommand(newArchCmd())
	return root
}

// newArchCmd models the `<arch>` positional as a command-tree level, since
// cobra has no first-class notion of an argument-as-subcommand-selector;
// today only one arch is registered, future architectures would add
// siblings here rather than a flag.
func newArchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   archKey,
		Short: "ARM Cortex-M0 / Thumbv6-m ELF binaries",
	}
	cmd.AddCommand(newSummaryCmd())
	cmd.AddCommand(newChainCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func exitCodeForCLIError(err error) int {
	if ce, ok := err.(*cliError); ok {
		return ce.code
	}
	return usageExitCode
}

// cliError carries the exact exit code spec.md §6 assigns to a failure,
// so cobra's generic error path doesn't collapse every failure to 1.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func fail(code int, err error) error {
	fmt.Fprintln(os.Stderr, err)
	return &cliError{code: code, err: err}
}
