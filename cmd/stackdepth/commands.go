package main

import (
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"stackdepth/internal/errs"
	"stackdepth/internal/pipeline"
	"stackdepth/internal/report"
)

// archKey is the only registered arch/ABI bundle. spec.md §6 frames `arch`
// as a registry key; an unrecognized one is a usage error (exit 2), which
// here is simply cobra failing to find a matching subcommand.
const archKey = "elf_arm_thumbv6m_cortex_m0"

const (
	usageExitCode     = 2
	indeterminateCode = 3
	malformedCode     = 4
)

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <binary-path> [<config-path>]",
		Short: "print worst-case stack depth per entrypoint and the global maximum",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := runAnalysis(args)
			if err != nil {
				return err
			}
			report.Summary(cmd.OutOrStdout(), a.Results)
			if dumpCFG {
				dumpFunctions(a)
			}
			if a.HasFatal() {
				return fail(indeterminateCode, fmt.Errorf("one or more entrypoints failed: %v", a.FatalKinds()))
			}
			return nil
		},
	}
}

func newChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain <entrypoint> <binary-path> [<config-path>]",
		Short: "print the witness call chain for one entrypoint",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			a, err := runAnalysis(args[1:])
			if err != nil {
				return err
			}
			for _, r := range a.Results {
				if r.Entrypoint == name {
					report.Chain(cmd.OutOrStdout(), r)
					if r.Err != nil {
						return fail(indeterminateCode, r.Err)
					}
					return nil
				}
			}
			return fail(usageExitCode, fmt.Errorf("no such entrypoint %q", name))
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the tool version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "stackdepth %s (%s)\n", toolVersion, archKey)
			return nil
		},
	}
}

// runAnalysis parses the shared <binary-path> [<config-path>] tail and
// runs the pipeline, translating a top-level failure into the exact exit
// code spec.md §6 assigns.
func runAnalysis(args []string) (*pipeline.Analysis, error) {
	binaryPath := args[0]
	configPath := ""
	if len(args) > 1 {
		configPath = args[1]
	}

	a, err := pipeline.Run(binaryPath, configPath)
	if err != nil {
		code := usageExitCode
		switch errs.Kind(err) {
		case errs.ErrBinaryMalformed:
			code = malformedCode
		case errs.ErrConfigInvalid:
			code = usageExitCode
		default:
			code = indeterminateCode
		}
		return nil, fail(code, err)
	}
	return a, nil
}

func dumpFunctions(a *pipeline.Analysis) {
	for _, fn := range a.Functions {
		spew.Fdump(os.Stderr, fn)
	}
}
