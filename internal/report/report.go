// Package report renders Analysis Results into the textual shapes spec.md
// §6 calls for: a tabular summary and a per-entrypoint call-chain witness
// tree. It is a pure function of its input — it never walks the call graph
// or the binary itself.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"stackdepth/internal/compose"
	"stackdepth/internal/entrypoint"
	"stackdepth/internal/errs"
)

// Summary writes the tabular report (entrypoint, priority, local depth,
// preemption surcharge, total, status) plus the global maximum across all
// entrypoints, to w.
func Summary(w io.Writer, results []compose.Result) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Entrypoint", "Priority", "Local Depth", "Surcharge", "Total", "Status"})

	var globalMax int32
	anyFatal := false
	for _, r := range results {
		status := "ok"
		total := strconv.FormatInt(int64(r.Total), 10)
		local := strconv.FormatInt(int64(r.LocalDepth), 10)
		surcharge := strconv.FormatInt(int64(r.Surcharge), 10)
		if r.Err != nil {
			status = FailureKind(r.Err)
			total, local, surcharge = "-", "-", "-"
			anyFatal = true
		} else if r.Total > globalMax {
			globalMax = r.Total
		}

		table.Append([]string{
			r.Entrypoint,
			priorityLabel(r),
			local,
			surcharge,
			total,
			status,
		})
	}
	table.Render()

	if anyFatal {
		fmt.Fprintf(w, "global maximum: indeterminate (one or more entrypoints failed)\n")
		return
	}
	fmt.Fprintf(w, "global maximum: %d bytes\n", globalMax)
}

// Chain renders the indented witness-path tree for a single entrypoint's
// result: each function's own prologue-cost contribution, starting at the
// entrypoint's handler and indenting one level per call.
func Chain(w io.Writer, r compose.Result) {
	if r.Err != nil {
		fmt.Fprintf(w, "%s: %s (%v)\n", r.Entrypoint, FailureKind(r.Err), r.Err)
		return
	}
	fmt.Fprintf(w, "%s: total %d bytes (local %d, surcharge %d)\n", r.Entrypoint, r.Total, r.LocalDepth, r.Surcharge)
	for i, step := range r.Witness {
		tail := ""
		if step.TailCall {
			tail = " (tail call)"
		}
		fmt.Fprintf(w, "%s%s (prologue_cost=%d) at %#08x%s\n", strings.Repeat("  ", i+1), step.Function, step.PrologueCost, step.Addr, tail)
	}
	if len(r.Preempters) > 0 {
		fmt.Fprintf(w, "preempted by: %s\n", strings.Join(r.Preempters, ", "))
	}
}

// FailureKind returns the short status label for a composed result's
// error, matching the sentinel vocabulary in internal/errs.
func FailureKind(err error) string {
	switch errs.Kind(err) {
	case errs.ErrStackIndeterminate:
		return "stack_indeterminate"
	case errs.ErrFunctionUnanalyzable:
		return "function_unanalyzable"
	case errs.ErrIndirectCallUnresolved:
		return "indirect_call_unresolved"
	case errs.ErrDanglingCall:
		return "dangling_call"
	case errs.ErrRecursionDetected:
		return "recursion_detected"
	case errs.ErrConfigInvalid:
		return "config_invalid"
	case errs.ErrBinaryMalformed:
		return "binary_malformed"
	default:
		return "error"
	}
}

func priorityLabel(r compose.Result) string {
	if r.PriorityGroup == entrypoint.Infinite {
		return "reset"
	}
	return strconv.Itoa(r.PriorityGroup)
}
