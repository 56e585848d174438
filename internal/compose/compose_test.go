package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackdepth/internal/analyzer"
	"stackdepth/internal/callgraph"
	"stackdepth/internal/entrypoint"
	"stackdepth/internal/errs"
)

func buildGraph(t *testing.T, fns ...*analyzer.Function) *callgraph.Graph {
	t.Helper()
	g, err := callgraph.Build(fns, nil)
	require.NoError(t, err)
	return g
}

func fn(name string, entry uint32, prologue int32, calls ...analyzer.CallSite) *analyzer.Function {
	return &analyzer.Function{Name: name, Entry: entry, PrologueCost: prologue, CallSites: calls, Returns: true}
}

// Scenario 2: two-level call, no preempters.
func TestComposeTwoLevelCall(t *testing.T) {
	foo := fn("foo", 0x1000, 8, analyzer.CallSite{Addr: 0x1004, Target: 0x2000, TargetKnown: true, DepthAtCall: 8})
	bar := fn("bar", 0x2000, 16)
	g := buildGraph(t, foo, bar)

	eps := []entrypoint.Entrypoint{{Name: "reset", VectorIndex: 1, HandlerName: "foo", PriorityGroup: entrypoint.Infinite, IsReset: true}}
	results := Compose(eps, g)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.EqualValues(t, 24, results[0].LocalDepth)
	assert.EqualValues(t, 24, results[0].Total)
}

// Scenario 3: preempted main (reset depth 100, one priority-0 interrupt depth 40).
func TestComposePreemptedMain(t *testing.T) {
	reset := fn("reset_handler", 0x1000, 100)
	irq := fn("irq_handler", 0x2000, 40)
	g := buildGraph(t, reset, irq)

	eps := []entrypoint.Entrypoint{
		{Name: "reset", VectorIndex: 1, HandlerName: "reset_handler", PriorityGroup: entrypoint.Infinite, IsReset: true},
		{Name: "irq0", VectorIndex: 16, HandlerName: "irq_handler", PriorityGroup: 0},
	}
	results := Compose(eps, g)
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	assert.EqualValues(t, 172, results[0].Total) // 100 + 32 + 40
	require.NoError(t, results[1].Err)
	assert.EqualValues(t, 40, results[1].Total) // nothing preempts the highest-priority IRQ here
}

// Scenario 4: two priority groups (reset 100; IRQ_A priority 2 depth 30; IRQ_B priority 1 depth 50).
func TestComposeTwoPriorityGroups(t *testing.T) {
	reset := fn("reset_handler", 0x1000, 100)
	irqA := fn("irqA_handler", 0x2000, 30)
	irqB := fn("irqB_handler", 0x3000, 50)
	g := buildGraph(t, reset, irqA, irqB)

	eps := []entrypoint.Entrypoint{
		{Name: "reset", VectorIndex: 1, HandlerName: "reset_handler", PriorityGroup: entrypoint.Infinite, IsReset: true},
		{Name: "irqA", VectorIndex: 16, HandlerName: "irqA_handler", PriorityGroup: 2},
		{Name: "irqB", VectorIndex: 17, HandlerName: "irqB_handler", PriorityGroup: 1},
	}
	results := Compose(eps, g)
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	assert.EqualValues(t, 244, results[0].Total) // 100 + (32+30) + (32+50)
}

// Scenario 5: unresolved indirect call propagates as a failure.
func TestComposeUnresolvedIndirectCall(t *testing.T) {
	f := fn("foo", 0x1000, 8, analyzer.CallSite{Addr: 0x1004, Indirect: true})
	g := buildGraph(t, f)

	eps := []entrypoint.Entrypoint{{Name: "reset", VectorIndex: 1, HandlerName: "foo", PriorityGroup: entrypoint.Infinite, IsReset: true}}
	results := Compose(eps, g)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.ErrorIs(t, results[0].Err, errs.ErrIndirectCallUnresolved)
}

// Scenario 6: recursion is detected rather than causing infinite descent.
func TestComposeRecursionDetected(t *testing.T) {
	f := fn("f", 0x1000, 8, analyzer.CallSite{Addr: 0x1004, Target: 0x2000, TargetKnown: true})
	g2 := fn("g", 0x2000, 8, analyzer.CallSite{Addr: 0x2004, Target: 0x1000, TargetKnown: true})
	g := buildGraph(t, f, g2)

	eps := []entrypoint.Entrypoint{{Name: "reset", VectorIndex: 1, HandlerName: "f", PriorityGroup: entrypoint.Infinite, IsReset: true}}
	results := Compose(eps, g)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.ErrorIs(t, results[0].Err, errs.ErrRecursionDetected)
}

// A tail-position call site (spec.md:52) is carried onto the witness step
// that made the call, so the chain can show which hop didn't add its own
// frame on top of the callee's.
func TestComposeWitnessMarksTailCall(t *testing.T) {
	foo := fn("foo", 0x1000, 8, analyzer.CallSite{
		Addr: 0x1004, Target: 0x2000, TargetKnown: true, DepthAtCall: 8, TailPosition: true,
	})
	bar := fn("bar", 0x2000, 16)
	g := buildGraph(t, foo, bar)

	eps := []entrypoint.Entrypoint{{Name: "reset", VectorIndex: 1, HandlerName: "foo", PriorityGroup: entrypoint.Infinite, IsReset: true}}
	results := Compose(eps, g)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Len(t, results[0].Witness, 2)
	assert.Equal(t, "foo", results[0].Witness[0].Function)
	assert.True(t, results[0].Witness[0].TailCall)
	assert.Equal(t, "bar", results[0].Witness[1].Function)
	assert.False(t, results[0].Witness[1].TailCall)
}

// Scenario 1 (leaf, no preempters, baseline): local depth equals the
// function's own prologue cost.
func TestComposeLeafNoPreempters(t *testing.T) {
	leaf := fn("leaf", 0x1000, 16)
	g := buildGraph(t, leaf)

	eps := []entrypoint.Entrypoint{{Name: "reset", VectorIndex: 1, HandlerName: "leaf", PriorityGroup: entrypoint.Infinite, IsReset: true}}
	results := Compose(eps, g)
	require.NoError(t, results[0].Err)
	assert.EqualValues(t, 16, results[0].Total)
}
