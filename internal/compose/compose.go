// Package compose implements the preemption-aware stack composer: for each
// entrypoint it walks the call graph to find the worst-case intra-call-chain
// depth, then adds the worst-case nested-preemption surcharge: for each
// strictly-higher priority group, its worst handler plus the exception
// frame, per spec.md §4.F.
package compose

import (
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"stackdepth/internal/callgraph"
	"stackdepth/internal/entrypoint"
	"stackdepth/internal/errs"
)

var log = logrus.WithField("component", "compose")

// WitnessStep is one function along the argmax path the composer chose,
// carrying that function's own prologue-cost contribution (not the
// cumulative depth at that point; the report layer prints each step's own
// value).
type WitnessStep struct {
	Function     string
	Addr         uint32
	PrologueCost int32
	// TailCall reports whether this step reached the next one via a
	// tail-position call (spec.md:52) -- the caller had already returned
	// its own stack contribution by the time the call executed.
	TailCall bool
}

// Result is one entrypoint's composed analysis outcome: either a depth
// breakdown, or a failure carrying the error that made composition
// impossible (spec.md §4.F's "analysis failure... rather than a number").
type Result struct {
	Entrypoint    string
	VectorIndex   int
	PriorityGroup int
	LocalDepth    int32
	Surcharge     int32
	Total         int32
	Witness       []WitnessStep
	Preempters    []string // names of the preempters that contributed the surcharge, one per distinct group
	Err           error
}

type depthOutcome struct {
	depth   int32
	witness []WitnessStep
}

type composer struct {
	graph    *callgraph.Graph
	cache    *lru.Cache[string, depthOutcome]
	inFlight mapset.Set[string]
}

// Compose runs the composer over eps, returning one Result per entrypoint
// in the same order eps was given (spec.md §5's ascending-index ordering,
// already established by entrypoint.Build).
func Compose(eps []entrypoint.Entrypoint, graph *callgraph.Graph) []Result {
	cacheSize := len(graph.Nodes)
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, _ := lru.New[string, depthOutcome](cacheSize)
	c := &composer{graph: graph, cache: cache, inFlight: mapset.NewSet[string]()}

	results := make([]Result, 0, len(eps))
	for _, e := range eps {
		results = append(results, c.composeOne(eps, e))
	}
	return results
}

func (c *composer) composeOne(eps []entrypoint.Entrypoint, e entrypoint.Entrypoint) Result {
	base := Result{Entrypoint: e.Name, VectorIndex: e.VectorIndex, PriorityGroup: e.PriorityGroup}

	local, err := c.depth(e.HandlerName)
	if err != nil {
		base.Err = errors.Wrapf(err, "entrypoint %s (handler %s)", e.Name, e.HandlerName)
		return base
	}
	base.LocalDepth = local.depth
	base.Witness = local.witness

	preempters := entrypoint.Preempters(eps, e)
	sort.Slice(preempters, func(i, j int) bool {
		if preempters[i].HandlerAddr != preempters[j].HandlerAddr {
			return preempters[i].HandlerAddr < preempters[j].HandlerAddr
		}
		return preempters[i].Name < preempters[j].Name
	})

	type groupBest struct {
		value int32
		name  string
	}
	bestByGroup := make(map[int]groupBest)
	for _, p := range preempters {
		pd, perr := c.depth(p.HandlerName)
		if perr != nil {
			base.Err = errors.Wrapf(perr, "entrypoint %s: preempter %s (handler %s)", e.Name, p.Name, p.HandlerName)
			return base
		}
		val := pd.depth + entrypoint.ExceptionFrameBytes
		if cur, ok := bestByGroup[p.PriorityGroup]; !ok || val > cur.value {
			bestByGroup[p.PriorityGroup] = groupBest{value: val, name: p.Name}
		}
	}

	groups := make([]int, 0, len(bestByGroup))
	for g := range bestByGroup {
		groups = append(groups, g)
	}
	sort.Ints(groups)

	var surcharge int32
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		surcharge += bestByGroup[g].value
		names = append(names, bestByGroup[g].name)
	}

	base.Surcharge = surcharge
	base.Total = base.LocalDepth + surcharge
	base.Preempters = names
	return base
}

// depth computes local_depth(name): the longest-path stack depth through
// the call-graph subgraph rooted at name, per spec.md §4.F step 1. Results
// are memoized; a name requested while its own computation is still on
// the work-stack is RecursionDetected rather than an infinite descent.
func (c *composer) depth(name string) (depthOutcome, error) {
	if v, ok := c.cache.Get(name); ok {
		return v, nil
	}
	if c.inFlight.Contains(name) {
		return depthOutcome{}, errors.Wrapf(errs.ErrRecursionDetected, "recursive call into %s while computing its own depth", name)
	}

	node, ok := c.graph.Nodes[name]
	if !ok {
		return depthOutcome{}, errors.Wrapf(errs.ErrDanglingCall, "no function named %q in the call graph", name)
	}
	if node.Fn.Err != nil {
		return depthOutcome{}, node.Fn.Err
	}

	c.inFlight.Add(name)
	defer c.inFlight.Remove(name)

	best := int32(node.Fn.PrologueCost)
	bestWitness := []WitnessStep{{Function: name, Addr: node.Fn.Entry, PrologueCost: node.Fn.PrologueCost}}

	edges := make([]callgraph.Edge, len(node.Out))
	copy(edges, node.Out)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].CallSiteAddr != edges[j].CallSiteAddr {
			return edges[i].CallSiteAddr < edges[j].CallSiteAddr
		}
		return edges[i].TargetName < edges[j].TargetName
	})

	for _, e := range edges {
		if e.Unresolved != nil {
			return depthOutcome{}, errors.Wrapf(e.Unresolved, "%s: call site %#08x", name, e.CallSiteAddr)
		}
		sub, err := c.depth(e.TargetName)
		if err != nil {
			return depthOutcome{}, errors.Wrapf(err, "%s: call site %#08x -> %s", name, e.CallSiteAddr, e.TargetName)
		}
		candidate := e.DepthAtCall + sub.depth
		if candidate > best {
			best = candidate
			bestWitness = append([]WitnessStep{{
				Function: name, Addr: node.Fn.Entry, PrologueCost: node.Fn.PrologueCost, TailCall: e.TailPosition,
			}}, sub.witness...)
		}
	}

	out := depthOutcome{depth: best, witness: bestWitness}
	c.cache.Add(name, out)
	log.WithFields(logrus.Fields{"function": name, "depth": best}).Debug("computed local depth")
	return out, nil
}
