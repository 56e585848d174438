// Package callgraph links the per-function results the analyzer produced
// into a whole-program call graph: direct calls resolved by address,
// indirect calls resolved by config-supplied hints, and cycle detection
// for recursive call chains. It never re-decodes an instruction or
// recomputes a prologue cost — it only wires Function records together.
package callgraph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"stackdepth/internal/analyzer"
	"stackdepth/internal/errs"
)

var log = logrus.WithField("component", "callgraph")

// Hint is one dynamic-call resolution hint from the config's
// `dynamic_calls` list. A hint matches a call site either by its exact
// address or by (CallerName, Offset) from the caller's entry, per
// SPEC_FULL.md §4.D.
type Hint struct {
	Site       string // original config string, for error messages
	Addr       uint32
	AddrKnown  bool
	CallerName string
	Offset     uint32
	Targets    []string
}

// Edge is one outgoing call-graph edge from a caller to a callee, or an
// unresolved call site the composer must treat as a failure if it's ever
// reached.
type Edge struct {
	CallSiteAddr uint32
	TargetName   string
	TailPosition bool
	DepthAtCall  int32

	// Unresolved is non-nil (ErrDanglingCall or ErrIndirectCallUnresolved)
	// when this edge could not be linked to a function. TargetName is
	// meaningless when Unresolved is set.
	Unresolved error
}

// Node is one function in the call graph together with its resolved and
// unresolved outgoing edges.
type Node struct {
	Name string
	Fn   *analyzer.Function
	Out  []Edge

	// Recursive marks a node that the builder's DFS found on a cycle.
	// The composer enforces the actual RecursionDetected cutoff itself
	// (an in-flight work-stack check); this flag is diagnostic.
	Recursive bool
}

// Graph is the whole-program call graph: one Node per analyzed function,
// addressable by name or entry address.
type Graph struct {
	Nodes  map[string]*Node
	byAddr map[uint32]*Node
}

// Build links fns into a Graph, consulting hints for every call site the
// analyzer couldn't resolve on its own (indirect calls/branches) and for
// any direct call whose target address has no owning function symbol.
func Build(fns []*analyzer.Function, hints []Hint) (*Graph, error) {
	g := &Graph{Nodes: make(map[string]*Node, len(fns)), byAddr: make(map[uint32]*Node, len(fns))}
	for _, fn := range fns {
		n := &Node{Name: fn.Name, Fn: fn}
		g.Nodes[fn.Name] = n
		g.byAddr[fn.Entry] = n
	}

	bySite, byCallerOffset, err := indexHints(hints, g)
	if err != nil {
		return nil, err
	}

	for _, fn := range fns {
		if fn.Err != nil {
			// Unanalyzable/indeterminate functions contribute no edges;
			// the composer fails any entrypoint that reaches them via
			// fn.Err directly, not via the graph.
			continue
		}
		n := g.Nodes[fn.Name]
		seen := mapset.NewSet[string]()

		for _, cs := range fn.CallSites {
			edge := Edge{CallSiteAddr: cs.Addr, TailPosition: cs.TailPosition, DepthAtCall: cs.DepthAtCall}

			if !cs.Indirect && cs.TargetKnown {
				if target, ok := g.byAddr[cs.Target]; ok {
					edge.TargetName = target.Name
				} else if h, ok := bySite[cs.Addr]; ok {
					if err := addHintEdges(n, edge, h, g, seen); err != nil {
						return nil, err
					}
					continue
				} else if h, ok := byCallerOffset[callerOffsetKey(fn.Name, cs.Addr-fn.Entry)]; ok {
					if err := addHintEdges(n, edge, h, g, seen); err != nil {
						return nil, err
					}
					continue
				} else {
					edge.Unresolved = errors.Wrapf(errs.ErrDanglingCall,
						"%s: call at %#08x targets %#08x, which is not a known function", fn.Name, cs.Addr, cs.Target)
				}
				appendEdge(n, edge, seen)
				continue
			}

			// Indirect call or branch_indirect: only hints can resolve it.
			if h, ok := bySite[cs.Addr]; ok {
				if err := addHintEdges(n, edge, h, g, seen); err != nil {
					return nil, err
				}
				continue
			}
			if h, ok := byCallerOffset[callerOffsetKey(fn.Name, cs.Addr-fn.Entry)]; ok {
				if err := addHintEdges(n, edge, h, g, seen); err != nil {
					return nil, err
				}
				continue
			}
			edge.Unresolved = errors.Wrapf(errs.ErrIndirectCallUnresolved,
				"%s: indirect call at %#08x has no dynamic-call hint", fn.Name, cs.Addr)
			appendEdge(n, edge, seen)
		}

		for _, ib := range fn.Indirects {
			edge := Edge{CallSiteAddr: ib.Addr}
			if h, ok := bySite[ib.Addr]; ok {
				if err := addHintEdges(n, edge, h, g, seen); err != nil {
					return nil, err
				}
				continue
			}
			if h, ok := byCallerOffset[callerOffsetKey(fn.Name, ib.Addr-fn.Entry)]; ok {
				if err := addHintEdges(n, edge, h, g, seen); err != nil {
					return nil, err
				}
				continue
			}
			edge.Unresolved = errors.Wrapf(errs.ErrIndirectCallUnresolved,
				"%s: unresolved computed branch at %#08x has no dynamic-call hint", fn.Name, ib.Addr)
			appendEdge(n, edge, seen)
		}
	}

	markRecursion(g)
	return g, nil
}

func appendEdge(n *Node, e Edge, seen mapset.Set[string]) {
	key := fmt.Sprintf("%#08x>%s", e.CallSiteAddr, e.TargetName)
	if seen.Contains(key) {
		return
	}
	seen.Add(key)
	n.Out = append(n.Out, e)
}

// addHintEdges adds one edge per target named in h, rooted at the given
// template edge (same call-site address/depth metadata). A hint naming an
// unknown target function is a config error, not a silently dropped edge.
func addHintEdges(n *Node, template Edge, h Hint, g *Graph, seen mapset.Set[string]) error {
	for _, name := range h.Targets {
		target, ok := g.Nodes[name]
		if !ok {
			return errors.Wrapf(errs.ErrConfigInvalid, "dynamic_calls hint %q names unknown function %q", h.Site, name)
		}
		e := template
		e.TargetName = target.Name
		appendEdge(n, e, seen)
	}
	return nil
}

func callerOffsetKey(caller string, offset uint32) string {
	return fmt.Sprintf("%s+%d", caller, offset)
}

// indexHints parses each hint's Site string (set by the config loader as
// either a hex address or a "symbol+offset" pair) into the two lookup
// tables Build consults.
func indexHints(hints []Hint, g *Graph) (bySite map[uint32]Hint, byCallerOffset map[string]Hint, err error) {
	bySite = make(map[uint32]Hint)
	byCallerOffset = make(map[string]Hint)
	for _, h := range hints {
		if h.AddrKnown {
			bySite[h.Addr] = h
			continue
		}
		if _, ok := g.Nodes[h.CallerName]; !ok {
			return nil, nil, errors.Wrapf(errs.ErrConfigInvalid, "dynamic_calls hint %q names unknown caller %q", h.Site, h.CallerName)
		}
		byCallerOffset[callerOffsetKey(h.CallerName, h.Offset)] = h
	}
	return bySite, byCallerOffset, nil
}

// ParseSite parses a dynamic_calls `site` string into a Hint's address
// fields: a hex literal (with or without "0x"), or "symbol+offset".
func ParseSite(site string) (addr uint32, addrKnown bool, caller string, offset uint32, err error) {
	if idx := strings.IndexByte(site, '+'); idx >= 0 {
		caller = site[:idx]
		off, perr := strconv.ParseUint(site[idx+1:], 0, 32)
		if perr != nil {
			return 0, false, "", 0, errors.Wrapf(errs.ErrConfigInvalid, "invalid dynamic_calls offset in %q: %v", site, perr)
		}
		return 0, false, caller, uint32(off), nil
	}
	trimmed := strings.TrimPrefix(strings.ToLower(site), "0x")
	v, perr := strconv.ParseUint(trimmed, 16, 32)
	if perr != nil {
		return 0, false, "", 0, errors.Wrapf(errs.ErrConfigInvalid, "invalid dynamic_calls site %q: not a hex address or symbol+offset", site)
	}
	return uint32(v), true, "", 0, nil
}

// markRecursion runs a DFS over resolved edges and flags the caller and
// callee of every back edge it finds. Other functions on the same cycle
// (the middle of a cycle through three or more functions, or a cycle
// closed through an already-finished node) are not flagged. It never
// returns an error: recursion is permitted in
// the graph itself (spec.md §4.D.3) — the composer is what turns reaching
// a live recursion into RecursionDetected.
func markRecursion(g *Graph) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))

	names := make([]string, 0, len(g.Nodes))
	for name := range g.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	var visit func(name string)
	visit = func(name string) {
		color[name] = gray
		n := g.Nodes[name]
		for _, e := range n.Out {
			if e.Unresolved != nil {
				continue
			}
			switch color[e.TargetName] {
			case white:
				visit(e.TargetName)
			case gray:
				n.Recursive = true
				g.Nodes[e.TargetName].Recursive = true
				log.WithFields(logrus.Fields{"from": name, "to": e.TargetName}).Debug("recursive call-graph edge")
			}
		}
		color[name] = black
	}
	for _, name := range names {
		if color[name] == white {
			visit(name)
		}
	}
}
