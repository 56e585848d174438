// Package analyzer builds a per-function control-flow graph from decoded
// Thumbv6-m instructions and computes each function's worst-case
// intra-function stack depth ("prologue cost") and its set of outgoing
// call sites, per spec.md §4.C.
package analyzer

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"stackdepth/internal/armthumb"
	"stackdepth/internal/errs"
	"stackdepth/internal/loader"
)

var log = logrus.WithField("component", "analyzer")

// CallSite records one call instruction's address, its resolved target (if
// direct), and the stack depth the caller has already consumed at that
// point — the composer needs this to know how much of the caller's frame
// sits below the callee's.
type CallSite struct {
	Addr         uint32
	Indirect     bool // BLX Rm: requires a dynamic-call hint
	Target       uint32
	TargetKnown  bool
	DepthAtCall  int32
	TailPosition bool // true if nothing after this call adds to the caller's own depth before it returns
}

// IndirectBranch records a branch_indirect site (BX Rm, or an unresolved
// jump-table load) that the jump-table heuristic couldn't fully resolve
// statically. Like an indirect call site, it is handed to the call graph
// builder for hint resolution.
type IndirectBranch struct {
	Addr uint32
	Reg  uint8
}

// Function is one analyzed function: its basic-block CFG, worst-case
// intra-function depth, and everything it calls or jumps to outside that
// CFG.
type Function struct {
	Name         string
	Entry        uint32
	Extent       uint32
	Blocks       map[uint32]*Block
	Order        []uint32
	PrologueCost int32
	CallSites    []CallSite
	Indirects    []IndirectBranch
	Returns      bool

	// Err holds a fatal per-function error (FunctionUnanalyzable or
	// StackIndeterminate). Analysis continues for every other function
	// regardless (spec.md §7 policy).
	Err error
}

// Block is a basic block: a maximal run of instructions ending in a
// control transfer.
type Block struct {
	Start, End uint32
	Instrs     []armthumb.Instruction
	Delta      int32 // net stack depth change across the whole block
	RunningMax int32 // deepest point reached within the block, relative to block-entry depth
	Succ       []uint32
	EntryDepth int32 // set once prologue cost analysis runs
	IsExit     bool
}

// Memory is the read surface the analyzer needs from the binary loader:
// instruction fetch (via armthumb.Memory) plus literal-pool word reads for
// the jump-table heuristic.
type Memory interface {
	armthumb.Memory
	ReadWord(addr uint32) (uint32, bool)
}

// Analyze builds the Function for sym by sweeping its address extent,
// identifying basic-block leaders, building the intra-function CFG, and
// computing the worst-case prologue cost. It never returns a nil Function:
// on fatal errors, the returned Function carries a non-nil Err and whatever
// partial CFG was built before the failure.
func Analyze(mem Memory, img *loader.Image, sym loader.Symbol) *Function {
	fn := &Function{Name: sym.Name, Entry: sym.Addr, Extent: img.FunctionExtent(sym.Addr), Blocks: map[uint32]*Block{}}

	instrs, err := sweep(mem, fn.Entry, fn.Extent)
	if err != nil {
		fn.Err = err
		return fn
	}

	leaders := findLeaders(instrs, fn.Entry, fn.Extent)
	buildBlocks(fn, instrs, leaders)

	if err := wireEdgesAndSites(fn, mem); err != nil {
		fn.Err = err
		return fn
	}

	if err := computePrologueCost(fn); err != nil {
		fn.Err = err
		return fn
	}

	return fn
}

// sweep linearly decodes every instruction in [start, end).
func sweep(mem Memory, start, end uint32) ([]armthumb.Instruction, error) {
	var out []armthumb.Instruction
	addr := start
	for addr < end {
		instr, err := armthumb.Decode(mem, addr)
		if err != nil {
			return nil, errors.Wrapf(errs.ErrFunctionUnanalyzable, "decoding %#08x: %v", addr, err)
		}
		instr.Addr = addr
		out = append(out, instr)
		addr += uint32(instr.Len)
	}
	return out, nil
}

// findLeaders returns the set of addresses that start a new basic block:
// the function entry, any intra-function branch target, and the
// instruction immediately following a branch/call/return.
func findLeaders(instrs []armthumb.Instruction, entry, extent uint32) map[uint32]bool {
	leaders := map[uint32]bool{entry: true}
	for _, in := range instrs {
		if in.Op == armthumb.OpBranch && in.Target >= entry && in.Target < extent {
			leaders[in.Target] = true
		}
		if in.IsTerminator() || in.Op == armthumb.OpCall || in.Op == armthumb.OpIndirectCall {
			next := in.Addr + uint32(in.Len)
			if next < extent {
				leaders[next] = true
			}
		}
	}
	return leaders
}

func buildBlocks(fn *Function, instrs []armthumb.Instruction, leaders map[uint32]bool) {
	var starts []uint32
	for addr := range leaders {
		starts = append(starts, addr)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	blockOf := make(map[uint32]int, len(starts))
	for i, s := range starts {
		blockOf[s] = i
	}

	blocks := make([]*Block, len(starts))
	for i, s := range starts {
		end := fn.Extent
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		blocks[i] = &Block{Start: s, End: end}
	}

	bi := 0
	for _, in := range instrs {
		for bi+1 < len(blocks) && in.Addr >= blocks[bi+1].Start {
			bi++
		}
		blocks[bi].Instrs = append(blocks[bi].Instrs, in)
	}

	for _, b := range blocks {
		fn.Blocks[b.Start] = b
		fn.Order = append(fn.Order, b.Start)
	}
}

// wireEdgesAndSites computes each block's terminator-driven successor
// edges, per-block stack delta/running-max, and collects call sites and
// unresolved indirect branches.
func wireEdgesAndSites(fn *Function, mem Memory) error {
	for _, addr := range fn.Order {
		b := fn.Blocks[addr]
		if len(b.Instrs) == 0 {
			continue
		}

		var depth int32
		for _, in := range b.Instrs {
			switch in.Op {
			case armthumb.OpStackClobberUnknown:
				return errors.Wrapf(errs.ErrStackIndeterminate, "stack pointer clobbered by non-constant register at %#08x", in.Addr)
			case armthumb.OpCall:
				fn.CallSites = append(fn.CallSites, CallSite{
					Addr: in.Addr, Target: in.Target, TargetKnown: true, DepthAtCall: depth,
				})
			case armthumb.OpIndirectCall:
				fn.CallSites = append(fn.CallSites, CallSite{
					Addr: in.Addr, Indirect: true, DepthAtCall: depth,
				})
			}

			depth -= in.StackDelta()
			if depth > b.RunningMax {
				b.RunningMax = depth
			}
		}
		b.Delta = depth

		last := b.Instrs[len(b.Instrs)-1]
		switch {
		case last.IsReturn():
			b.IsExit = true
			fn.Returns = true

		case last.Op == armthumb.OpBranch:
			if last.Cond != armthumb.CondAlways {
				if nb, ok := fn.Blocks[last.Addr+uint32(last.Len)]; ok {
					b.Succ = append(b.Succ, nb.Start)
				}
			}
			if last.Target >= fn.Entry && last.Target < fn.Extent {
				b.Succ = append(b.Succ, last.Target)
			} else {
				// Branch leaves the function's address extent: a
				// tail call to whatever function owns that address.
				fn.CallSites = append(fn.CallSites, CallSite{
					Addr: last.Addr, Target: last.Target, TargetKnown: true,
					DepthAtCall: b.Delta, TailPosition: true,
				})
				b.IsExit = true
			}

		case last.Op == armthumb.OpBranchIndirect:
			if targets, ok := resolveJumpTable(fn, mem, b); ok {
				for _, t := range targets {
					if t >= fn.Entry && t < fn.Extent {
						b.Succ = append(b.Succ, t)
					} else {
						fn.CallSites = append(fn.CallSites, CallSite{
							Addr: last.Addr, Target: t, TargetKnown: true, TailPosition: true, DepthAtCall: b.Delta,
						})
					}
				}
			} else {
				fn.Indirects = append(fn.Indirects, IndirectBranch{Addr: last.Addr, Reg: last.Reg})
				b.IsExit = true
			}

		default:
			// The block ends here only because the next address is a
			// leader (e.g. another block's branch target lands mid-
			// sequence), not because this instruction is itself a
			// terminator: fall through to whatever block starts there.
			next := last.Addr + uint32(last.Len)
			if nb, ok := fn.Blocks[next]; ok {
				b.Succ = append(b.Succ, nb.Start)
			} else if next >= fn.Extent {
				// Fell off the end of the function's address extent
				// without a terminator: unanalyzable.
				return errors.Wrapf(errs.ErrFunctionUnanalyzable, "block at %#08x falls off the end of %s with no terminator", b.Start, fn.Name)
			}
		}
	}
	return nil
}

// computePrologueCost walks the intra-function CFG to find the worst-case
// cumulative stack depth reached on any path from the entry, per
// spec.md §4.C step 5: forward edges form a DAG processed in topological
// order, and every back edge must return to its header at the same depth
// it left at (well-formed loops restore SP before looping).
func computePrologueCost(fn *Function) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[uint32]int, len(fn.Order))
	var order []uint32 // reverse postorder
	var backEdges [][2]uint32

	var visit func(addr uint32)
	visit = func(addr uint32) {
		color[addr] = gray
		b := fn.Blocks[addr]
		for _, s := range b.Succ {
			switch color[s] {
			case white:
				visit(s)
			case gray:
				backEdges = append(backEdges, [2]uint32{addr, s})
			}
		}
		color[addr] = black
		order = append(order, addr)
	}
	if _, ok := fn.Blocks[fn.Entry]; ok {
		visit(fn.Entry)
	}
	// order is postorder; reverse for a valid topological order over the
	// forward-edge DAG.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	entryDepth := make(map[uint32]int32, len(order))
	entryDepth[fn.Entry] = 0
	for _, addr := range order {
		b := fn.Blocks[addr]
		d := entryDepth[addr]
		for _, s := range b.Succ {
			if isBackEdge(backEdges, addr, s) {
				continue
			}
			cand := d + b.Delta
			if cand > entryDepth[s] {
				entryDepth[s] = cand
			}
		}
	}

	for _, e := range backEdges {
		src, header := e[0], e[1]
		b := fn.Blocks[src]
		if entryDepth[src]+b.Delta != entryDepth[header] {
			return errors.Wrapf(errs.ErrStackIndeterminate,
				"loop back-edge %#08x -> %#08x does not restore stack depth before looping", src, header)
		}
	}

	var worst int32
	for addr, b := range fn.Blocks {
		if len(b.Instrs) == 0 {
			continue
		}
		d, ok := entryDepth[addr]
		if !ok {
			continue // unreachable block (dead code)
		}
		if total := d + b.RunningMax; total > worst {
			worst = total
		}
	}
	fn.PrologueCost = worst

	for i := range fn.CallSites {
		cs := &fn.CallSites[i]
		if b, ok := blockContaining(fn, cs.Addr); ok {
			if d, ok := entryDepth[b.Start]; ok {
				cs.DepthAtCall += d
			}
		}
	}
	return nil
}

func isBackEdge(backEdges [][2]uint32, from, to uint32) bool {
	for _, e := range backEdges {
		if e[0] == from && e[1] == to {
			return true
		}
	}
	return false
}

func blockContaining(fn *Function, addr uint32) (*Block, bool) {
	for _, start := range fn.Order {
		b := fn.Blocks[start]
		if addr >= b.Start && addr < b.End {
			return b, true
		}
	}
	return nil, false
}
