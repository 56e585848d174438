// Package entrypoint derives the set of asynchronous entrypoints the
// hardware can invoke — the reset handler plus every enabled exception and
// interrupt vector — from the Binary Loader's vector table and the user's
// priority configuration, per spec.md §4.E.
package entrypoint

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"stackdepth/internal/config"
	"stackdepth/internal/errs"
	"stackdepth/internal/loader"
)

// Infinite is the sentinel priority group for the reset handler: lower
// than every real priority group, so every configured interrupt preempts
// it, and nothing preempts anything else "below" it.
const Infinite = math.MaxInt32

// ExceptionFrameBytes is the stack cost a Thumbv6-m exception entry adds
// at every preemption boundary (8 words pushed automatically).
const ExceptionFrameBytes = 32

// vector indices fixed by the ARMv6-M exception model. Cortex-M0 omits
// MemManage/BusFault/UsageFault/DebugMonitor (those require v7-m+), so the
// only fixed system exceptions below the external-interrupt range are
// NMI, HardFault, SVCall, PendSV, and SysTick.
const (
	vectorReset   = 1
	vectorNMI     = 2
	vectorHard    = 3
	vectorSVCall  = 11
	vectorPendSV  = 14
	vectorSysTick = 15
)

// SymbolResolver is the narrow slice of *loader.Image this package needs,
// factored out so tests don't need a real ELF image.
type SymbolResolver interface {
	FunctionAt(addr uint32) (loader.Symbol, bool)
	FunctionByName(name string) (loader.Symbol, bool)
}

// Entrypoint is one hardware-invocable entry into the program.
type Entrypoint struct {
	Name          string
	VectorIndex   int
	HandlerName   string
	HandlerAddr   uint32
	PriorityGroup int
	IsReset       bool
}

// Build derives the enabled entrypoint set from vectors and cfg, sorted by
// ascending vector index (spec.md §5's deterministic ordering).
func Build(vectors []loader.VectorEntry, resolver SymbolResolver, cfg *config.Entrypoints) ([]Entrypoint, error) {
	var eps []Entrypoint

	resetVec, ok := findVector(vectors, vectorReset)
	if !ok {
		return nil, errors.Wrap(errs.ErrBinaryMalformed, "vector table has no reset handler")
	}
	resetName, err := resolveHandlerName(resolver, resetVec.Handler, cfg.DefaultHandler)
	if err != nil {
		return nil, err
	}
	eps = append(eps, Entrypoint{
		Name: "reset", VectorIndex: vectorReset, HandlerName: resetName,
		HandlerAddr: resetVec.Handler, PriorityGroup: Infinite, IsReset: true,
	})

	if hf, ok := findVector(vectors, vectorHard); ok {
		name, err := resolveHandlerName(resolver, hf.Handler, cfg.DefaultHandler)
		if err != nil {
			return nil, err
		}
		// HardFault has no config knob (the schema has no "hardfault"
		// key): it's an unmaskable fault, fixed at the same priority
		// tier as NMI rather than the programmable 0..N groups.
		eps = append(eps, Entrypoint{Name: "hardfault", VectorIndex: vectorHard, HandlerName: name, HandlerAddr: hf.Handler, PriorityGroup: -1})
	}

	fixed := []struct {
		index int
		name  string
		pv    config.PriorityValue
	}{
		{vectorNMI, "nmi", cfg.NMI},
		{vectorSVCall, "svcall", cfg.SVCall},
		{vectorPendSV, "pendsv", cfg.PendSV},
		{vectorSysTick, "systick", cfg.SysTick},
	}
	for _, f := range fixed {
		if !f.pv.Enabled {
			continue
		}
		vec, ok := findVector(vectors, f.index)
		if !ok {
			continue // configured but the binary wires nothing there
		}
		name, err := resolveHandlerName(resolver, vec.Handler, cfg.DefaultHandler)
		if err != nil {
			return nil, err
		}
		group := f.pv.Group
		if f.name == "nmi" {
			group = -1 // NMI preempts everything, per spec.md §4.E.
		}
		eps = append(eps, Entrypoint{Name: f.name, VectorIndex: f.index, HandlerName: name, HandlerAddr: vec.Handler, PriorityGroup: group})
	}

	seen := make(map[int]bool, len(cfg.Interrupts))
	for _, irq := range cfg.Interrupts {
		if seen[irq.Number] {
			return nil, errors.Wrapf(errs.ErrConfigInvalid, "duplicate interrupt number %d", irq.Number)
		}
		seen[irq.Number] = true
		if !irq.Config.Enabled {
			continue
		}

		sym, ok := resolver.FunctionByName(irq.Name)
		if !ok {
			return nil, errors.Wrapf(errs.ErrConfigInvalid, "interrupt %d names unknown function %q", irq.Number, irq.Name)
		}
		eps = append(eps, Entrypoint{
			Name: irq.Name, VectorIndex: irq.Number, HandlerName: sym.Name,
			HandlerAddr: sym.Addr, PriorityGroup: irq.Config.Group,
		})
	}

	sort.Slice(eps, func(i, j int) bool { return eps[i].VectorIndex < eps[j].VectorIndex })
	return eps, nil
}

// Preempters returns every entrypoint in eps with a strictly lower
// priority group than e — the set that can fire while e's handler runs.
func Preempters(eps []Entrypoint, e Entrypoint) []Entrypoint {
	var out []Entrypoint
	for _, other := range eps {
		if other.VectorIndex == e.VectorIndex {
			continue
		}
		if other.PriorityGroup < e.PriorityGroup {
			out = append(out, other)
		}
	}
	return out
}

func findVector(vectors []loader.VectorEntry, index int) (loader.VectorEntry, bool) {
	for _, v := range vectors {
		if v.Index == index {
			return v, true
		}
	}
	return loader.VectorEntry{}, false
}

// resolveHandlerName finds the function symbol owning addr, falling back
// to the configured default_handler when the vector's own address isn't a
// known function entry (e.g. every unused vector points at one stub).
func resolveHandlerName(resolver SymbolResolver, addr uint32, defaultHandler *string) (string, error) {
	if sym, ok := resolver.FunctionAt(addr); ok {
		return sym.Name, nil
	}
	if defaultHandler != nil {
		sym, ok := resolver.FunctionByName(*defaultHandler)
		if !ok {
			return "", errors.Wrapf(errs.ErrConfigInvalid, "default_handler %q is not a known function", *defaultHandler)
		}
		return sym.Name, nil
	}
	return "", errors.Wrapf(errs.ErrConfigInvalid, "vector handler at %#08x has no resolvable function symbol and no default_handler configured", addr)
}
