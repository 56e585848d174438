package analyzer

import "stackdepth/internal/armthumb"

// resolveJumpTable implements spec.md §4.B/§4.C's jump-table idiom: a
// block whose last two instructions are a PC-relative literal load
// ("LDR Rt, [PC, #imm]") followed immediately by a branch_indirect through
// the same register ("MOV PC, Rt" or "BX Rt") is recognized as a computed
// branch through a single
// literal-pool entry, and the target is read directly from the image.
//
// This is deliberately narrow. GCC's usual multi-entry switch tables on
// Cortex-M0 (load table base, index, load entry, branch) require proving a
// static bound on the index register, which this analyzer does not
// attempt — per spec.md §9's explicit non-goal of pattern-matching
// arbitrary indirect control flow. Anything wider than the two-instruction
// literal-load idiom falls through to IndirectCallUnresolved via the call
// graph builder's hint mechanism.
func resolveJumpTable(fn *Function, mem Memory, b *Block) ([]uint32, bool) {
	n := len(b.Instrs)
	if n < 2 {
		return nil, false
	}
	branch := b.Instrs[n-1]
	load := b.Instrs[n-2]

	if branch.Op != armthumb.OpBranchIndirect {
		return nil, false
	}
	if load.Op != armthumb.OpPCRelativeLoad || load.Reg != branch.Reg {
		return nil, false
	}

	litAddr := pcRelativeLiteralAddr(load)
	word, ok := mem.ReadWord(litAddr)
	if !ok {
		return nil, false
	}
	target := word &^ 1 // clear Thumb bit
	return []uint32{target}, true
}

func pcRelativeLiteralAddr(in armthumb.Instruction) uint32 {
	// Word-aligned PC: the base PC for a format-6 load is the
	// instruction's own address, rounded down to a word boundary, plus 4.
	base := (in.Addr &^ 3) + 4
	return base + in.Imm*4
}
