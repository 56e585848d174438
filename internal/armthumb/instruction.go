// Package armthumb decodes Thumbv6-m (ARMv6-M, Cortex-M0) instructions into
// a tagged instruction record. It knows nothing about functions, basic
// blocks, or stack accounting — those live in internal/analyzer. The
// decoder's only job is: given a byte address, return one instruction and
// its length.
package armthumb

import "fmt"

// Op tags the control-flow/stack-relevant classification of a decoded
// instruction. Everything not called out in spec.md's contract decodes as
// OpOther.
type Op int

const (
	OpOther Op = iota
	OpPush
	OpPop
	OpSubSP
	OpAddSP
	OpBranch
	OpCall
	OpIndirectCall
	OpBranchIndirect
	OpReturn
	// OpStackClobberUnknown tags "ADD SP, Rm" / "MOV SP, Rm" where Rm is
	// not a compile-time constant the decoder can prove. The analyzer
	// turns this into StackIndeterminate; the decoder never attempts to
	// prove constant-ness itself.
	OpStackClobberUnknown
	// OpPCRelativeLoad tags "LDR Rt, [PC, #imm]" (Thumb format 6). It has
	// no stack effect and is not a terminator, but the analyzer's
	// jump-table heuristic looks for this specific tag immediately
	// preceding a branch_indirect.
	OpPCRelativeLoad
)

func (o Op) String() string {
	switch o {
	case OpOther:
		return "other"
	case OpPush:
		return "push"
	case OpPop:
		return "pop"
	case OpSubSP:
		return "sub_sp"
	case OpAddSP:
		return "add_sp"
	case OpBranch:
		return "branch"
	case OpCall:
		return "call"
	case OpIndirectCall:
		return "indirect_call"
	case OpBranchIndirect:
		return "branch_indirect"
	case OpReturn:
		return "return"
	case OpStackClobberUnknown:
		return "stack_clobber_unknown"
	case OpPCRelativeLoad:
		return "ldr_pc_rel"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Cond is a 4-bit Thumb branch condition code, as encoded in a B<cond>
// instruction's bits [11:8]. CondAlways denotes the unconditional B (T2).
type Cond uint8

const CondAlways Cond = 0xE

// Instruction is one decoded Thumbv6-m instruction at a given address.
type Instruction struct {
	Addr uint32
	Len  uint8 // 2 or 4
	Op   Op

	// RegList is the PUSH/POP register bitmask, bits 0-7 for r0-r7. For
	// PUSH, bit 8 means LR is included; for POP, bit 8 means PC is
	// included (which also makes the instruction a return).
	RegList uint16

	// Imm is the zero-extended, word-scaled immediate for SUB SP/ADD SP.
	Imm uint32

	// Cond is the branch condition for OpBranch; CondAlways for the
	// unconditional T2 encoding.
	Cond Cond

	// Target is the resolved absolute address for OpBranch and OpCall.
	// Zero (and meaningless) for the indirect/unresolved ops.
	Target uint32

	// Reg identifies the register operand for OpIndirectCall (BLX Rm)
	// and OpBranchIndirect (BX Rm, or the resolved register of an
	// LDR/MOV-PC jump-table idiom).
	Reg uint8
}

// StackDelta returns the instruction's effect on the stack pointer: a
// negative value means SP decreases (the stack grows deeper), a positive
// value means SP increases. Only PUSH, POP, SUB SP and ADD SP carry a
// nonzero delta; every other op (including calls and branches, whose
// callee-side effects are accounted for separately by the analyzer and
// composer) returns 0.
func (i Instruction) StackDelta() int32 {
	switch i.Op {
	case OpPush:
		return -4 * int32(popcount(i.RegList))
	case OpPop:
		return 4 * int32(popcount(i.RegList&0x1FF))
	case OpSubSP:
		return -int32(i.Imm)
	case OpAddSP:
		return int32(i.Imm)
	default:
		return 0
	}
}

// IsReturn reports whether this instruction ends a function's path back to
// its caller: BX LR, or POP including PC.
func (i Instruction) IsReturn() bool {
	if i.Op == OpReturn {
		return true
	}
	return i.Op == OpPop && i.RegList&0x100 != 0
}

// IsTerminator reports whether this instruction ends a basic block.
func (i Instruction) IsTerminator() bool {
	switch i.Op {
	case OpBranch, OpBranchIndirect, OpReturn:
		return true
	case OpPop:
		return i.IsReturn()
	default:
		return false
	}
}

func popcount(mask uint16) int {
	n := 0
	for mask != 0 {
		n += int(mask & 1)
		mask >>= 1
	}
	return n
}
