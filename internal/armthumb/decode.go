package armthumb

import (
	"github.com/pkg/errors"

	"stackdepth/internal/errs"
)

// Memory is the narrow read interface the decoder needs. internal/loader's
// Image satisfies it; tests satisfy it with a flat byte slice. The decoder
// never sees an ELF, a symbol table, or a section list — only halfwords at
// addresses.
type Memory interface {
	// ReadHalfword returns the little-endian 16-bit value at addr and
	// true, or false if addr isn't in any loadable, executable section.
	ReadHalfword(addr uint32) (uint16, bool)
}

// Decode returns the instruction at addr and its byte length (2 or 4).
// It returns errs.ErrDecodeFailed, wrapped with the offending address and
// opcode, for reserved/undefined encodings or truncated 32-bit
// instructions.
func Decode(mem Memory, addr uint32) (Instruction, error) {
	hw, ok := mem.ReadHalfword(addr)
	if !ok {
		return Instruction{}, errors.Wrapf(errs.ErrDecodeFailed, "address %#08x not executable", addr)
	}

	if isBLPrefix(hw) {
		return decodeBL(mem, addr, hw)
	}

	instr, err := decode16(hw, addr)
	if err != nil {
		return Instruction{}, err
	}
	instr.Addr = addr
	instr.Len = 2
	return instr, nil
}

// isBLPrefix reports whether hw is the first halfword of a 32-bit
// instruction. Thumbv6-m's 32-bit instructions are BL and the MSR/MRS/
// DSB/DMB/ISB system instructions; their first halfword always has the top
// 5 bits 0b11110.
func isBLPrefix(hw uint16) bool {
	return hw&0xF800 == 0xF000
}

func decodeBL(mem Memory, addr uint32, hi uint16) (Instruction, error) {
	lo, ok := mem.ReadHalfword(addr + 2)
	if !ok {
		return Instruction{}, errors.Wrapf(errs.ErrDecodeFailed, "truncated BL at %#08x", addr)
	}
	// Thumbv6-m supports only the BL suffix (top 5 bits 0b11111); the
	// BLX-immediate suffix (0b11101) requires switching to ARM state,
	// which doesn't exist on a Cortex-M0.
	if lo&0xF800 != 0xF800 {
		// MSR, MRS and the DSB/DMB/ISB barriers (first halfword 0xF38x-
		// 0xF3Fx, second halfword 0b10xx...) have no stack or control-flow
		// effect tracked here.
		if hi&0xFF80 == 0xF380 && lo&0xC000 == 0x8000 {
			return Instruction{Addr: addr, Len: 4, Op: OpOther}, nil
		}
		return Instruction{}, errors.Wrapf(errs.ErrDecodeFailed, "unsupported 32-bit prefix at %#08x (%#04x,%#04x)", addr, hi, lo)
	}

	offsetHi := int32(hi & 0x07FF)
	offsetLo := uint32(lo & 0x07FF)
	// Sign-extend the 11-bit high half, then combine as per the BL
	// encoding: target = PC + 4 + (offsetHi<<12 | offsetLo<<1).
	signed := (offsetHi << 21) >> 21
	offset := (signed << 12) | int32(offsetLo<<1)
	target := uint32(int64(addr) + 4 + int64(offset))

	return Instruction{
		Addr:   addr,
		Len:    4,
		Op:     OpCall,
		Target: target,
	}, nil
}

// decode16 decodes a single 16-bit Thumbv6-m instruction. Formats are
// distinguished by progressively narrower bitmasks, matching the standard
// ARM Thumb condition-tree shape (see the ARMv6-M Architecture Reference
// Manual §A5, "Thumb instruction encoding").
func decode16(hw uint16, addr uint32) (Instruction, error) {
	switch {
	case hw&0xFE00 == 0xB400: // PUSH
		return Instruction{Op: OpPush, RegList: pushPopRegList(hw)}, nil

	case hw&0xFE00 == 0xBC00: // POP
		regs := pushPopRegList(hw)
		instr := Instruction{Op: OpPop, RegList: regs}
		return instr, nil

	case hw&0xFF80 == 0xB080: // SUB SP, #imm7
		return Instruction{Op: OpSubSP, Imm: uint32(hw&0x7F) << 2}, nil

	case hw&0xFF80 == 0xB000: // ADD SP, #imm7
		return Instruction{Op: OpAddSP, Imm: uint32(hw&0x7F) << 2}, nil

	case hw&0xFF00 == 0x4700: // BX Rm / BLX Rm (hi-register branch/exchange)
		rm := uint8((hw >> 3) & 0xF)
		if hw&0x0080 != 0 { // L bit: BLX
			return Instruction{Op: OpIndirectCall, Reg: rm}, nil
		}
		if rm == 14 { // BX LR
			return Instruction{Op: OpReturn}, nil
		}
		return Instruction{Op: OpBranchIndirect, Reg: rm}, nil

	case hw&0xFC00 == 0x4400: // hi-register ADD/MOV (data processing, may clobber SP)
		return decodeHiRegDataOp(hw)

	case hw&0xF000 == 0xD000: // B<cond> / SWI / undefined
		return decodeConditionalBranchFormat(hw, addr)

	case hw&0xF800 == 0x4800: // LDR Rt, [PC, #imm] (PC-relative literal load)
		rt := uint8((hw >> 8) & 0x7)
		imm := uint32(hw & 0xFF)
		return Instruction{Op: OpPCRelativeLoad, Reg: rt, Imm: imm}, nil

	case hw&0xF800 == 0xE000: // B (unconditional)
		offset := signExtend(int32(hw&0x07FF), 11) << 1
		target := uint32(int64(addr) + 4 + int64(offset))
		return Instruction{Op: OpBranch, Cond: CondAlways, Target: target}, nil

	default:
		if isCBZOrCBNZ(hw) {
			return Instruction{}, errors.Wrapf(errs.ErrDecodeFailed, "CBZ/CBNZ at %#08x is not a Thumbv6-m encoding (%#04x)", addr, hw)
		}
		return Instruction{Op: OpOther}, nil
	}
}

// decodeHiRegDataOp handles Thumb format 5 (ADD/CMP/MOV on Hi registers).
// Only ADD and MOV can name SP as the destination; when they do, and the
// source register isn't itself SP-relative in a way the decoder can
// statically prove (it never is — the decoder proves nothing, per
// spec.md's "it does not attempt to" contract), the instruction is tagged
// OpStackClobberUnknown.
func decodeHiRegDataOp(hw uint16) (Instruction, error) {
	opBits := (hw >> 8) & 0x3
	h1 := (hw >> 7) & 0x1
	h2 := (hw >> 6) & 0x1
	rdLow := hw & 0x7
	rs := uint8((h2 << 3) | ((hw >> 3) & 0x7))
	rd := uint8((h1 << 3) | rdLow)

	switch opBits {
	case 0b00, 0b10: // ADD or MOV
		switch rd {
		case 13: // SP
			return Instruction{Op: OpStackClobberUnknown, Reg: rs}, nil
		case 15: // PC: a computed branch (the MOV PC, Rt half of the
			// LDR/MOV-PC jump-table idiom, per spec.md §4.B)
			return Instruction{Op: OpBranchIndirect, Reg: rs}, nil
		default:
			return Instruction{Op: OpOther}, nil
		}
	default: // CMP, or the BX/BLX case already peeled off above
		return Instruction{Op: OpOther}, nil
	}
}

func decodeConditionalBranchFormat(hw uint16, addr uint32) (Instruction, error) {
	cond := Cond((hw >> 8) & 0xF)
	switch cond {
	case 0xF: // SWI (SVC) — no stack/control-flow effect relevant here
		return Instruction{Op: OpOther}, nil
	case 0xE: // undefined instruction space
		return Instruction{}, errors.Wrapf(errs.ErrDecodeFailed, "undefined B<cond> encoding at %#08x (%#04x)", addr, hw)
	}
	offset := signExtend(int32(hw&0xFF), 8) << 1
	target := uint32(int64(addr) + 4 + int64(offset))
	return Instruction{Op: OpBranch, Cond: cond, Target: target}, nil
}

// isCBZOrCBNZ reports whether hw falls in the Thumb2/v7-m-only CBZ/CBNZ
// encoding space (1011 x0x1 xxxx xxxx: 0xB1xx, 0xB3xx, 0xB9xx, 0xBBxx),
// which the push/pop and SP-adjust cases above never reach.
// Spec.md requires these be rejected: "not in v6-m ... decoder rejects
// them".
func isCBZOrCBNZ(hw uint16) bool {
	return hw&0xF500 == 0xB100
}

func pushPopRegList(hw uint16) uint16 {
	regs := hw & 0x00FF
	if hw&0x0100 != 0 {
		regs |= 0x0100
	}
	return regs
}

// signExtend sign-extends the low `bits` bits of v.
func signExtend(v int32, bits uint) int32 {
	shift := 32 - bits
	return (v << shift) >> shift
}
