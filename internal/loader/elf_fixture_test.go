package loader

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildMinimalELF assembles a minimal little-endian 32-bit ARM ELF with:
//   - one loadable, executable section ".text" at address 0, holding a
//     48-word vector table (initial SP, reset handler, then zero-filled
//     vectors) followed by the bytes of "code"
//   - a symtab/strtab pair with one STT_FUNC symbol "reset" at resetAddr
//
// It's handwritten rather than produced by a toolchain so the test has no
// external build dependency; field layout follows the ELF32 spec
// (e_ident, Elf32_Ehdr, Elf32_Shdr, Elf32_Sym) directly.
func buildMinimalELF(t *testing.T, resetHandler uint32, code []byte) string {
	t.Helper()

	const (
		textAddr  = 0
		vectWords = 48
	)
	text := make([]byte, vectWords*4)
	binary.LittleEndian.PutUint32(text[0:4], 0x20010000) // initial SP
	binary.LittleEndian.PutUint32(text[4:8], resetHandler|1)
	if pad := int(resetHandler) - len(text); pad > 0 {
		text = append(text, make([]byte, pad)...)
	} else if pad < 0 {
		t.Fatalf("resetHandler %#x falls inside the vector table (min %#x)", resetHandler, len(text))
	}
	text = append(text, code...)

	strtab := []byte{0}
	resetNameOff := uint32(len(strtab))
	strtab = append(strtab, []byte("reset\x00")...)

	shstrtab := []byte{0}
	addShName := func(name string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, append([]byte(name), 0)...)
		return off
	}
	nullShName := uint32(0)
	textShName := addShName(".text")
	symtabShName := addShName(".symtab")
	strtabShName := addShName(".strtab")
	shstrtabShName := addShName(".shstrtab")

	var nullSym [16]byte // STN_UNDEF

	var fnSym [16]byte
	binary.LittleEndian.PutUint32(fnSym[0:4], resetNameOff)
	binary.LittleEndian.PutUint32(fnSym[4:8], resetHandler|1) // st_value, Thumb bit set
	binary.LittleEndian.PutUint32(fnSym[8:12], uint32(len(code)))
	fnSym[12] = (2 << 4) | 2 // STB_GLOBAL<<4 | STT_FUNC
	fnSym[13] = 0
	binary.LittleEndian.PutUint16(fnSym[14:16], 1) // st_shndx = .text section index

	symtab := append(append([]byte{}, nullSym[:]...), fnSym[:]...)

	type section struct {
		name    uint32
		typ     uint32
		flags   uint32
		addr    uint32
		data    []byte
		link    uint32
		entsize uint32
	}
	const (
		shtNull    = 0
		shtProgBit = 1
		shtSymtab  = 2
		shtStrtab  = 3
		shfWrite   = 0x1
		shfAlloc   = 0x2
		shfExec    = 0x4
	)
	sections := []section{
		{name: nullShName, typ: shtNull},
		{name: textShName, typ: shtProgBit, flags: shfAlloc | shfExec, addr: textAddr, data: text},
		{name: symtabShName, typ: shtSymtab, data: symtab, link: 3, entsize: 16},
		{name: strtabShName, typ: shtStrtab, data: strtab},
		{name: shstrtabShName, typ: shtStrtab, data: shstrtab},
	}

	var buf bytes.Buffer
	const ehdrSize = 52
	const shdrSize = 40

	// Lay out section data right after the ELF header; section headers
	// follow all section data.
	offsets := make([]uint32, len(sections))
	cur := uint32(ehdrSize)
	for i, s := range sections {
		if s.typ == shtNull {
			continue
		}
		offsets[i] = cur
		cur += uint32(len(s.data))
	}
	shoff := cur

	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0})
	buf.Write(make([]byte, 8))

	write16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }
	write32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }

	write16(2)        // e_type = ET_EXEC
	write16(40)        // e_machine = EM_ARM
	write32(1)         // e_version
	write32(resetHandler | 1) // e_entry
	write32(0)         // e_phoff
	write32(shoff)     // e_shoff
	write32(0)         // e_flags
	write16(ehdrSize)  // e_ehsize
	write16(0)         // e_phentsize
	write16(0)         // e_phnum
	write16(shdrSize)  // e_shentsize
	write16(uint16(len(sections))) // e_shnum
	write16(4)         // e_shstrndx

	for _, s := range sections {
		if s.typ != shtNull && len(s.data) > 0 {
			buf.Write(s.data)
		}
	}

	for i, s := range sections {
		write32(s.name)
		write32(s.typ)
		write32(s.flags)
		write32(s.addr)
		write32(offsets[i])
		write32(uint32(len(s.data)))
		write32(s.link)
		write32(0) // info
		write32(4) // addralign
		write32(s.entsize)
	}

	path := filepath.Join(t.TempDir(), "fixture.elf")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}
