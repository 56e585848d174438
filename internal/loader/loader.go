// Package loader parses an ELF file into the shape the rest of the
// pipeline needs: a symbol table, a byte-addressable view of loadable
// sections, and the Cortex-M0 vector table. It is a thin reshaping layer
// over the standard library's debug/elf reader — spec.md scopes raw ELF
// byte parsing out of the analysis core as an external collaborator, but
// the reshaping this package does (Thumb-bit handling, vector table
// extraction, address-ordered symbol lookup) is in scope.
package loader

import (
	"debug/elf"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"stackdepth/internal/errs"
)

// SymbolKind distinguishes function symbols (decodable, analyzable) from
// data objects (never a call/branch target).
type SymbolKind int

const (
	SymbolObject SymbolKind = iota
	SymbolFunction
)

// Symbol is one entry from the ELF symbol table, reshaped for this tool's
// needs: the Thumb low bit has already been cleared out of Addr and
// recorded separately in Thumb.
type Symbol struct {
	Name  string
	Addr  uint32
	Size  uint32
	Kind  SymbolKind
	Thumb bool
}

// VectorEntry is one slot of the Cortex-M0 vector table: word 0 is the
// initial stack pointer (Handler/Thumb are meaningless for it), word 1 is
// the reset handler, words 2.. are exceptions/interrupts.
type VectorEntry struct {
	Index   int
	Handler uint32
	Thumb   bool
}

// Image is the Binary Loader's output: everything the decoder, analyzer,
// and entrypoint model need, addressed by virtual address.
type Image struct {
	Symbols     []Symbol // address-ascending, STT_FUNC only
	AllSymbols  []Symbol
	Vectors     []VectorEntry
	InitialSP   uint32
	sections    []loadedSection
	symbolsByPC map[uint32]*Symbol
}

type loadedSection struct {
	addr uint32
	data []byte
	exec bool
}

var log = logrus.WithField("component", "loader")

// Load reads path as an ELF file and builds an Image. It fails with
// errs.ErrBinaryMalformed if the file isn't a valid little-endian 32-bit
// ARM ELF with a symbol table, or has no vector table.
func Load(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrBinaryMalformed, "opening %s: %v", path, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2LSB {
		return nil, errors.Wrapf(errs.ErrBinaryMalformed, "%s is not a little-endian 32-bit ELF", path)
	}
	if f.Machine != elf.EM_ARM {
		return nil, errors.Wrapf(errs.ErrBinaryMalformed, "%s is not an ARM ELF (machine=%s)", path, f.Machine)
	}

	syms, err := f.Symbols()
	if err != nil || len(syms) == 0 {
		return nil, errors.Wrapf(errs.ErrBinaryMalformed, "%s has no symbol table", path)
	}

	img := &Image{symbolsByPC: make(map[uint32]*Symbol)}

	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		kind := SymbolObject
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC:
			kind = SymbolFunction
		case elf.STT_OBJECT:
			kind = SymbolObject
		default:
			continue
		}

		addr := uint32(s.Value)
		thumb := kind == SymbolFunction && addr&1 != 0
		if thumb {
			addr &^= 1
		}

		sym := Symbol{Name: s.Name, Addr: addr, Size: uint32(s.Size), Kind: kind, Thumb: thumb}
		img.AllSymbols = append(img.AllSymbols, sym)
		if kind == SymbolFunction {
			img.Symbols = append(img.Symbols, sym)
		}
	}

	sort.Slice(img.Symbols, func(i, j int) bool { return img.Symbols[i].Addr < img.Symbols[j].Addr })
	for i := range img.Symbols {
		img.symbolsByPC[img.Symbols[i].Addr] = &img.Symbols[i]
	}

	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Type == elf.SHT_NOBITS {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		img.sections = append(img.sections, loadedSection{
			addr: uint32(sec.Addr),
			data: data,
			exec: sec.Flags&elf.SHF_EXECINSTR != 0,
		})
		log.WithFields(logrus.Fields{"section": sec.Name, "addr": sec.Addr, "size": len(data)}).Debug("loaded section")
	}

	if err := img.loadVectorTable(); err != nil {
		return nil, err
	}

	return img, nil
}

// loadVectorTable reads the first N words of the section containing the
// reset vector: word 0 is the initial SP, word 1 the reset handler, words
// 2.. the exception/interrupt vectors. Cortex-M0 has 48 vector slots
// (16 system + 32 external interrupts).
func (img *Image) loadVectorTable() error {
	const numVectors = 48
	sec := img.sectionContaining(0)
	if sec == nil {
		return errors.Wrap(errs.ErrBinaryMalformed, "no loadable section at address 0 for the vector table")
	}

	word := func(idx int) (uint32, bool) {
		off := idx * 4
		if off+4 > len(sec.data) {
			return 0, false
		}
		return uint32(sec.data[off]) | uint32(sec.data[off+1])<<8 |
			uint32(sec.data[off+2])<<16 | uint32(sec.data[off+3])<<24, true
	}

	sp, ok := word(0)
	if !ok {
		return errors.Wrap(errs.ErrBinaryMalformed, "vector table truncated before initial SP")
	}
	img.InitialSP = sp

	for i := 1; i < numVectors; i++ {
		raw, ok := word(i)
		if !ok {
			break
		}
		if raw == 0 {
			continue
		}
		thumb := raw&1 != 0
		img.Vectors = append(img.Vectors, VectorEntry{Index: i, Handler: raw &^ 1, Thumb: thumb})
	}
	return nil
}

func (img *Image) sectionContaining(addr uint32) *loadedSection {
	for i := range img.sections {
		s := &img.sections[i]
		if addr >= s.addr && int(addr-s.addr) < len(s.data) {
			return s
		}
	}
	return nil
}

// ReadHalfword implements armthumb.Memory: it returns the little-endian
// 16-bit value at addr if addr lies in an executable section, with room
// for a full halfword.
func (img *Image) ReadHalfword(addr uint32) (uint16, bool) {
	sec := img.sectionContaining(addr)
	if sec == nil || !sec.exec {
		return 0, false
	}
	off := int(addr - sec.addr)
	if off+2 > len(sec.data) {
		return 0, false
	}
	return uint16(sec.data[off]) | uint16(sec.data[off+1])<<8, true
}

// ReadWord returns the little-endian 32-bit value at addr from any
// loadable section (used for jump-table literal pool reads, which may sit
// in a read-only data section rather than .text).
func (img *Image) ReadWord(addr uint32) (uint32, bool) {
	sec := img.sectionContaining(addr)
	if sec == nil {
		return 0, false
	}
	off := int(addr - sec.addr)
	if off+4 > len(sec.data) {
		return 0, false
	}
	return uint32(sec.data[off]) | uint32(sec.data[off+1])<<8 |
		uint32(sec.data[off+2])<<16 | uint32(sec.data[off+3])<<24, true
}

// FunctionAt returns the function symbol starting exactly at addr, if any.
func (img *Image) FunctionAt(addr uint32) (Symbol, bool) {
	s, ok := img.symbolsByPC[addr]
	if !ok {
		return Symbol{}, false
	}
	return *s, true
}

// FunctionExtent returns the address one past the end of the function
// starting at addr: either addr+its symbol size (when nonzero), or the
// address of the next ascending function symbol, or the end of the
// containing section.
func (img *Image) FunctionExtent(addr uint32) uint32 {
	sym, ok := img.symbolsByPC[addr]
	if ok && sym.Size > 0 {
		return addr + sym.Size
	}

	idx := sort.Search(len(img.Symbols), func(i int) bool { return img.Symbols[i].Addr > addr })
	if idx < len(img.Symbols) {
		return img.Symbols[idx].Addr
	}

	if sec := img.sectionContaining(addr); sec != nil {
		return sec.addr + uint32(len(sec.data))
	}
	return addr
}

// FunctionByName looks up a resolved hint target by symbol name.
func (img *Image) FunctionByName(name string) (Symbol, bool) {
	for _, s := range img.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	return Symbol{}, false
}
