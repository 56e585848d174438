package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildLeafELF(t *testing.T) string {
	t.Helper()
	const resetAddr = 48 * 4 // past the 48-word vector table
	code := []byte{0x10, 0xB5, 0x82, 0xB0, 0x02, 0xB0, 0x10, 0xBD}

	text := make([]byte, resetAddr)
	binary.LittleEndian.PutUint32(text[0:4], 0x20010000)
	binary.LittleEndian.PutUint32(text[4:8], resetAddr|1)
	text = append(text, code...)

	strtab := []byte{0}
	nameOff := uint32(len(strtab))
	strtab = append(strtab, []byte("reset_handler\x00")...)
	shstrtab := []byte{0}
	addShName := func(name string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, append([]byte(name), 0)...)
		return off
	}
	textShName := addShName(".text")
	symtabShName := addShName(".symtab")
	strtabShName := addShName(".strtab")
	shstrtabShName := addShName(".shstrtab")

	var nullSym, fnSym [16]byte
	binary.LittleEndian.PutUint32(fnSym[0:4], nameOff)
	binary.LittleEndian.PutUint32(fnSym[4:8], resetAddr|1)
	binary.LittleEndian.PutUint32(fnSym[8:12], uint32(len(code)))
	fnSym[12] = (2 << 4) | 2
	binary.LittleEndian.PutUint16(fnSym[14:16], 1)
	symtab := append(append([]byte{}, nullSym[:]...), fnSym[:]...)

	type section struct {
		name, typ, flags, addr uint32
		data                   []byte
		link, entsize          uint32
	}
	sections := []section{
		{typ: 0},
		{name: textShName, typ: 1, flags: 0x2 | 0x4, data: text},
		{name: symtabShName, typ: 2, data: symtab, link: 3, entsize: 16},
		{name: strtabShName, typ: 3, data: strtab},
		{name: shstrtabShName, typ: 3, data: shstrtab},
	}

	var buf bytes.Buffer
	const ehdrSize, shdrSize = 52, 40
	offsets := make([]uint32, len(sections))
	cur := uint32(ehdrSize)
	for i, s := range sections {
		if s.typ == 0 {
			continue
		}
		offsets[i] = cur
		cur += uint32(len(s.data))
	}
	shoff := cur

	buf.Write([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0})
	buf.Write(make([]byte, 8))
	w16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }
	w32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	w16(2)
	w16(40)
	w32(1)
	w32(resetAddr | 1)
	w32(0)
	w32(shoff)
	w32(0)
	w16(ehdrSize)
	w16(0)
	w16(0)
	w16(shdrSize)
	w16(uint16(len(sections)))
	w16(4)
	for _, s := range sections {
		if s.typ != 0 {
			buf.Write(s.data)
		}
	}
	for i, s := range sections {
		w32(s.name)
		w32(s.typ)
		w32(s.flags)
		w32(s.addr)
		w32(offsets[i])
		w32(uint32(len(s.data)))
		w32(s.link)
		w32(0)
		w32(4)
		w32(s.entsize)
	}

	path := filepath.Join(t.TempDir(), "leaf.elf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{archKey, "version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "stackdepth")
}

func TestSummaryCommandEndToEnd(t *testing.T) {
	path := buildLeafELF(t)
	root := newRootCmd()
	root.SetArgs([]string{archKey, "summary", path})
	require.NoError(t, root.Execute())
}

func TestChainCommandUnknownEntrypointIsUsageError(t *testing.T) {
	path := buildLeafELF(t)
	root := newRootCmd()
	root.SetArgs([]string{archKey, "chain", "nonexistent", path})
	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, usageExitCode, exitCodeForCLIError(err))
}
