package symtable_test

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memprof/memprof/pkg/symtable"
)

func TestBaseName(t *testing.T) {
	require.Equal(t, "memcpy", symtable.BaseName("memcpy@@GLIBC_2.14"))
	require.Equal(t, "memcpy", symtable.BaseName("memcpy@GLIBC_2.2.5"))
	require.Equal(t, "memset", symtable.BaseName("memset"))
}

func TestFileOffset(t *testing.T) {
	text := &elf.Section{SectionHeader: elf.SectionHeader{
		Name: ".text", Type: elf.SHT_PROGBITS, Addr: 0x20000, Offset: 0x20000, Size: 0x10000,
	}}
	// Loaded at a different file offset than its vaddr.
	data := &elf.Section{SectionHeader: elf.SectionHeader{
		Name: ".data", Type: elf.SHT_PROGBITS, Addr: 0x40000, Offset: 0x3f000, Size: 0x1000,
	}}
	null := &elf.Section{SectionHeader: elf.SectionHeader{Type: elf.SHT_NULL}}
	sections := []*elf.Section{null, text, data}

	off, err := symtable.FileOffset(sections, 0x21840)
	require.NoError(t, err)
	require.Equal(t, uint64(0x21840), off)

	off, err = symtable.FileOffset(sections, 0x40010)
	require.NoError(t, err)
	require.Equal(t, uint64(0x3f010), off)

	_, err = symtable.FileOffset(sections, 0x90000)
	require.ErrorIs(t, err, symtable.ErrNoSection)
}

func TestDefaultVersioned(t *testing.T) {
	funcInfo := byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC)

	// Dynamic symbol table order: the compat alias precedes the default
	// version, the way glibc lays out memcpy@GLIBC_2.2.5 before
	// memcpy@@GLIBC_2.14. Version words: index 0 is the null symbol.
	syms := []elf.Symbol{
		{Name: "memcpy", Info: funcInfo, Section: elf.SectionIndex(11), Value: 0x9e000},
		{Name: "memcpy", Info: funcInfo, Section: elf.SectionIndex(11), Value: 0xa1840},
		{Name: "memset", Info: funcInfo, Section: elf.SectionIndex(11), Value: 0xb0000},
	}
	versym := []uint16{0, 2 | 0x8000, 3, 4}

	s, ok := symtable.DefaultVersioned(syms, versym, "memcpy")
	require.True(t, ok)
	require.Equal(t, uint64(0xa1840), s.Value, "default version wins over the compat alias")

	s, ok = symtable.DefaultVersioned(syms, versym, "memset")
	require.True(t, ok)
	require.Equal(t, uint64(0xb0000), s.Value)

	_, ok = symtable.DefaultVersioned(syms, versym, "strlen")
	require.False(t, ok)
}

func TestDefaultVersionedHiddenOnly(t *testing.T) {
	funcInfo := byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC)

	syms := []elf.Symbol{
		{Name: "memmove", Info: funcInfo, Section: elf.SectionIndex(11), Value: 0x1000},
	}
	versym := []uint16{0, 2 | 0x8000}

	s, ok := symtable.DefaultVersioned(syms, versym, "memmove")
	require.True(t, ok, "a hidden-only name still resolves")
	require.Equal(t, uint64(0x1000), s.Value)
}

func TestDefaultVersionedUnversioned(t *testing.T) {
	funcInfo := byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC)

	// No .gnu.version table; skips undefined and non-function entries.
	syms := []elf.Symbol{
		{Name: "memchr", Info: funcInfo, Section: elf.SHN_UNDEF},
		{Name: "memchr", Info: byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_OBJECT), Section: elf.SectionIndex(11), Value: 0x2000},
		{Name: "memchr", Info: funcInfo, Section: elf.SectionIndex(11), Value: 0x3000},
	}

	s, ok := symtable.DefaultVersioned(syms, nil, "memchr")
	require.True(t, ok)
	require.Equal(t, uint64(0x3000), s.Value)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := symtable.Open("nonexistent-library-file")
	require.Error(t, err)
}
