package symtable

import (
	"debug/elf"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrSymNotFound   = errors.New("symbol not found")
	ErrNotIFunc      = errors.New("symbol is not an indirect function")
	ErrNoSection     = errors.New("no section contains the symbol address")
	ErrSymTableEmpty = errors.New("dynamic symbol table is empty")
)

// STT_GNU_IFUNC marks a symbol whose value is a resolver function invoked by
// the loader to select the real implementation. debug/elf has no dedicated
// constant; it is the first OS-specific symbol type.
const STT_GNU_IFUNC = elf.STT_LOOS

// DynSymTab is an abstraction around a shared library's dynamic symbol
// table, the place where runtime-resolved (IFUNC) functions are declared.
type DynSymTab struct {
	file *elf.File
	syms []elf.Symbol
}

// Open loads the dynamic symbol table of the ELF file at pathname.
func Open(pathname string) (*DynSymTab, error) {
	file, err := elf.Open(pathname)
	if err != nil {
		return nil, errors.Wrap(err, "error opening ELF file")
	}

	syms, err := file.DynamicSymbols()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "error reading ELF dynamic symbol table")
	}
	if len(syms) == 0 {
		file.Close()
		return nil, ErrSymTableEmpty
	}

	return &DynSymTab{file: file, syms: syms}, nil
}

func (t *DynSymTab) Close() error {
	if t.file != nil {
		return t.file.Close()
	}
	return nil
}

// LookupIFunc finds the named symbol tagged STT_GNU_IFUNC and returns the
// file offset of its resolver entry. ErrNotIFunc means the symbol exists
// only as a plain function: attach by symbol name instead.
func (t *DynSymTab) LookupIFunc(symbol string) (uint64, error) {
	name := BaseName(symbol)

	found := false
	for _, s := range t.syms {
		if BaseName(s.Name) != name {
			continue
		}
		found = true
		if elf.ST_TYPE(s.Info) != STT_GNU_IFUNC {
			continue
		}
		return FileOffset(t.file.Sections, s.Value)
	}
	if found {
		return 0, ErrNotIFunc
	}
	return 0, ErrSymNotFound
}

// versymHidden marks a .gnu.version entry as a non-default (compat) version
// of its symbol.
const versymHidden = 0x8000

// FuncOffset returns the file offset of the named exported function. When
// several dynamic symbols share the base name (glibc keeps compat aliases
// like memcpy@GLIBC_2.2.5 next to the default memcpy@@GLIBC_2.14), the
// version the loader would bind wins.
func (t *DynSymTab) FuncOffset(symbol string) (uint64, error) {
	s, ok := DefaultVersioned(t.syms, t.versionTable(), BaseName(symbol))
	if !ok {
		return 0, ErrSymNotFound
	}
	return FileOffset(t.file.Sections, s.Value)
}

// versionTable reads .gnu.version: one version word per dynamic symbol table
// entry, hidden bit set on non-default versions. Nil when the library is
// unversioned.
func (t *DynSymTab) versionTable() []uint16 {
	sec := t.file.Section(".gnu.version")
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil
	}

	versym := make([]uint16, len(data)/2)
	for i := range versym {
		versym[i] = t.file.ByteOrder.Uint16(data[2*i:])
	}
	return versym
}

// DefaultVersioned picks the defined function symbol the loader binds for
// name: the entry whose version word lacks the hidden bit. A hidden-only
// name falls back to its first definition. syms must be in dynamic symbol
// table order; entry i carries version word i+1, as the table opens with
// the null symbol.
func DefaultVersioned(syms []elf.Symbol, versym []uint16, name string) (elf.Symbol, bool) {
	var fallback *elf.Symbol
	for i := range syms {
		s := &syms[i]
		if BaseName(s.Name) != name || s.Section == elf.SHN_UNDEF {
			continue
		}
		if typ := elf.ST_TYPE(s.Info); typ != elf.STT_FUNC && typ != STT_GNU_IFUNC {
			continue
		}
		if len(versym) <= i+1 || versym[i+1]&versymHidden == 0 {
			return *s, true
		}
		if fallback == nil {
			fallback = s
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return elf.Symbol{}, false
}

// FileOffset translates a symbol virtual address into an offset within the
// library file, through the section that maps it. Uprobe attachment is
// addressed by file offset, not by virtual address.
func FileOffset(sections []*elf.Section, vaddr uint64) (uint64, error) {
	for _, s := range sections {
		if s.Type == elf.SHT_NULL || s.Addr == 0 {
			continue
		}
		if vaddr >= s.Addr && vaddr < s.Addr+s.Size {
			return vaddr - s.Addr + s.Offset, nil
		}
	}
	return 0, ErrNoSection
}

// BaseName strips the version suffix from an exported symbol string,
// e.g. "memcpy@@GLIBC_2.14" -> "memcpy".
func BaseName(symbol string) string {
	if i := strings.Index(symbol, "@"); i >= 0 {
		return symbol[:i]
	}
	return symbol
}
