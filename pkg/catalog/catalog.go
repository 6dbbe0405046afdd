package catalog

import "fmt"

// Class partitions the catalog: distribution functions carry a meaningful
// size argument and get a log2 histogram on top of the call counter,
// count-only functions get the call counter alone.
type Class int

const (
	ClassDistribution Class = iota
	ClassCountOnly
)

func (c Class) String() string {
	if c == ClassDistribution {
		return "distribution"
	}
	return "count-only"
}

// Function describes one traceable libc function: where it lives, how its
// arguments map to calling-convention registers, and — once the resolver has
// run — whether it is dispatched through an IFUNC resolver and at which
// offset the chosen implementation lives.
//
// Argument positions are 1-based register indexes (PT_REGS_PARMn); 0 means
// the function has no such argument and no code is generated for it.
type Function struct {
	Lib    string
	Name   string
	Symbol string

	ArgSize int
	ArgSrc  int
	ArgDst  int

	Class Class

	// LibPath is the absolute path the library was loaded from, filled in
	// by the resolver. Probes are addressed by module path, not by the
	// short library name.
	LibPath string

	// Resolution state, written only by the resolver.
	Indirect       bool
	ResolverOffset uint64
	// ImplOffset is meaningful only when Indirect is true. Zero after a
	// failed discovery: the probe then falls back to the resolver entry.
	ImplOffset uint64
}

// AttachPoint identifies the unique (library, offset-or-symbol) location a
// probe would be installed at. Two functions sharing an attach point must
// not both be probed.
type AttachPoint struct {
	Lib string
	Loc string
}

func (f *Function) AttachPoint() AttachPoint {
	if f.Indirect {
		return AttachPoint{Lib: f.Lib, Loc: fmt.Sprintf("%#x", f.ImplOffset)}
	}
	return AttachPoint{Lib: f.Lib, Loc: f.Symbol}
}

// ProbeName is the name of the generated BPF program servicing this function.
func (f *Function) ProbeName() string {
	return "count_" + f.Name
}

const (
	// Default register positions for the mem* copy-like prototype
	// (dst, src, size).
	defArgSize = 3
	defArgSrc  = 2
	defArgDst  = 1

	// LibC is the library every cataloged function belongs to.
	LibC = "libc.so.6"
)

func dist(name, symbol string) *Function {
	return &Function{
		Lib: LibC, Name: name, Symbol: symbol,
		ArgSize: defArgSize, ArgSrc: defArgSrc, ArgDst: defArgDst,
		Class: ClassDistribution,
	}
}

func countOnly(name, symbol string, argSrc, argDst int) *Function {
	return &Function{
		Lib: LibC, Name: name, Symbol: symbol,
		ArgSrc: argSrc, ArgDst: argDst,
		Class: ClassCountOnly,
	}
}

// Distribution returns fresh descriptors for the size-carrying functions.
// Callers own the returned descriptors; resolution mutates them in place.
func Distribution() []*Function {
	return []*Function{
		dist("memcpy", "memcpy@@GLIBC_2.14"),
		dist("mempcpy", "mempcpy"),
		dist("memcmp", "memcmp"),
		dist("memmove", "memmove"),
		dist("memset", "memset"),
		dist("memchr", "memchr"),
		dist("strncpy", "strncpy"),
		dist("strncmp", "strncmp"),
		dist("strncat", "strncat"),
	}
}

// CountOnly returns fresh descriptors for the functions without a usable
// size argument.
func CountOnly() []*Function {
	return []*Function{
		countOnly("strcpy", "strcpy", defArgSrc, defArgDst),
		countOnly("strcmp", "strcmp", defArgSrc, defArgDst),
		countOnly("strcat", "strcat", defArgSrc, defArgDst),
		countOnly("strlen", "strlen", 0, defArgDst),
		countOnly("strchr", "strchr", defArgSrc, defArgDst),
		countOnly("strstr", "strstr", defArgSrc, defArgDst),
	}
}

// Names lists the logical names of all cataloged functions, catalog order.
func Names() []string {
	var names []string
	for _, f := range Distribution() {
		names = append(names, f.Name)
	}
	for _, f := range CountOnly() {
		names = append(names, f.Name)
	}
	return names
}

// Select filters funcs down to the given names, preserving catalog order.
// An empty name list selects everything.
func Select(funcs []*Function, names []string) []*Function {
	if len(names) == 0 {
		return funcs
	}
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}
	var out []*Function
	for _, f := range funcs {
		if _, ok := wanted[f.Name]; ok {
			out = append(out, f)
		}
	}
	return out
}
