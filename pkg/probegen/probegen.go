// Package probegen synthesizes the BPF C program servicing every requested
// function in a single compilation unit. Generation is a pure function of
// the descriptor lists and flags: identical inputs in identical order yield
// byte-identical text.
package probegen

import (
	"fmt"
	"strings"

	"github.com/memprof/memprof/pkg/catalog"
)

const (
	// HistogramSlots is the number of log2 buckets per distribution map.
	// 64 covers every possible size argument.
	HistogramSlots = 64

	// TotalCallsMap is the global debug counter, emitted only when verbose.
	TotalCallsMap = "total_calls"
)

// Map names owned by each function. The tracer reads counters back through
// these names, so they must stay in sync with the emitted declarations.
func DistCounterMap(name string) string { return "dist_" + name }
func CallCounterMap(name string) string { return "callCount_" + name }
func HistogramMap(name string) string   { return "lenHist_" + name }
func AlignedSrcMap(name string) string  { return "aligned_src_" + name }
func AlignedDstMap(name string) string  { return "aligned_dst_" + name }
func AlignedBothMap(name string) string { return "aligned_both_" + name }

type Generator struct {
	distribution []*catalog.Function
	countOnly    []*catalog.Function
	targetPID    int
	alignment    bool
	verbose      bool
}

type Option func(*Generator)

func WithDistribution(funcs []*catalog.Function) Option {
	return func(g *Generator) {
		g.distribution = funcs
	}
}

func WithCountOnly(funcs []*catalog.Function) Option {
	return func(g *Generator) {
		g.countOnly = funcs
	}
}

// WithTargetPID narrows the emitted probes to one process. Values <= 0 mean
// whole-system tracing and emit no filter.
func WithTargetPID(pid int) Option {
	return func(g *Generator) {
		g.targetPID = pid
	}
}

func WithAlignment(alignment bool) Option {
	return func(g *Generator) {
		g.alignment = alignment
	}
}

func WithVerbose(verbose bool) Option {
	return func(g *Generator) {
		g.verbose = verbose
	}
}

func NewGenerator(opts ...Option) *Generator {
	g := new(Generator)
	for _, f := range opts {
		f(g)
	}
	return g
}

const prologue = `// Generated by memprof. Do not edit.
#include <linux/bpf.h>
#include <linux/ptrace.h>
#include <bpf/bpf_helpers.h>
#include <bpf/bpf_tracing.h>

char LICENSE[] SEC("license") = "GPL";

#define COUNTER(name)                     \
	struct {                          \
		__uint(type, BPF_MAP_TYPE_ARRAY); \
		__uint(max_entries, 1);   \
		__type(key, __u32);       \
		__type(value, __u64);     \
	} name SEC(".maps")

#define HISTOGRAM(name)                   \
	struct {                          \
		__uint(type, BPF_MAP_TYPE_ARRAY); \
		__uint(max_entries, 64);  \
		__type(key, __u32);       \
		__type(value, __u64);     \
	} name SEC(".maps")

static __always_inline void increment(__u64 *counter)
{
	if (counter)
		__sync_fetch_and_add(counter, 1);
}

static __always_inline __u32 log2_u32(__u32 v)
{
	__u32 r, shift;

	r = (v > 0xFFFF) << 4; v >>= r;
	shift = (v > 0xFF) << 3; v >>= shift; r |= shift;
	shift = (v > 0xF) << 2; v >>= shift; r |= shift;
	shift = (v > 0x3) << 1; v >>= shift; r |= shift;
	r |= (v >> 1);

	return r;
}

/* floor(log2(v)); zero maps to the lowest bucket. */
static __always_inline __u32 log2_u64(__u64 v)
{
	__u32 hi = v >> 32;

	if (hi)
		return log2_u32(hi) + 32;

	return log2_u32(v);
}
`

// Generate renders the program text covering every descriptor passed at
// construction.
func (g *Generator) Generate() string {
	var b strings.Builder

	b.WriteString(prologue)

	if g.verbose {
		b.WriteString("\n/* Global debug counter, verbose mode only. */\n")
		fmt.Fprintf(&b, "COUNTER(%s);\n", TotalCallsMap)
	}

	all := make([]*catalog.Function, 0, len(g.distribution)+len(g.countOnly))
	all = append(all, g.distribution...)
	all = append(all, g.countOnly...)

	b.WriteString("\n/* Per-function call counters. */\n")
	for _, f := range g.distribution {
		fmt.Fprintf(&b, "COUNTER(%s);\n", DistCounterMap(f.Name))
	}
	for _, f := range g.countOnly {
		fmt.Fprintf(&b, "COUNTER(%s);\n", CallCounterMap(f.Name))
	}

	if g.alignment {
		b.WriteString("\n/* 64-byte alignment counters. */\n")
		for _, f := range all {
			if f.ArgSrc > 0 {
				fmt.Fprintf(&b, "COUNTER(%s);\n", AlignedSrcMap(f.Name))
			}
			if f.ArgDst > 0 {
				fmt.Fprintf(&b, "COUNTER(%s);\n", AlignedDstMap(f.Name))
			}
			if f.ArgSrc > 0 && f.ArgDst > 0 {
				fmt.Fprintf(&b, "COUNTER(%s);\n", AlignedBothMap(f.Name))
			}
		}
	}

	for _, f := range all {
		g.emitFunction(&b, f)
	}

	return b.String()
}

func (g *Generator) emitFunction(b *strings.Builder, f *catalog.Function) {
	if f.Class == catalog.ClassDistribution {
		fmt.Fprintf(b, "\nHISTOGRAM(%s);\n", HistogramMap(f.Name))
	}

	fmt.Fprintf(b, "\nSEC(\"uprobe\")\nint %s(struct pt_regs *ctx)\n{\n", f.ProbeName())
	b.WriteString("\t__u32 zero = 0;\n")

	if g.targetPID > 0 {
		b.WriteString("\n\t__u32 pid = bpf_get_current_pid_tgid() >> 32;\n")
		fmt.Fprintf(b, "\tif (pid != %d)\n\t\treturn 0;\n", g.targetPID)
	}

	if f.Class == catalog.ClassDistribution {
		fmt.Fprintf(b, "\n\t__u64 len = PT_REGS_PARM%d(ctx);\n", f.ArgSize)
		b.WriteString("\t__u32 bucket = log2_u64(len);\n")
		fmt.Fprintf(b, "\tif (bucket >= %d)\n\t\tbucket = %d;\n", HistogramSlots, HistogramSlots-1)
		fmt.Fprintf(b, "\tincrement(bpf_map_lookup_elem(&%s, &bucket));\n", HistogramMap(f.Name))
		fmt.Fprintf(b, "\tincrement(bpf_map_lookup_elem(&%s, &zero));\n", DistCounterMap(f.Name))
	} else {
		fmt.Fprintf(b, "\n\tincrement(bpf_map_lookup_elem(&%s, &zero));\n", CallCounterMap(f.Name))
	}

	if g.verbose {
		fmt.Fprintf(b, "\tincrement(bpf_map_lookup_elem(&%s, &zero));\n", TotalCallsMap)
	}

	if g.alignment {
		if f.ArgSrc > 0 {
			fmt.Fprintf(b, "\n\t__u64 src = PT_REGS_PARM%d(ctx);\n", f.ArgSrc)
			b.WriteString("\tint src_aligned = (src & 0x3F) == 0;\n")
			fmt.Fprintf(b, "\tif (src_aligned)\n\t\tincrement(bpf_map_lookup_elem(&%s, &zero));\n", AlignedSrcMap(f.Name))
		}
		if f.ArgDst > 0 {
			fmt.Fprintf(b, "\n\t__u64 dst = PT_REGS_PARM%d(ctx);\n", f.ArgDst)
			b.WriteString("\tint dst_aligned = (dst & 0x3F) == 0;\n")
			fmt.Fprintf(b, "\tif (dst_aligned)\n\t\tincrement(bpf_map_lookup_elem(&%s, &zero));\n", AlignedDstMap(f.Name))
		}
		if f.ArgSrc > 0 && f.ArgDst > 0 {
			fmt.Fprintf(b, "\tif (src_aligned && dst_aligned)\n\t\tincrement(bpf_map_lookup_elem(&%s, &zero));\n", AlignedBothMap(f.Name))
		}
	}

	b.WriteString("\n\treturn 0;\n}\n")
}
