package probegen_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memprof/memprof/pkg/catalog"
	"github.com/memprof/memprof/pkg/probegen"
)

func testFuncs(t *testing.T) (dist, cnt []*catalog.Function) {
	t.Helper()
	dist = catalog.Select(catalog.Distribution(), []string{"memcpy", "memset"})
	cnt = catalog.Select(catalog.CountOnly(), []string{"strlen"})
	require.Len(t, dist, 2)
	require.Len(t, cnt, 1)
	return dist, cnt
}

func TestGenerateDeterministic(t *testing.T) {
	dist, cnt := testFuncs(t)

	opts := []probegen.Option{
		probegen.WithDistribution(dist),
		probegen.WithCountOnly(cnt),
		probegen.WithTargetPID(42),
		probegen.WithAlignment(true),
		probegen.WithVerbose(true),
	}

	first := probegen.NewGenerator(opts...).Generate()
	second := probegen.NewGenerator(opts...).Generate()
	require.Equal(t, first, second, "generation must be byte-identical for identical inputs")
}

func TestGenerateClassLogic(t *testing.T) {
	dist, cnt := testFuncs(t)
	text := probegen.NewGenerator(
		probegen.WithDistribution(dist),
		probegen.WithCountOnly(cnt),
	).Generate()

	// Distribution functions get a histogram and a counter.
	require.Contains(t, text, "HISTOGRAM(lenHist_memcpy);")
	require.Contains(t, text, "COUNTER(dist_memcpy);")
	require.Contains(t, text, "int count_memcpy(struct pt_regs *ctx)")
	require.Contains(t, text, "PT_REGS_PARM3(ctx)")

	// Count-only functions get a counter alone.
	require.Contains(t, text, "COUNTER(callCount_strlen);")
	require.NotContains(t, text, "lenHist_strlen")

	// One program per function.
	require.Equal(t, 3, strings.Count(text, "SEC(\"uprobe\")"))
}

func TestGeneratePIDFilter(t *testing.T) {
	dist, cnt := testFuncs(t)

	text := probegen.NewGenerator(
		probegen.WithDistribution(dist),
		probegen.WithCountOnly(cnt),
		probegen.WithTargetPID(1234),
	).Generate()
	require.Contains(t, text, "if (pid != 1234)")

	// Whole-system sentinel emits no filter.
	text = probegen.NewGenerator(
		probegen.WithDistribution(dist),
		probegen.WithCountOnly(cnt),
		probegen.WithTargetPID(-1),
	).Generate()
	require.NotContains(t, text, "bpf_get_current_pid_tgid")
}

func TestGenerateVerboseCounter(t *testing.T) {
	dist, cnt := testFuncs(t)

	text := probegen.NewGenerator(
		probegen.WithDistribution(dist),
		probegen.WithCountOnly(cnt),
	).Generate()
	require.NotContains(t, text, probegen.TotalCallsMap)

	text = probegen.NewGenerator(
		probegen.WithDistribution(dist),
		probegen.WithCountOnly(cnt),
		probegen.WithVerbose(true),
	).Generate()
	require.Contains(t, text, "COUNTER(total_calls);")
	require.Equal(t, 3, strings.Count(text, "bpf_map_lookup_elem(&total_calls, &zero)"))
}

func TestGenerateAlignmentRespectsArgSentinels(t *testing.T) {
	// strlen declares no source pointer argument: no source alignment
	// code may be emitted for it.
	strlen := catalog.Select(catalog.CountOnly(), []string{"strlen"})
	require.Zero(t, strlen[0].ArgSrc)

	text := probegen.NewGenerator(
		probegen.WithCountOnly(strlen),
		probegen.WithAlignment(true),
	).Generate()

	require.NotContains(t, text, "aligned_src_strlen")
	require.NotContains(t, text, "aligned_both_strlen")
	require.Contains(t, text, "COUNTER(aligned_dst_strlen);")
	require.Contains(t, text, "(dst & 0x3F) == 0")
}

func TestGenerateAlignmentDisabled(t *testing.T) {
	dist, cnt := testFuncs(t)
	text := probegen.NewGenerator(
		probegen.WithDistribution(dist),
		probegen.WithCountOnly(cnt),
	).Generate()
	require.NotContains(t, text, "aligned_")
}

func TestGenerateAtomicIncrements(t *testing.T) {
	dist, cnt := testFuncs(t)
	text := probegen.NewGenerator(
		probegen.WithDistribution(dist),
		probegen.WithCountOnly(cnt),
	).Generate()
	require.Contains(t, text, "__sync_fetch_and_add(counter, 1);")
}
