package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/memprof/memprof/internal/output"
	"github.com/memprof/memprof/pkg/catalog"
	"github.com/memprof/memprof/pkg/probegen"
)

// reconcileTolerance is the accepted relative divergence between a
// histogram's entry count and its call counter before a warning is surfaced.
// Lost probe events are expected under load.
const reconcileTolerance = 0.01

type AlignmentStat struct {
	HasSrc bool `json:"has_src"`
	HasDst bool `json:"has_dst"`

	SrcAligned     uint64 `json:"src_aligned"`
	DstAligned     uint64 `json:"dst_aligned"`
	BothAligned    uint64 `json:"both_aligned"`
	NeitherAligned uint64 `json:"neither_aligned"`
}

type FuncStat struct {
	Name    string  `json:"name"`
	Class   string  `json:"class"`
	Calls   uint64  `json:"calls"`
	Percent float64 `json:"percent"`

	// Histogram holds the log2 size buckets, distribution class only.
	Histogram []uint64       `json:"histogram,omitempty"`
	Alignment *AlignmentStat `json:"alignment,omitempty"`
}

// Report is one snapshot of every attached descriptor's counters, sorted
// descending by call count. Individual counter reads are not atomic with
// each other; divergence is surfaced through Warnings.
type Report struct {
	Timestamp   time.Time  `json:"timestamp"`
	TotalCalls  uint64     `json:"total_calls"`
	GlobalCalls uint64     `json:"global_calls,omitempty"`
	Stats       []FuncStat `json:"stats"`
	Warnings    []string   `json:"warnings,omitempty"`
}

// Snapshot reads the counters of every attached descriptor through reader
// and aggregates them into a Report.
func Snapshot(reader CounterReader, funcs []*catalog.Function, alignment, verbose bool) (*Report, error) {
	r := &Report{Timestamp: time.Now()}

	for _, f := range funcs {
		stat := FuncStat{Name: f.Name, Class: f.Class.String()}

		var counterMap string
		if f.Class == catalog.ClassDistribution {
			counterMap = probegen.DistCounterMap(f.Name)
		} else {
			counterMap = probegen.CallCounterMap(f.Name)
		}
		calls, err := reader.ReadCounter(counterMap)
		if err != nil {
			return nil, err
		}
		stat.Calls = calls
		r.TotalCalls += calls

		if f.Class == catalog.ClassDistribution {
			hist, err := reader.ReadHistogram(probegen.HistogramMap(f.Name), probegen.HistogramSlots)
			if err != nil {
				return nil, err
			}
			stat.Histogram = hist

			if warn := reconcile(f.Name, hist, calls); warn != "" {
				r.Warnings = append(r.Warnings, warn)
			}
		}

		if alignment && (f.ArgSrc > 0 || f.ArgDst > 0) {
			align, err := readAlignment(reader, f, calls)
			if err != nil {
				return nil, err
			}
			stat.Alignment = align
		}

		r.Stats = append(r.Stats, stat)
	}

	if r.TotalCalls > 0 {
		for i := range r.Stats {
			r.Stats[i].Percent = float64(r.Stats[i].Calls) / float64(r.TotalCalls) * 100
		}
	}

	// Descending by count; ties keep attach order.
	sort.SliceStable(r.Stats, func(i, j int) bool {
		return r.Stats[i].Calls > r.Stats[j].Calls
	})

	if verbose {
		global, err := reader.ReadCounter(probegen.TotalCallsMap)
		if err != nil {
			return nil, err
		}
		r.GlobalCalls = global
		if global > 0 && global != r.TotalCalls {
			diff := math.Abs(float64(global)-float64(r.TotalCalls)) / float64(global) * 100
			r.Warnings = append(r.Warnings,
				fmt.Sprintf("per-function sum differs from global counter by %.2f%%", diff))
		}
	}

	return r, nil
}

func reconcile(name string, hist []uint64, calls uint64) string {
	var entries uint64
	for _, v := range hist {
		entries += v
	}
	var diff uint64
	if entries > calls {
		diff = entries - calls
	} else {
		diff = calls - entries
	}
	if float64(diff) > float64(calls)*reconcileTolerance {
		return fmt.Sprintf("%s: histogram entries (%d) differ from call counter (%d); probe events may have been lost", name, entries, calls)
	}
	return ""
}

func readAlignment(reader CounterReader, f *catalog.Function, calls uint64) (*AlignmentStat, error) {
	align := &AlignmentStat{HasSrc: f.ArgSrc > 0, HasDst: f.ArgDst > 0}

	var err error
	if align.HasSrc {
		if align.SrcAligned, err = reader.ReadCounter(probegen.AlignedSrcMap(f.Name)); err != nil {
			return nil, err
		}
	}
	if align.HasDst {
		if align.DstAligned, err = reader.ReadCounter(probegen.AlignedDstMap(f.Name)); err != nil {
			return nil, err
		}
	}
	if align.HasSrc && align.HasDst {
		if align.BothAligned, err = reader.ReadCounter(probegen.AlignedBothMap(f.Name)); err != nil {
			return nil, err
		}
		// neither = total - (src + dst - both), never negative.
		covered := align.SrcAligned + align.DstAligned - align.BothAligned
		if calls > covered {
			align.NeitherAligned = calls - covered
		}
	}

	return align, nil
}

// WriteJSON encodes the report for machine consumption.
func (r *Report) WriteJSON(w io.Writer) error {
	encoder := json.NewEncoder(w)
	return encoder.Encode(r)
}

// Render writes the human-readable report: the per-function statistics with
// histograms and alignment breakdowns, then the call distribution table.
func (r *Report) Render(w io.Writer) {
	fmt.Fprintf(w, "\n--- Function Statistics at %s ---\n", r.Timestamp.Format("2006-01-02 15:04:05"))

	for _, s := range r.Stats {
		if s.Calls == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s %s (%d calls) %s\n", output.Banner(30), s.Name, s.Calls, output.Banner(30))
		if s.Histogram != nil {
			renderHistogram(w, s.Histogram)
		}
		if s.Alignment != nil {
			renderAlignment(w, s.Alignment, s.Calls)
		}
	}

	r.renderDistribution(w)

	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warn)
	}
	fmt.Fprintln(w, output.Rule(60))
}

func (r *Report) renderDistribution(w io.Writer) {
	fmt.Fprintln(w, "\n--- Function Call Distribution ---")
	if r.TotalCalls == 0 {
		fmt.Fprintln(w, "No function calls recorded yet.")
		return
	}

	nameWidth := 10
	for _, s := range r.Stats {
		if len(s.Name) > nameWidth {
			nameWidth = len(s.Name)
		}
	}

	fmt.Fprintf(w, "%-*s %-12s %-8s %s\n", nameWidth+2, "Function", "Calls", "Percent", "Distribution")
	fmt.Fprintln(w, output.Rule(nameWidth+40))
	for _, s := range r.Stats {
		if s.Calls == 0 {
			continue
		}
		fmt.Fprintf(w, "%-*s %-12d %6.2f%%  |%s\n", nameWidth+2, s.Name, s.Calls, s.Percent, output.Bar(s.Percent, 2))
	}
	fmt.Fprintf(w, "\nTotal function calls (sum of all functions): %d\n", r.TotalCalls)
	if r.GlobalCalls > 0 {
		fmt.Fprintf(w, "Global counter value: %d\n", r.GlobalCalls)
	}
}

func renderHistogram(w io.Writer, hist []uint64) {
	first, last := -1, -1
	var max uint64
	for i, v := range hist {
		if v > 0 {
			if first < 0 {
				first = i
			}
			last = i
			if v > max {
				max = v
			}
		}
	}
	if first < 0 {
		return
	}

	fmt.Fprintf(w, "%22s : %-10s %s\n", "size", "count", "distribution")
	for i := first; i <= last; i++ {
		low, high := BucketBounds(i)
		pct := float64(hist[i]) / float64(max) * 100
		fmt.Fprintf(w, "%10d -> %-8d : %-10d |%s\n", low, high, hist[i], output.Bar(pct, 3))
	}
}

func renderAlignment(w io.Writer, a *AlignmentStat, calls uint64) {
	if calls == 0 {
		return
	}
	fmt.Fprintf(w, "%-20s %-10s %-10s %s\n", "Alignment Type", "Count", "Percentage", "Distribution")
	fmt.Fprintln(w, output.Rule(60))

	row := func(label string, count uint64) {
		pct := float64(count) / float64(calls) * 100
		fmt.Fprintf(w, "%-18s: %-10d %6.2f%%    |%s\n", label, count, pct, output.Bar(pct, 5))
	}
	if a.HasSrc {
		row("Source aligned", a.SrcAligned)
	}
	if a.HasDst {
		row("Dest aligned", a.DstAligned)
	}
	if a.HasSrc && a.HasDst {
		row("Both aligned", a.BothAligned)
		row("Neither aligned", a.NeitherAligned)
	}
}

// BucketBounds returns the inclusive size range of a log2 histogram bucket.
// Bucket 0 also absorbs size 0.
func BucketBounds(i int) (uint64, uint64) {
	if i <= 0 {
		return 0, 1
	}
	low := uint64(1) << uint(i)
	if i >= 63 {
		return low, math.MaxUint64
	}
	return low, (uint64(1) << uint(i+1)) - 1
}
