package trace

import (
	"context"

	"github.com/aquasecurity/libbpfgo/helpers"

	"github.com/memprof/memprof/pkg/catalog"
	"github.com/memprof/memprof/pkg/probe"
	"github.com/memprof/memprof/pkg/probegen"
	"github.com/memprof/memprof/pkg/symtable"
)

const probeName = "memprof"

// CounterReader is the read-only view of the probe counter maps handed to
// reporting. Reads race with in-kernel atomic increments; they are eventually
// consistent, never transactionally so.
type CounterReader interface {
	ReadCounter(name string) (uint64, error)
	ReadHistogram(name string, slots int) ([]uint64, error)
}

// Tracer is the probe lifecycle manager: it deduplicates attach points,
// loads the generated program, attaches one entry probe per surviving
// descriptor and owns every kernel handle until shutdown.
type Tracer struct {
	probe    *probe.Probe
	attached []*catalog.Function

	*TracerOptions
}

func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		TracerOptions: &TracerOptions{},
	}
	for _, f := range opts {
		f(t)
	}
	return t
}

// Dedup drops every descriptor whose attach point is already claimed by an
// earlier one, keeping input order. Skips are logged naming the descriptor
// they collided with. Idempotent.
func (t *Tracer) Dedup(funcs []*catalog.Function) []*catalog.Function {
	seen := make(map[catalog.AttachPoint]*catalog.Function, len(funcs))
	var out []*catalog.Function
	for _, f := range funcs {
		ap := f.AttachPoint()
		if first, ok := seen[ap]; ok {
			t.logger.Warn().
				Str("function", f.Name).
				Str("duplicate_of", first.Name).
				Msg("duplicate attach point, skipping")
			continue
		}
		seen[ap] = f
		out = append(out, f)
	}
	return out
}

// Init deduplicates the descriptor set, generates the probe program covering
// it, and loads the compiled object. Must be called after resolution and
// before Attach.
func (t *Tracer) Init(ctx context.Context) error {
	all := t.Dedup(append(append([]*catalog.Function{}, t.distribution...), t.countOnly...))
	if len(all) == 0 {
		return ErrNoFunctions
	}

	t.distribution = t.distribution[:0]
	t.countOnly = t.countOnly[:0]
	for _, f := range all {
		if f.Class == catalog.ClassDistribution {
			t.distribution = append(t.distribution, f)
		} else {
			t.countOnly = append(t.countOnly, f)
		}
	}

	text := probegen.NewGenerator(
		probegen.WithDistribution(t.distribution),
		probegen.WithCountOnly(t.countOnly),
		probegen.WithTargetPID(t.config.TargetPID),
		probegen.WithAlignment(t.config.CheckAlignment),
		probegen.WithVerbose(t.config.Verbose),
	).Generate()

	if t.config.Verbose {
		t.logger.Debug().Msgf("generated probe program:\n%s", text)
	}

	t.probe = probe.NewProbe(
		probe.WithName(probeName),
		probe.WithLogger(t.logger),
		probe.WithCompiler(t.compiler),
	)

	return t.probe.Load(ctx, text)
}

// Attach places one entry probe per descriptor. Indirect descriptors are
// addressed by module path and discovered offset (the implementation has no
// public symbol); direct ones by their exported symbol's offset. Individual
// failures exclude the descriptor; zero successes is fatal.
func (t *Tracer) Attach(targetPID int) error {
	all := append(append([]*catalog.Function{}, t.distribution...), t.countOnly...)

	for _, f := range all {
		offset, err := t.attachOffset(f)
		if err != nil {
			t.logger.Error().Err(err).Str("function", f.Name).Msg("could not locate attach offset, skipping")
			continue
		}
		if err := t.probe.AttachUprobe(f.ProbeName(), f.LibPath, offset, targetPID); err != nil {
			t.logger.Error().Err(err).Str("function", f.Name).Msg("could not attach, skipping")
			continue
		}
		t.logger.Debug().Str("function", f.Name).Str("lib", f.LibPath).Uint64("offset", offset).Msg("probe attached")
		t.attached = append(t.attached, f)
	}

	if len(t.attached) == 0 {
		return ErrNoProbesAttached
	}
	t.logger.Info().Msgf("successfully attached %d/%d probes", len(t.attached), len(all))

	return nil
}

func (t *Tracer) attachOffset(f *catalog.Function) (uint64, error) {
	if f.Indirect {
		if f.ImplOffset != 0 {
			return f.ImplOffset, nil
		}
		// Degraded resolution: probe the resolver entry instead.
		return f.ResolverOffset, nil
	}
	if off, err := symbolOffset(f.LibPath, f.Symbol); err == nil {
		return off, nil
	}
	off, err := helpers.SymbolToOffset(f.LibPath, symtable.BaseName(f.Symbol))
	if err != nil {
		return 0, err
	}
	return uint64(off), nil
}

// symbolOffset locates the exported symbol through the dynamic symbol
// table, honoring symbol versioning: the bare-name lookup of
// helpers.SymbolToOffset can land on a compat alias when glibc exports
// several versions of the same name, so it only serves as fallback.
func symbolOffset(libPath, symbol string) (uint64, error) {
	tab, err := symtable.Open(libPath)
	if err != nil {
		return 0, err
	}
	defer tab.Close()

	return tab.FuncOffset(symbol)
}

// Attached lists the descriptors with a live probe, attach order.
func (t *Tracer) Attached() []*catalog.Function {
	return t.attached
}

// Snapshot reads every counter owned by the attached descriptors into a
// report.
func (t *Tracer) Snapshot() (*Report, error) {
	if t.probe == nil {
		return nil, ErrNotAttached
	}
	return Snapshot(t.probe, t.attached, t.config.CheckAlignment, t.config.Verbose)
}

// DetachAll tears down every live probe, best effort.
func (t *Tracer) DetachAll() {
	if t.probe != nil {
		t.probe.DetachAll()
	}
}

// Close releases the probe module after detaching.
func (t *Tracer) Close() {
	if t.probe != nil {
		t.probe.Close()
	}
}
