// Package resolve decides, for each cataloged function, whether its symbol
// is a plain exported function or an IFUNC resolver, and in the latter case
// discovers the offset of the implementation the resolver picks at runtime.
//
// Discovery is a two-phase dynamic probing: a transient entry probe captures
// the resolver's instruction pointer, a transient return probe captures the
// implementation address it returns, and one forced call from this process
// triggers both.
package resolve

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/memprof/memprof/pkg/catalog"
	"github.com/memprof/memprof/pkg/probe"
	"github.com/memprof/memprof/pkg/symtable"
)

const (
	captureProgName    = "memprof_resolve"
	captureEventsMap   = "resolve_events"
	captureResolverFn  = "capture_resolver_ip"
	captureImplFn      = "capture_impl_addr"
	eventKindResolver  = 1
	eventKindImplement = 2
)

// captureProgram is the fixed probe text for implementation discovery. It is
// loaded transiently, filtered to this process, and removed as soon as both
// addresses are captured.
const captureProgram = `// Generated by memprof. Do not edit.
#include <linux/bpf.h>
#include <linux/ptrace.h>
#include <bpf/bpf_helpers.h>
#include <bpf/bpf_tracing.h>

char LICENSE[] SEC("license") = "GPL";

struct capture_event {
	__u32 kind;
	__u32 pad;
	__u64 addr;
};

struct {
	__uint(type, BPF_MAP_TYPE_RINGBUF);
	__uint(max_entries, 4096);
} resolve_events SEC(".maps");

static __always_inline void submit(__u32 kind, __u64 addr)
{
	struct capture_event *e;

	e = bpf_ringbuf_reserve(&resolve_events, sizeof(*e), 0);
	if (!e)
		return;

	e->kind = kind;
	e->pad = 0;
	e->addr = addr;
	bpf_ringbuf_submit(e, 0);
}

SEC("uprobe")
int capture_resolver_ip(struct pt_regs *ctx)
{
	submit(1, PT_REGS_IP(ctx));
	return 0;
}

SEC("uretprobe")
int capture_impl_addr(struct pt_regs *ctx)
{
	submit(2, PT_REGS_RC(ctx));
	return 0;
}
`

type captureEvent struct {
	Kind uint32
	_    uint32
	Addr uint64
}

type Resolver struct {
	compiler *probe.Compiler
	logger   log.Logger
	libs     map[string]*Library
}

type Option func(*Resolver)

func WithLogger(logger log.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func WithCompiler(compiler *probe.Compiler) Option {
	return func(r *Resolver) {
		r.compiler = compiler
	}
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		libs: make(map[string]*Library),
	}
	for _, f := range opts {
		f(r)
	}
	if r.compiler == nil {
		r.compiler = probe.NewCompiler(probe.WithCompilerLogger(r.logger))
	}
	return r
}

// Close releases every library handle opened during resolution.
func (r *Resolver) Close() {
	for _, lib := range r.libs {
		lib.Close()
	}
	r.libs = make(map[string]*Library)
}

// ResolveAll resolves every descriptor in order. The only error returned is
// run cancellation; per-descriptor failures degrade to direct attachment or
// offset 0 and the session continues.
func (r *Resolver) ResolveAll(ctx context.Context, funcs []*catalog.Function) error {
	for _, f := range funcs {
		if err := r.ResolveSymbol(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// ResolveSymbol fills in the resolution state of one descriptor.
func (r *Resolver) ResolveSymbol(ctx context.Context, f *catalog.Function) error {
	r.logger.Debug().Str("function", f.Name).Str("lib", f.Lib).Str("symbol", f.Symbol).Msg("resolving symbol")

	lib, err := r.library(f.Lib)
	if err != nil {
		r.logger.Warn().Err(err).Str("function", f.Name).Msg("cannot open library, leaving symbol unresolved")
		f.LibPath = f.Lib
		f.Indirect = false
		return nil
	}
	f.LibPath = lib.Path

	resolverOff, err := r.lookupResolver(lib.Path, f.Symbol)
	switch {
	case errors.Is(err, symtable.ErrNotIFunc), errors.Is(err, symtable.ErrSymNotFound):
		r.logger.Debug().Str("function", f.Name).Msg("not an indirect function")
		f.Indirect = false
		return nil
	case err != nil:
		r.logger.Warn().Err(err).Str("function", f.Name).Msg("symbol lookup failed, attaching by symbol name")
		f.Indirect = false
		return nil
	}

	r.logger.Debug().Str("function", f.Name).Uint64("resolver_offset", resolverOff).Msg("symbol is an indirect function")
	f.Indirect = true
	f.ResolverOffset = resolverOff

	implOff, err := r.discoverImpl(ctx, f, lib)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(err, "interrupted while resolving %s", f.Name)
		}
		// Degraded mode: the probe will sit at the resolver entry.
		r.logger.Error().Err(err).Str("function", f.Name).Msg("failed to discover implementation offset, falling back to offset 0")
		f.ImplOffset = 0
		return nil
	}

	f.ImplOffset = implOff
	r.logger.Debug().
		Str("function", f.Name).
		Uint64("resolver_offset", f.ResolverOffset).
		Uint64("impl_offset", f.ImplOffset).
		Msg("implementation offset discovered")

	return nil
}

func (r *Resolver) library(name string) (*Library, error) {
	if lib, ok := r.libs[name]; ok {
		return lib, nil
	}
	lib, err := OpenLibrary(name)
	if err != nil {
		return nil, err
	}
	r.libs[name] = lib
	return lib, nil
}

func (r *Resolver) lookupResolver(libPath, symbol string) (uint64, error) {
	tab, err := symtable.Open(libPath)
	if err != nil {
		return 0, err
	}
	defer tab.Close()

	return tab.LookupIFunc(symbol)
}

// discoverImpl attaches the transient capture probes at the resolver entry,
// forces one call of the function from this process, and blocks until both
// the resolver instruction pointer and the returned implementation address
// arrive. Cancellation of ctx aborts the wait; no other timeout applies, as
// the forced call completes quickly in practice.
func (r *Resolver) discoverImpl(ctx context.Context, f *catalog.Function, lib *Library) (uint64, error) {
	p := probe.NewProbe(
		probe.WithName(captureProgName),
		probe.WithLogger(r.logger),
		probe.WithCompiler(r.compiler),
	)
	defer p.Close()

	if err := p.Load(ctx, captureProgram); err != nil {
		return 0, err
	}

	self := os.Getpid()
	if err := p.AttachUprobe(captureResolverFn, lib.Path, f.ResolverOffset, self); err != nil {
		return 0, err
	}
	if err := p.AttachURetprobe(captureImplFn, lib.Path, f.ResolverOffset, self); err != nil {
		return 0, err
	}

	evtCh, err := p.InitEventBuf(captureEventsMap)
	if err != nil {
		return 0, err
	}
	p.PollEventBuf()
	defer p.StopEventBuf()

	var resolverIP, implAddr uint64

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return lib.Invoke(symtable.BaseName(f.Symbol))
	})
	g.Go(func() error {
		var gotIP, gotAddr bool
		for !gotIP || !gotAddr {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case data := <-evtCh:
				var evt captureEvent
				if err := binary.Read(bytes.NewBuffer(data), binary.LittleEndian, &evt); err != nil {
					r.logger.Warn().Err(err).Msg("failed to decode capture event")
					continue
				}
				switch evt.Kind {
				case eventKindResolver:
					resolverIP = evt.Addr
					gotIP = true
				case eventKindImplement:
					implAddr = evt.Addr
					gotAddr = true
				}
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}

	return ImplOffset(implAddr, resolverIP, f.ResolverOffset), nil
}

// ImplOffset computes the implementation file offset from the two captured
// runtime addresses: the resolver entry and the implementation share the
// library's load bias, so their runtime distance added to the resolver's
// file offset locates the implementation in the file.
func ImplOffset(implAddr, resolverIP, resolverOffset uint64) uint64 {
	return implAddr - resolverIP + resolverOffset
}
