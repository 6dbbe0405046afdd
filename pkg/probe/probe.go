// Package probe wraps the kernel-probe substrate: it loads compiled BPF
// objects, attaches entry and return uprobes by library path and file
// offset, and reads the counter and histogram maps back.
package probe

import (
	"context"
	"encoding/binary"
	"unsafe"

	bpf "github.com/maxgio92/libbpfgo"
	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
)

const (
	// EventsChBufSize sizes channels fed by ring buffer callbacks.
	EventsChBufSize = 64

	evtRingBufPollTimeout = 60
)

type link struct {
	name string
	l    *bpf.BPFLink
}

// Probe owns one loaded BPF module and every link attached through it.
// Links and module handles are exclusively owned here; callers never touch
// the substrate directly.
type Probe struct {
	name string
	mod  *bpf.Module

	links  []link
	evtBuf *bpf.RingBuffer

	compiler *Compiler
	logger   log.Logger
}

type Option func(p *Probe)

func WithName(name string) Option {
	return func(p *Probe) {
		p.name = name
	}
}

func WithLogger(logger log.Logger) Option {
	return func(p *Probe) {
		p.logger = logger
	}
}

func WithCompiler(compiler *Compiler) Option {
	return func(p *Probe) {
		p.compiler = compiler
	}
}

func NewProbe(opts ...Option) *Probe {
	p := new(Probe)
	for _, f := range opts {
		f(p)
	}
	if p.compiler == nil {
		p.compiler = NewCompiler(WithCompilerLogger(p.logger))
	}
	return p
}

// Load compiles the program text and loads the resulting object into the
// kernel. It must be called once, before any attach.
func (p *Probe) Load(ctx context.Context, src string) error {
	p.configureBPFLogger()

	obj, err := p.compiler.Compile(ctx, src, p.name)
	if err != nil {
		return errors.Wrapf(err, "failed to compile probe program %s", p.name)
	}

	p.mod, err = bpf.NewModuleFromBuffer(obj, p.name)
	if err != nil {
		return errors.Wrapf(err, "failed to create bpf module %s", p.name)
	}

	if err := p.mod.BPFLoadObject(); err != nil {
		return errors.Wrapf(err, "failed to load bpf module %s", p.name)
	}

	return nil
}

func (p *Probe) configureBPFLogger() {
	bpf.SetLoggerCbs(bpf.Callbacks{
		Log: func(level int, msg string) {
			if level == bpf.LibbpfWarnLevel {
				p.logger.Debug().Msgf("libbpf warning: %s", msg)
			}
		},
	})
}

// AttachUprobe places an entry probe for the named program at a file offset
// within the binary at path. pid < 0 attaches system-wide.
func (p *Probe) AttachUprobe(progName, path string, offset uint64, pid int) error {
	prog, err := p.mod.GetProgram(progName)
	if err != nil {
		return errors.Wrapf(err, "failed to get bpf program %s", progName)
	}

	l, err := prog.AttachUprobe(pid, path, uint32(offset))
	if err != nil {
		return errors.Wrapf(err, "failed to attach uprobe %s at %s+%#x", progName, path, offset)
	}
	p.links = append(p.links, link{name: progName, l: l})

	return nil
}

// AttachURetprobe places a return probe, same addressing as AttachUprobe.
func (p *Probe) AttachURetprobe(progName, path string, offset uint64, pid int) error {
	prog, err := p.mod.GetProgram(progName)
	if err != nil {
		return errors.Wrapf(err, "failed to get bpf program %s", progName)
	}

	l, err := prog.AttachURetprobe(pid, path, uint32(offset))
	if err != nil {
		return errors.Wrapf(err, "failed to attach uretprobe %s at %s+%#x", progName, path, offset)
	}
	p.links = append(p.links, link{name: progName, l: l})

	return nil
}

// ReadCounter returns the u64 value at key zero of the named array map.
func (p *Probe) ReadCounter(mapName string) (uint64, error) {
	m, err := p.mod.GetMap(mapName)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to get bpf map %s", mapName)
	}

	var key uint32
	v, err := m.GetValue(unsafe.Pointer(&key))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read counter %s", mapName)
	}

	return binary.LittleEndian.Uint64(v), nil
}

// ReadHistogram returns all bucket values of the named array map.
func (p *Probe) ReadHistogram(mapName string, slots int) ([]uint64, error) {
	m, err := p.mod.GetMap(mapName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get bpf map %s", mapName)
	}

	buckets := make([]uint64, slots)
	for i := range buckets {
		key := uint32(i)
		v, err := m.GetValue(unsafe.Pointer(&key))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read bucket %d of %s", i, mapName)
		}
		buckets[i] = binary.LittleEndian.Uint64(v)
	}

	return buckets, nil
}

// InitEventBuf initializes the named ring buffer and returns the channel its
// records are delivered on.
func (p *Probe) InitEventBuf(name string) (chan []byte, error) {
	events := make(chan []byte, EventsChBufSize)

	var err error
	p.evtBuf, err = p.mod.InitRingBuf(name, events)
	if err != nil {
		return nil, errors.Wrapf(err, "error initializing ring buffer %s", name)
	}

	return events, nil
}

// PollEventBuf runs libbpf ring_buffer__poll() on the probe events ring
// buffer. It must be called after InitEventBuf.
func (p *Probe) PollEventBuf() {
	p.evtBuf.Poll(evtRingBufPollTimeout)
}

func (p *Probe) StopEventBuf() {
	if p.evtBuf != nil {
		p.evtBuf.Stop()
	}
}

// DetachAll destroys every link attached through this probe. Best effort:
// individual failures are logged, not returned.
func (p *Probe) DetachAll() {
	for _, lk := range p.links {
		if err := lk.l.Destroy(); err != nil {
			p.logger.Warn().Err(err).Str("program", lk.name).Msg("failed to detach probe")
		}
	}
	p.links = nil
}

// Close detaches everything and releases the module.
func (p *Probe) Close() {
	p.DetachAll()
	if p.evtBuf != nil {
		p.evtBuf.Close()
		p.evtBuf = nil
	}
	if p.mod != nil {
		p.mod.Close()
		p.mod = nil
	}
}
