package probe

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
)

const defaultClang = "clang"

// Compiler turns generated BPF C text into a loadable object. The program is
// synthesized per run, so compilation happens at startup rather than at
// build time.
type Compiler struct {
	clang  string
	logger log.Logger
}

type CompilerOption func(*Compiler)

func WithClang(clang string) CompilerOption {
	return func(c *Compiler) {
		c.clang = clang
	}
}

func WithCompilerLogger(logger log.Logger) CompilerOption {
	return func(c *Compiler) {
		c.logger = logger
	}
}

func NewCompiler(opts ...CompilerOption) *Compiler {
	c := new(Compiler)
	for _, f := range opts {
		f(c)
	}
	if c.clang == "" {
		c.clang = defaultClang
	}
	return c
}

func targetArch() string {
	switch runtime.GOARCH {
	case "arm64":
		return "__TARGET_ARCH_arm64"
	default:
		return "__TARGET_ARCH_x86"
	}
}

// Compile writes src to a scratch directory, invokes clang with the BPF
// target, and returns the object bytes.
func (c *Compiler) Compile(ctx context.Context, src, name string) ([]byte, error) {
	dir, err := os.MkdirTemp("", name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scratch directory")
	}
	defer os.RemoveAll(dir)

	srcPath := filepath.Join(dir, name+".bpf.c")
	objPath := filepath.Join(dir, name+".bpf.o")

	if err := os.WriteFile(srcPath, []byte(src), 0600); err != nil {
		return nil, errors.Wrap(err, "failed to write probe source")
	}

	cmd := exec.CommandContext(ctx, c.clang,
		"-g", "-O2",
		"-target", "bpf",
		"-D"+targetArch(),
		"-c", srcPath,
		"-o", objPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.logger.Debug().Str("clang", c.clang).Str("src", srcPath).Msg("compiling probe program")
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "clang failed: %s", stderr.String())
	}

	obj, err := os.ReadFile(objPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read probe object")
	}

	return obj, nil
}
