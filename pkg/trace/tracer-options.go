package trace

import (
	log "github.com/rs/zerolog"

	"github.com/memprof/memprof/pkg/catalog"
	"github.com/memprof/memprof/pkg/probe"
)

type TracerOptions struct {
	distribution []*catalog.Function
	countOnly    []*catalog.Function

	config Config

	compiler *probe.Compiler
	logger   log.Logger
}

type TracerOption func(*Tracer)

func WithTracerDistribution(funcs []*catalog.Function) TracerOption {
	return func(t *Tracer) {
		t.distribution = funcs
	}
}

func WithTracerCountOnly(funcs []*catalog.Function) TracerOption {
	return func(t *Tracer) {
		t.countOnly = funcs
	}
}

func WithTracerConfig(config Config) TracerOption {
	return func(t *Tracer) {
		t.config = config
	}
}

func WithTracerCompiler(compiler *probe.Compiler) TracerOption {
	return func(t *Tracer) {
		t.compiler = compiler
	}
}

func WithTracerLogger(logger log.Logger) TracerOption {
	return func(t *Tracer) {
		t.logger = logger
	}
}
