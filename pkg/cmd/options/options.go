package options

import (
	"context"

	log "github.com/rs/zerolog"
)

// CommonOptions are shared by every command and populated once in Execute.
type CommonOptions struct {
	Ctx      context.Context
	Logger   log.Logger
	LogLevel string
}

type Option func(o *CommonOptions)

func NewCommonOptions(opts ...Option) *CommonOptions {
	o := new(CommonOptions)
	for _, f := range opts {
		f(o)
	}

	return o
}

func WithContext(ctx context.Context) Option {
	return func(o *CommonOptions) {
		o.Ctx = ctx
	}
}

func WithLogger(logger log.Logger) Option {
	return func(o *CommonOptions) {
		o.Logger = logger
	}
}

func WithLogLevel(level string) Option {
	return func(o *CommonOptions) {
		o.LogLevel = level
	}
}
