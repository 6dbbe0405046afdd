package trace

import (
	"time"

	"github.com/memprof/memprof/pkg/cmd/options"
)

type Options struct {
	pid       int
	functions []string

	interval time.Duration
	duration time.Duration

	trackCountFuncs bool
	checkAlignment  bool
	verbose         bool

	outputFile string
	clang      string

	*options.CommonOptions
}
