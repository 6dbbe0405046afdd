package trace

import (
	"github.com/pkg/errors"
)

var (
	ErrNoProbesAttached = errors.New("no probes could be attached")
	ErrNoFunctions      = errors.New("no functions selected for tracing")
	ErrNotAttached      = errors.New("tracer is not attached")
)
