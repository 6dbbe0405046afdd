package trace

import "time"

// WholeSystem is the target-PID sentinel for tracing every process.
const WholeSystem = -1

// Config is the immutable snapshot of one profiling run. It is built once
// from external input and read-only afterwards.
type Config struct {
	// TargetPID is the traced process, or WholeSystem.
	TargetPID int

	// Interval between periodic reports.
	Interval time.Duration

	// Duration limits the whole run; zero means unlimited.
	Duration time.Duration

	// Functions restricts tracing to the named catalog subset; empty means
	// the full catalog.
	Functions []string

	// CheckAlignment instruments 64-byte alignment of pointer arguments.
	CheckAlignment bool

	// TrackCountFuncs includes the count-only catalog class.
	TrackCountFuncs bool

	// Verbose compiles in the global debug counter and loosens logging.
	Verbose bool
}
