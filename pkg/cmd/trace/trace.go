package trace

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/memprof/memprof/internal/output"
	"github.com/memprof/memprof/internal/settings"
	"github.com/memprof/memprof/pkg/catalog"
	"github.com/memprof/memprof/pkg/cmd/common"
	"github.com/memprof/memprof/pkg/cmd/options"
	"github.com/memprof/memprof/pkg/probe"
	"github.com/memprof/memprof/pkg/readiness"
	"github.com/memprof/memprof/pkg/resolve"
	"github.com/memprof/memprof/pkg/trace"
)

const (
	CmdName = "trace"

	// childGrace bounds the SIGTERM-to-SIGKILL escalation when tearing
	// down a launched process outside the session.
	childGrace = 2 * time.Second
)

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:   CmdName + " [flags] [-- command [args...]]",
		Short: "Profile memory and string function usage",
		Long: fmt.Sprintf(`
%s attaches eBPF probes to the memory and string functions of the C library
and reports call counts, size distributions and pointer alignment, either
system-wide, for one process, or for a command it launches.
`, CmdName),
		Example: fmt.Sprintf(`  # Whole system, report every 5 seconds:
  %[1]s trace

  # One process, including the count-only string functions:
  %[1]s trace -p 1234 -c

  # Launch a command and profile only memcpy and memset for 30 seconds:
  %[1]s trace -f memcpy -f memset -t 30s -- /usr/bin/stress --vm 2`, settings.CmdName),
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		RunE:              o.Run,
	}

	cmd.Flags().IntVarP(&o.pid, "pid", "p", trace.WholeSystem, "Filter the traced process by PID")
	cmd.Flags().StringArrayVarP(&o.functions, "functions", "f", nil,
		fmt.Sprintf("Function to trace, repeatable (available: %s)", strings.Join(catalog.Names(), ", ")))
	cmd.Flags().DurationVarP(&o.interval, "interval", "i", 5*time.Second, "Interval between reports")
	cmd.Flags().DurationVarP(&o.duration, "time", "t", 0, "Stop tracing after this duration (0 means unlimited)")
	cmd.Flags().BoolVarP(&o.trackCountFuncs, "track-count-functions", "c", false, "Also trace the count-only string functions")
	cmd.Flags().BoolVarP(&o.checkAlignment, "check-alignment", "a", false, "Track 64-byte alignment of pointer arguments")
	cmd.Flags().BoolVarP(&o.verbose, "verbose", "v", false, "Enable the global call counter and verbose reports")
	cmd.Flags().StringVarP(&o.outputFile, "output", "o", "", "Mirror the report output to a file")
	cmd.Flags().StringVar(&o.clang, "clang", "clang", "Path to the clang binary used to compile the probes")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, args []string) error {
	var err error
	o.LogLevel, err = cmd.Flags().GetString("log-level")
	if err != nil {
		return errors.Wrap(err, "failed to get log level")
	}

	logLevel, err := log.ParseLevel(o.LogLevel)
	if err != nil {
		o.Logger.Fatal().Err(err).Msg("invalid log level")
	}
	o.Logger = o.Logger.Level(logLevel)

	// Loading BPF programs and attaching uprobes needs root.
	if os.Geteuid() != 0 {
		o.Logger.Fatal().Msgf("%s must run as root", settings.CmdName)
	}

	if o.pid != trace.WholeSystem && len(args) > 0 {
		return errors.New("--pid and a command to launch are mutually exclusive")
	}
	if o.interval <= 0 {
		return errors.New("--interval must be positive")
	}

	distribution, countOnly, err := selectFunctions(o.functions, o.trackCountFuncs)
	if err != nil {
		return err
	}

	out, closeOut, err := o.openOutput()
	if err != nil {
		return err
	}

	if err := common.WritePidFile(); err != nil {
		o.Logger.Warn().Err(err).Msg("failed to write pid file")
	}

	// Until the session takes ownership, every failure must tear down what
	// setup already created; the suspended child above all, which would
	// otherwise stay stopped forever.
	var (
		child *trace.Child
		ready *readiness.Server
	)
	handedOver := false
	defer func() {
		if !handedOver {
			abortSetup(child, ready, closeOut)
		}
	}()

	targetPID := o.pid
	if len(args) > 0 {
		child, err = trace.StartChild(args, o.Logger)
		if err != nil {
			return err
		}
		targetPID = child.Pid()
	}

	config := trace.Config{
		TargetPID:       targetPID,
		Interval:        o.interval,
		Duration:        o.duration,
		Functions:       o.functions,
		CheckAlignment:  o.checkAlignment,
		TrackCountFuncs: len(countOnly) > 0,
		Verbose:         o.verbose,
	}

	compiler := probe.NewCompiler(
		probe.WithClang(o.clang),
		probe.WithCompilerLogger(o.Logger),
	)

	resolver := resolve.NewResolver(
		resolve.WithLogger(o.Logger),
		resolve.WithCompiler(compiler),
	)
	defer resolver.Close()

	selected := make([]*catalog.Function, 0, len(distribution)+len(countOnly))
	selected = append(selected, distribution...)
	selected = append(selected, countOnly...)

	if err := resolver.ResolveAll(o.Ctx, selected); err != nil {
		return errors.Wrap(err, "failed to resolve symbols")
	}

	ready = readiness.NewServer(settings.ReadinessSock, o.Logger)
	if err := ready.Listen(o.Ctx); err != nil {
		o.Logger.Warn().Err(err).Msg("readiness socket unavailable")
		ready = nil
	}

	tracer := trace.NewTracer(
		trace.WithTracerDistribution(distribution),
		trace.WithTracerCountOnly(countOnly),
		trace.WithTracerConfig(config),
		trace.WithTracerCompiler(compiler),
		trace.WithTracerLogger(o.Logger),
	)

	if err := tracer.Init(o.Ctx); err != nil {
		tracer.Close()
		return errors.Wrap(err, "failed to init tracer")
	}
	if err := tracer.Attach(config.TargetPID); err != nil {
		tracer.Close()
		return errors.Wrap(err, "failed to attach probes")
	}

	if ready != nil {
		ready.NotifyAttached()
	}
	if child != nil {
		if err := child.Resume(); err != nil {
			o.Logger.Warn().Err(err).Msg("traced process could not be resumed")
		}
	}

	session := trace.NewSession(
		trace.WithSessionManager(tracer),
		trace.WithSessionChild(child),
		trace.WithSessionConfig(config),
		trace.WithSessionOutput(out),
		trace.WithSessionLogger(o.Logger),
		trace.WithSessionCleanup(func() {
			if ready != nil {
				ready.Shutdown()
			}
			common.RemovePidFile()
			closeOut()
		}),
	)

	handedOver = true
	code, err := session.Run(o.Ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(code)
	}

	return nil
}

// abortSetup tears down everything created before the session took
// ownership: the still-suspended child (SIGTERM stays pending on a stopped
// process, so the grace period ends in SIGKILL), the readiness socket, the
// pid file and the redirected output.
func abortSetup(child *trace.Child, ready *readiness.Server, closeOut func()) {
	if child != nil {
		child.Terminate(childGrace)
	}
	if ready != nil {
		ready.Shutdown()
	}
	common.RemovePidFile()
	closeOut()
}

// selectFunctions splits the requested subset into the two probe classes.
// Explicitly naming a count-only function pulls it in even without the
// track-count-functions flag.
func selectFunctions(names []string, trackCountFuncs bool) ([]*catalog.Function, []*catalog.Function, error) {
	known := make(map[string]struct{})
	for _, n := range catalog.Names() {
		known[n] = struct{}{}
	}
	for _, n := range names {
		if _, ok := known[n]; !ok {
			return nil, nil, errors.Errorf("unknown function %q (available: %s)", n, strings.Join(catalog.Names(), ", "))
		}
	}

	distribution := catalog.Select(catalog.Distribution(), names)

	countOnly := catalog.Select(catalog.CountOnly(), names)
	if len(names) == 0 && !trackCountFuncs {
		countOnly = nil
	}

	return distribution, countOnly, nil
}

func (o *Options) openOutput() (io.Writer, func(), error) {
	if o.outputFile == "" {
		return os.Stdout, func() {}, nil
	}

	tee, err := output.NewTee(o.outputFile)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open output file %s", o.outputFile)
	}
	o.Logger.Info().Str("file", o.outputFile).Msg("mirroring report output")

	return tee, func() { tee.Close() }, nil
}
