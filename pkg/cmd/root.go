package cmd

import (
	"context"
	"fmt"
	"os"

	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/memprof/memprof/internal/settings"
	"github.com/memprof/memprof/pkg/cmd/options"
	"github.com/memprof/memprof/pkg/cmd/status"
	"github.com/memprof/memprof/pkg/cmd/stop"
	"github.com/memprof/memprof/pkg/cmd/trace"
	"github.com/memprof/memprof/pkg/cmd/wait"
)

const logLevelInfo = "info"

func NewRootCmd(opts *options.CommonOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   settings.CmdName,
		Short: fmt.Sprintf("%s is an eBPF profiler for memory and string C library functions", settings.CmdName),
		Long: fmt.Sprintf(`
%s profiles the usage of the memory and string functions of the C library
(memcpy, memset, strlen, ...) with eBPF uprobes: call counts, size
distributions and pointer alignment, per process or system-wide, with no
changes to the profiled program.
`, settings.CmdName),
		DisableAutoGenTag: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", logLevelInfo,
		"Log level (trace, debug, info, warn, error, fatal, panic)")

	cmd.AddCommand(trace.NewCommand(opts))
	cmd.AddCommand(wait.NewCommand(opts))
	cmd.AddCommand(stop.NewCommand(opts))
	cmd.AddCommand(status.NewCommand(opts))

	return cmd
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
//
// Termination signals are deliberately not trapped here: the trace session
// owns them so it can emit the final report and derive the exit code.
func Execute() {
	logger := log.New(
		log.ConsoleWriter{Out: os.Stderr},
	).With().Timestamp().Logger()

	opts := options.NewCommonOptions(
		options.WithContext(context.Background()),
		options.WithLogger(logger),
	)

	if err := NewRootCmd(opts).Execute(); err != nil {
		os.Exit(1)
	}
}
