package wait

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/memprof/memprof/internal/settings"
	"github.com/memprof/memprof/pkg/cmd/options"
	"github.com/memprof/memprof/pkg/readiness"
)

const (
	CmdName = "wait"

	retryInterval = 500 * time.Millisecond
)

type Options struct {
	socketPath string
	timeout    time.Duration

	*options.CommonOptions
}

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:               CmdName,
		Short:             fmt.Sprintf("Wait for the %s profiler probes to be attached", settings.CmdName),
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		RunE:              o.Run,
	}

	cmd.Flags().StringVarP(&o.socketPath, "socket-path", "s", settings.ReadinessSock,
		fmt.Sprintf("Path to the %s readiness socket", settings.CmdName))
	cmd.Flags().DurationVar(&o.timeout, "timeout", 2*time.Minute, "Give up after this duration")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, _ []string) error {
	var err error
	o.LogLevel, err = cmd.Flags().GetString("log-level")
	if err != nil {
		return errors.Wrap(err, "failed to get log level")
	}

	logLevel, err := log.ParseLevel(o.LogLevel)
	if err != nil {
		o.Logger.Fatal().Err(err).Msg("invalid log level")
	}
	o.Logger = o.Logger.Level(logLevel).With().Str("component", CmdName).Logger()

	start := time.Now()
	o.Logger.Info().Msg("waiting for the profiler to attach its probes")

	for {
		if time.Since(start) >= o.timeout {
			return errors.New("timeout waiting for profiler readiness")
		}

		info, err := os.Stat(o.socketPath)
		if err != nil {
			if os.IsNotExist(err) {
				time.Sleep(retryInterval)
				continue
			}
			return errors.Wrap(err, "error checking readiness socket")
		}

		if info.Mode()&os.ModeSocket == 0 {
			return errors.Errorf("path exists but is not a unix socket: %s", o.socketPath)
		}

		conn, err := net.DialTimeout("unix", o.socketPath, retryInterval)
		if err != nil {
			if errors.Is(err, syscall.EACCES) {
				return errors.Wrap(err, "failed connecting to readiness socket")
			}
			time.Sleep(retryInterval)
			continue
		}

		buf := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(retryInterval))

		n, err := conn.Read(buf)
		conn.Close()
		if err != nil || n == 0 {
			time.Sleep(retryInterval)
			continue
		}

		if buf[0] == readiness.Ready {
			o.Logger.Info().Msg("profiler is ready")
			return nil
		}

		time.Sleep(retryInterval)
	}
}
