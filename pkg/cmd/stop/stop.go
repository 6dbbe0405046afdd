package stop

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/memprof/memprof/internal/settings"
	"github.com/memprof/memprof/pkg/cmd/common"
	"github.com/memprof/memprof/pkg/cmd/options"
)

const CmdName = "stop"

type Options struct {
	*options.CommonOptions
}

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:               CmdName,
		Short:             fmt.Sprintf("Stop a running %s profiler", settings.CmdName),
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Run:               o.Run,
	}

	return cmd
}

// Run sends SIGTERM so the profiler emits its final report before exiting,
// and escalates to SIGKILL when it does not go away.
func (o *Options) Run(cmd *cobra.Command, _ []string) {
	pid := common.ProfilerPid()
	if pid == 0 {
		fmt.Printf("%s not running or PID file not found\n", settings.CmdName)
		return
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		fmt.Println("Process not found")
		return
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		fmt.Printf("Failed to stop profiler: %v\n", err)
		return
	}

	for i := 0; i < 50; i++ {
		if !common.IsProfilerRunning() {
			fmt.Printf("%s stopped (PID %d)\n", settings.CmdName, pid)
			common.RemovePidFile()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	process.Kill()
	common.RemovePidFile()
	fmt.Printf("%s force killed (PID %d)\n", settings.CmdName, pid)
}
