package status

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memprof/memprof/internal/settings"
	"github.com/memprof/memprof/pkg/cmd/common"
	"github.com/memprof/memprof/pkg/cmd/options"
)

const CmdName = "status"

type Options struct {
	*options.CommonOptions
}

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:               CmdName,
		Short:             fmt.Sprintf("Check whether a %s profiler is running", settings.CmdName),
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Run:               o.Run,
	}

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, _ []string) {
	if pid := common.ProfilerPid(); pid != 0 {
		fmt.Printf("%s is running (PID %d)\n", settings.CmdName, pid)
	} else {
		fmt.Printf("%s is not running\n", settings.CmdName)
	}
}
