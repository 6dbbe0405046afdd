package settings

import "fmt"

const CmdName = "memprof"

var (
	PidFile       = fmt.Sprintf("/tmp/%s.pid", CmdName)
	ReadinessSock = fmt.Sprintf("/tmp/%s.sock", CmdName)
)
