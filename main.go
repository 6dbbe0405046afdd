package main

import (
	"github.com/memprof/memprof/pkg/cmd"
)

func main() {
	cmd.Execute()
}
