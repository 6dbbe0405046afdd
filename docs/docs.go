//go:build docs

package main

import (
	"context"
	"fmt"
	"os"
	"path"

	log "github.com/rs/zerolog"
	"github.com/spf13/cobra/doc"

	"github.com/memprof/memprof/internal/settings"
	"github.com/memprof/memprof/pkg/cmd"
	"github.com/memprof/memprof/pkg/cmd/options"
)

const docsDir = "docs"

var linkHandler = func(filename string) string {
	if filename == settings.CmdName+".md" {
		// This is the root command.
		return "README.md"
	}
	return path.Join(docsDir, filename)
}

func main() {
	root := cmd.NewRootCmd(
		options.NewCommonOptions(
			options.WithContext(context.Background()),
			options.WithLogger(log.New(os.Stderr).Level(log.InfoLevel)),
		),
	)

	if err := doc.GenMarkdownTreeCustom(
		root,
		docsDir,
		func(string) string { return "" },
		linkHandler,
	); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
