package output

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Tee mirrors everything written to it to stdout and a log file, so a run
// leaves a reviewable record while staying interactive. Writes after Close
// fall through to stdout alone.
type Tee struct {
	file *os.File
	w    io.Writer
}

func NewTee(path string) (*Tee, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open output file %s", path)
	}
	return &Tee{file: f, w: io.MultiWriter(os.Stdout, f)}, nil
}

func (t *Tee) Write(p []byte) (int, error) {
	if t.w == nil {
		return os.Stdout.Write(p)
	}
	return t.w.Write(p)
}

// Close flushes and closes the file; idempotent.
func (t *Tee) Close() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	t.w = nil
	return err
}
