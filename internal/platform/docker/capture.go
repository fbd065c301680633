package docker

import (
	"bytes"
	"errors"

	"github.com/dontdude/goxec-cluster/internal/domain"
)

// errOutputTooLarge aborts stream demultiplexing once the output budget is spent.
var errOutputTooLarge = errors.New("output too large")

// exitCodeKilled is 128+SIGKILL, what the kernel OOM killer leaves behind.
const exitCodeKilled = 137

// capture accumulates stdout and stderr against one shared byte budget.
// It is written by a single stdcopy goroutine and read only after that goroutine returns.
type capture struct {
	remaining int
	stdout    bytes.Buffer
	stderr    bytes.Buffer
}

func newCapture(limit int) *capture {
	return &capture{remaining: limit}
}

func (c *capture) Stdout() *streamWriter { return &streamWriter{c: c, buf: &c.stdout} }
func (c *capture) Stderr() *streamWriter { return &streamWriter{c: c, buf: &c.stderr} }

// output prefers stdout and falls back to stderr.
func (c *capture) output() string {
	if c.stdout.Len() > 0 {
		return c.stdout.String()
	}
	return c.stderr.String()
}

type streamWriter struct {
	c   *capture
	buf *bytes.Buffer
}

// Write refuses the whole frame once it would exceed the budget,
// so memory stays bounded however much the program prints.
func (w *streamWriter) Write(p []byte) (int, error) {
	if len(p) > w.c.remaining {
		w.c.remaining = 0
		return 0, errOutputTooLarge
	}
	w.c.remaining -= len(p)
	return w.buf.Write(p)
}

// classify turns an exit status into an outcome. Any non-zero exit that is not
// a kill is still program output (e.g. a traceback on stderr).
func classify(exitCode int64, oomKilled bool, c *capture) domain.Outcome {
	switch {
	case exitCode == 0:
		return domain.Succeeded(c.output())
	case oomKilled || exitCode == exitCodeKilled:
		return domain.Failed(domain.FailureSandboxMemoryExceeded, domain.ReasonMemoryExceeded)
	default:
		return domain.Succeeded(c.output())
	}
}
