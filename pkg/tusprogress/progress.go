// Package tusprogress renders upload progress to a terminal, wired in as a
// resumux.UploadRequest.OnProgress callback.
package tusprogress

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// Printer prints a single, overwriting progress line when writing to a
// terminal, and falls back to one line per call (no carriage-return
// overwrite) when Out isn't a TTY — piping to a log file shouldn't fill it
// with thousands of \r-separated lines.
type Printer struct {
	Out io.Writer
	// Label prefixes each line, e.g. the file name being uploaded.
	Label string

	mu       sync.Mutex
	isTTY    bool
	lastLine string
}

// New builds a Printer writing to out. A nil out defaults to os.Stderr.
func New(out io.Writer, label string) *Printer {
	if out == nil {
		out = os.Stderr
	}

	p := &Printer{Out: out, Label: label}

	if f, ok := out.(*os.File); ok {
		p.isTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	return p
}

// Report implements the resumux.UploadRequest.OnProgress signature.
func (p *Printer) Report(bytesSent, bytesTotal int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var line string
	if bytesTotal > 0 {
		pct := float64(bytesSent) / float64(bytesTotal) * 100
		line = fmt.Sprintf("%s: %.1f%% (%d/%d bytes)", p.Label, pct, bytesSent, bytesTotal)
	} else {
		line = fmt.Sprintf("%s: %d bytes sent", p.Label, bytesSent)
	}

	if p.isTTY {
		fmt.Fprintf(p.Out, "\r\x1b[K%s", line)
	} else {
		fmt.Fprintln(p.Out, line)
	}

	p.lastLine = line
}

// Done prints a final newline so the overwritten progress line isn't left
// dangling without a line break; a no-op when Out isn't a TTY, since every
// line there already ended in one.
func (p *Printer) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isTTY && p.lastLine != "" {
		fmt.Fprintln(p.Out)
	}
}
