package util

import (
	"fmt"
	"io"
	"os"

	"github.com/buger/goterm"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/sidkik/mpysync/pkg/sync"
)

var isTerminal = terminal.IsTerminal

var opColors = map[string]int{
	sync.OpDelete: goterm.RED,
	sync.OpUpload: goterm.GREEN,
	sync.OpBuild:  goterm.GREEN,
	sync.OpMkdir:  goterm.CYAN,
}

// ProgressPrinter prints the progress of a sync. It prints a line per file,
// and when writing to a terminal, keeps the transfer progress of the current
// file updated in place.
type ProgressPrinter struct {
	out   io.Writer
	color bool
	live  bool
}

// NewProgressPrinter creates a ProgressPrinter that writes to stdout.
func NewProgressPrinter() *ProgressPrinter {
	tty := isTerminal(int(os.Stdout.Fd()))
	return &ProgressPrinter{out: os.Stdout, color: tty, live: tty}
}

// Progress implements sync.ProgressFunc.
func (p *ProgressPrinter) Progress(completed, total, subCompleted, subTotal int, op, target string) {
	if subTotal != 0 {
		if p.live {
			fmt.Fprintf(p.out, "\r    %3d%% (%d/%d bytes)", subCompleted*100/subTotal, subCompleted, subTotal)
			if subCompleted == subTotal {
				fmt.Fprintln(p.out)
			}
		}
		return
	}

	if op == sync.OpMkdir {
		return
	}

	counter := ""
	if total != 0 {
		counter = fmt.Sprintf("[%d/%d] ", completed+1, total)
	}
	fmt.Fprintf(p.out, "%s%s %s\n", counter, p.label(op), target)
}

func (p *ProgressPrinter) label(op string) string {
	if !p.color {
		return op
	}
	color, ok := opColors[op]
	if !ok {
		return op
	}
	return goterm.Color(op, color)
}

// PrintResult prints a summary of a finished sync.
func PrintResult(out io.Writer, res sync.Result) {
	fmt.Fprintf(out, "Uploaded %d file(s), deleted %d.\n", len(res.Uploaded), len(res.Deleted))
	if len(res.Warnings) == 0 {
		return
	}

	fmt.Fprintf(out, "%d file(s) failed and will be retried on the next sync:\n", len(res.Warnings))
	for _, warning := range res.Warnings {
		fmt.Fprintf(out, "  %s\n", warning)
	}
}
