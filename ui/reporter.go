package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Reporter is the default CLI adapter for the Event stream: a single
// progress bar keyed off TotalSize/PieceVerified, with colored one-line
// status for connection and error events. It is intentionally thin — the
// real dashboard is out of scope per spec §1.
type Reporter struct {
	out     io.Writer
	bar     *progressbar.ProgressBar
	colored *colorstring.Colorize
	name    string
}

// NewReporter builds a Reporter writing to out (os.Stdout if nil).
func NewReporter(out io.Writer) *Reporter {
	if out == nil {
		out = os.Stdout
	}
	return &Reporter{
		out:     out,
		colored: &colorstring.Colorize{Colors: colorstring.DefaultColors, Reset: true},
	}
}

// Run drains events until the channel closes, rendering each to out. It is
// meant to be launched in its own goroutine by the orchestrator.
func (r *Reporter) Run(events <-chan Event) {
	for ev := range events {
		r.handle(ev)
	}
}

func (r *Reporter) handle(ev Event) {
	switch ev.Kind {
	case TotalSize:
		r.name = fmt.Sprintf("%d pieces", ev.TotalPieces)
		r.bar = progressbar.NewOptions(ev.TotalPieces,
			progressbar.OptionSetWriter(r.out),
			progressbar.OptionSetWidth(barWidth()),
			progressbar.OptionShowCount(),
			progressbar.OptionSetDescription(r.colored.Color("[green]downloading[reset]")),
		)
	case PieceVerified:
		if r.bar != nil {
			_ = r.bar.Add(1)
		}
	case PeerConnected:
		fmt.Fprintln(r.out, r.colored.Color("[cyan]+peer[reset] ")+ev.PeerAddr)
	case PeerDisconnected, ConnectionDropped:
		fmt.Fprintln(r.out, r.colored.Color("[yellow]-peer[reset] ")+ev.PeerAddr)
	case Completed:
		fmt.Fprintln(r.out, r.colored.Color("[bold][green]download complete[reset]"))
	case Error:
		fmt.Fprintln(r.out, r.colored.Color("[red]error[reset] ")+ev.Err.Error())
	}
}

func barWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 40
	}
	if w > 80 {
		return 60
	}
	return w / 2
}
