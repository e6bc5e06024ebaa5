package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"localmind/pkg/types"
)

// progressPrinter renders download progress, throttled so that a fast
// transfer does not flood the terminal. Phase changes always print.
type progressPrinter struct {
	w   io.Writer
	tty bool

	mu        sync.Mutex
	sometimes rate.Sometimes
	phase     types.Phase
	width     int
}

func newProgressPrinter(w io.Writer, interval time.Duration) *progressPrinter {
	return &progressPrinter{
		w:         w,
		tty:       isTerminal(w),
		sometimes: rate.Sometimes{First: 1, Interval: interval},
	}
}

func (p *progressPrinter) update(pr types.DownloadProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr.Phase != p.phase {
		p.phase = pr.Phase
		p.print(pr)
		return
	}
	p.sometimes.Do(func() { p.print(pr) })
}

func (p *progressPrinter) print(pr types.DownloadProgress) {
	line := formatProgress(pr)
	if p.tty {
		pad := ""
		if n := p.width - len(line); n > 0 {
			pad = strings.Repeat(" ", n)
		}
		fmt.Fprintf(p.w, "\r%s%s", line, pad)
		p.width = len(line)
		return
	}
	fmt.Fprintln(p.w, line)
}

// done terminates the progress line on a terminal.
func (p *progressPrinter) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tty && p.width > 0 {
		fmt.Fprintln(p.w)
		p.width = 0
	}
}

func formatProgress(pr types.DownloadProgress) string {
	switch pr.Phase {
	case types.PhaseProbing:
		return pr.ModelID + ": probing size"
	case types.PhaseValidating:
		return pr.ModelID + ": validating sha256"
	case types.PhaseComplete:
		return fmt.Sprintf("%s: complete (%s)", pr.ModelID, humanize.IBytes(uint64(max(pr.Downloaded, 0))))
	case types.PhaseFailed:
		return pr.ModelID + ": failed"
	}
	total := "?"
	if pr.Total > 0 {
		total = humanize.IBytes(uint64(pr.Total))
	}
	return fmt.Sprintf("%s: %5.1f%% %s / %s at %s/s", pr.ModelID, pr.Percent,
		humanize.IBytes(uint64(max(pr.Downloaded, 0))), total, humanize.IBytes(uint64(max(pr.Speed, 0))))
}
