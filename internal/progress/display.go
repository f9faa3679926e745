package progress

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"bulkxfer/internal/failure"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// DefaultSummaryEvery is how many status ticks pass between interim
// failure summaries
const DefaultSummaryEvery = 10

// Display periodically writes the status line of a tracker
type Display struct {
	tracker      *Tracker
	label        string
	out          io.Writer
	interval     time.Duration
	SummaryEvery int

	inPlace     bool
	lastLen     int
	lastSummary int
	stopCh      chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
}

// NewDisplay creates a display. On a terminal the status line is redrawn
// in place, otherwise every update is written as its own line.
func NewDisplay(tracker *Tracker, label string, out io.Writer, interval time.Duration) *Display {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Display{
		tracker:      tracker,
		label:        label,
		out:          out,
		interval:     interval,
		SummaryEvery: DefaultSummaryEvery,
		inPlace:      IsTerminal(out),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start starts the display loop
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop writes the final status line and waits for the loop to exit
func (d *Display) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.done
}

func (d *Display) displayLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ticker.C:
			ticks++
			status := d.tracker.GetStatus()
			d.writeStatus(status, false)
			if d.SummaryEvery > 0 && ticks%d.SummaryEvery == 0 && status.Failed > d.lastSummary {
				d.lastSummary = status.Failed
				d.writeLine("interim failures: " + FailureLine(status))
			}
		case <-d.stopCh:
			status := d.tracker.GetStatus()
			d.writeStatus(status, true)
			if status.Failed > 0 {
				d.writeLine("failures: " + FailureLine(status))
			}
			return
		}
	}
}

func (d *Display) writeStatus(status Status, final bool) {
	line := StatusLine(d.label, status)
	if !d.inPlace {
		fmt.Fprintln(d.out, line)
		return
	}
	pad := ""
	if n := d.lastLen - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprint(d.out, "\r"+line+pad)
	d.lastLen = len(line)
	if final {
		fmt.Fprintln(d.out)
		d.lastLen = 0
	}
}

// writeLine prints a full line below the in-place status line
func (d *Display) writeLine(s string) {
	if d.inPlace && d.lastLen > 0 {
		fmt.Fprintln(d.out)
		d.lastLen = 0
	}
	fmt.Fprintln(d.out, s)
}

// StatusLine renders one status update
func StatusLine(label string, s Status) string {
	eta := FormatDuration(s.ETA)
	if s.Completed >= s.Total {
		eta = "done"
	}
	return fmt.Sprintf("[%s] %d/%d (%.1f%%) ok %d failed %d skipped %d | success %.1f%% | %s %s | elapsed %s | ETA %s",
		label,
		s.Completed, s.Total, s.Percent(),
		s.Succeeded, s.Failed, s.Skipped,
		s.SuccessRate(),
		humanize.IBytes(uint64(s.Bytes)), FormatSpeed(s.Throughput),
		FormatDuration(s.Elapsed),
		eta,
	)
}

// FailureLine renders the failures by category in classification order;
// categories outside that order follow alphabetically.
func FailureLine(s Status) string {
	var parts []string
	seen := make(map[string]bool)
	for _, cat := range failure.Order {
		if n := s.FailuresByCategory[string(cat)]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", cat, n))
		}
		seen[string(cat)] = true
	}
	var rest []string
	for cat, n := range s.FailuresByCategory {
		if !seen[cat] && n > 0 {
			rest = append(rest, cat)
		}
	}
	sort.Strings(rest)
	for _, cat := range rest {
		parts = append(parts, fmt.Sprintf("%s: %d", cat, s.FailuresByCategory[cat]))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

// IsTerminal reports whether w is a terminal
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
