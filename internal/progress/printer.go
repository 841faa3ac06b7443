package progress

import (
	"fmt"
	"io"
	"math"
	"sync"
)

// Printer renders carriage-return status lines for an interactive terminal.
type Printer struct {
	mu       sync.Mutex
	w        io.Writer
	estimate bool
}

// NewPrinter writes to w. With estimate set the status line shows percentage
// and ETR; otherwise it shows the three collection sizes.
func NewPrinter(w io.Writer, estimate bool) *Printer {
	if w == nil {
		w = io.Discard
	}
	return &Printer{w: w, estimate: estimate}
}

// Start prints the crawl directory and the loaded collection sizes.
func (p *Printer) Start(dir string, c Counts) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.w, "Saving files in: %s\n", dir)
	_, _ = fmt.Fprintf(p.w, "Current Saved Items: %d\n", c.Saved)
	_, _ = fmt.Fprintf(p.w, "Current Searched Items (not saved): %d\n", c.Searched)
	_, _ = fmt.Fprintf(p.w, "Current Unsearched Items: %d\n", c.Unsearched)
}

// Status rewrites the current status line.
func (p *Printer) Status(m Metrics, c Counts) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reprint(p.Line(m, c), false)
}

// Interrupted reports that state is being persisted after a signal.
func (p *Printer) Interrupted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reprint("Crawl Interrupted. Saving data...", true)
}

// Finish prints the end-of-run block: this run's throughput, then totals.
func (p *Printer) Finish(complete bool, m Metrics, c Counts) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if complete {
		p.reprint("Crawl Complete!", true)
	}
	_, _ = fmt.Fprint(p.w, "\n-Current run-\n")
	_, _ = fmt.Fprintf(p.w, "Runtime: %s, Items Searched: %d, Item Rate: %.1f/s\n",
		FormatDuration(m.CurrentRuntime, true), m.NewItemsThisRun, m.ItemRate)
	_, _ = fmt.Fprint(p.w, "\n-Total-\n")
	p.reprint(p.Line(m, c), true)
}

// Line formats one status line.
func (p *Printer) Line(m Metrics, c Counts) string {
	if !p.estimate {
		return fmt.Sprintf("Time Taken: %s, Saved/Current/Unsearched: %d / %d / %d ",
			FormatDuration(m.TotalRuntime, true), c.Saved, c.Searched, c.Unsearched)
	}
	etr := "unknown"
	if m.ETAKnown {
		etr = FormatDuration(m.ETA, false)
	}
	if m.Advisory {
		etr += " (advisory)"
	}
	return fmt.Sprintf("Time Taken: %s, Progress: %d / %d (%.2f%%), ETR: %s",
		FormatDuration(m.TotalRuntime, true),
		m.TotalProcessed,
		m.TotalKnownItems,
		math.Round(m.PercentComplete*10000)/100,
		etr,
	)
}

func (p *Printer) reprint(message string, newline bool) {
	text := "\r" + message + "\033[K"
	if newline {
		text += "\n"
	}
	_, _ = io.WriteString(p.w, text)
}
