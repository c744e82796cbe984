package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"weibocrawler/pkg/crawler"
)

// Progress renders crawl events as a single updating line per account
type Progress struct {
	mu       sync.Mutex
	w        io.Writer
	start    time.Time
	now      func() time.Time
	account  string
	accounts int
	posts    int
	verbose  bool
}

// NewProgress creates a display writing to w
func NewProgress(w io.Writer, verbose bool) *Progress {
	return &Progress{w: w, start: time.Now(), now: time.Now, verbose: verbose}
}

// Consume renders events until the channel is closed
func (p *Progress) Consume(events <-chan crawler.Event) {
	for ev := range events {
		p.Handle(ev)
	}
}

// Handle renders one event
func (p *Progress) Handle(ev crawler.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Account != p.account && ev.Phase != crawler.PhaseComplete {
		if p.account != "" {
			fmt.Fprintln(p.w)
		}
		p.account = ev.Account
	}

	switch ev.Phase {
	case crawler.PhaseComplete:
		p.accounts++
		p.posts += ev.Fetched
		fmt.Fprintf(p.w, "\r%s\r%s %s • %d posts\n", strings.Repeat(" ", 100), Green("✓"), ev.Account, ev.Fetched)
		p.account = ""
	case crawler.PhasePages:
		p.line(ev, fmt.Sprintf("[%s] page %s", bar(ev.Page, ev.PageCount), pages(ev.Page, ev.PageCount)))
	default:
		p.line(ev, string(ev.Phase))
	}
}

func (p *Progress) line(ev crawler.Event, status string) {
	label := ev.Account
	if ev.Query != "" {
		label += " " + Dim("q="+ev.Query)
	}
	text := fmt.Sprintf("%s %s • %d posts", Cyan(label), status, ev.Fetched)
	if p.verbose {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintf(p.w, "\r%s\r%s", strings.Repeat(" ", 100), text)
}

// Complete prints the run summary
func (p *Progress) Complete() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.account != "" {
		fmt.Fprintln(p.w)
	}
	fmt.Fprintf(p.w, "\n%s %d accounts, %d posts in %s\n",
		Green("✓"), p.accounts, p.posts, formatDuration(p.now().Sub(p.start)))
}

func pages(page, count int) string {
	if count <= 0 {
		return fmt.Sprintf("%d", page)
	}
	return fmt.Sprintf("%d/%d", page, count)
}

func bar(page, count int) string {
	const width = 20
	if count <= 0 {
		return strings.Repeat("─", width)
	}
	filled := page * width / count
	if filled > width {
		filled = width
	}
	return strings.Repeat("━", filled) + strings.Repeat("─", width-filled)
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
