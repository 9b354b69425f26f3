// Package progress reports the advance of an update pass to the user.
package progress

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
)

// Reporter receives fire-and-forget progress updates. Implementations must be
// safe for concurrent use.
type Reporter interface {
	SetProgress(percent int)
	SetStatusText(text string)
}

// Log reports through slog, for headless runs.
type Log struct {
	mu      sync.Mutex
	percent int
	text    string
}

// NewLog returns a reporter that logs each distinct update.
func NewLog() *Log {
	return &Log{}
}

func (l *Log) SetProgress(percent int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if percent == l.percent {
		return
	}
	l.percent = percent
	slog.Debug("progress", "percent", percent)
}

func (l *Log) SetStatusText(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if text == l.text {
		return
	}
	l.text = text
	slog.Info(text, "percent", l.percent)
}

// Discard drops every update.
type Discard struct{}

func (Discard) SetProgress(int)      {}
func (Discard) SetStatusText(string) {}

// Span maps the progress of one step onto the [from, to] slice of the bar.
type Span struct {
	r        Reporter
	from, to int
	label    string
}

// NewSpan reports onto the [from, to] percent slice of r under label.
func NewSpan(r Reporter, from, to int, label string) *Span {
	return &Span{r: r, from: from, to: to, label: label}
}

// Begin shows the label at the start of the slice.
func (s *Span) Begin() {
	s.r.SetStatusText(s.label)
	s.r.SetProgress(s.from)
}

// Fraction moves the bar to f of the way through the slice.
func (s *Span) Fraction(f float64) {
	f = min(max(f, 0), 1)
	s.r.SetProgress(s.from + int(f*float64(s.to-s.from)))
}

// Bytes reports a transfer. A total of zero or less is unknown.
func (s *Span) Bytes(done, total int64) {
	if total <= 0 {
		s.r.SetStatusText(fmt.Sprintf("%s %s", s.label, humanize.Bytes(uint64(max(done, 0)))))
		return
	}
	s.r.SetStatusText(fmt.Sprintf("%s %s / %s", s.label, humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total))))
	s.Fraction(float64(done) / float64(total))
}

// Count reports n of total items done.
func (s *Span) Count(done, total int) {
	s.r.SetStatusText(fmt.Sprintf("%s (%d/%d)", s.label, done, total))
	if total > 0 {
		s.Fraction(float64(done) / float64(total))
	}
}

// End moves the bar to the end of the slice.
func (s *Span) End() {
	s.r.SetProgress(s.to)
}
