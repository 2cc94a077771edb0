// Package ui renders CLI output.
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Printer writes styled lines to one writer.
type Printer struct {
	w io.Writer

	ok     lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	faint  lipgloss.Style
	header lipgloss.Style
}

// New creates a Printer that colors output when w is a terminal that
// accepts color and NO_COLOR is unset.
func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	if termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}
	return newPrinter(w, r)
}

// NewPlain creates a Printer that never emits escape sequences.
func NewPlain(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(termenv.Ascii)
	return newPrinter(w, r)
}

func newPrinter(w io.Writer, r *lipgloss.Renderer) *Printer {
	return &Printer{
		w:      w,
		ok:     r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("3")),
		fail:   r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		faint:  r.NewStyle().Faint(true),
		header: r.NewStyle().Bold(true).Underline(true),
	}
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer {
	return p.w
}

// Success prints a check-marked line.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.ok.Render("✓ "+fmt.Sprintf(format, args...)))
}

// Warn prints a warning line.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.warn.Render("! "+fmt.Sprintf(format, args...)))
}

// Error prints a failure line.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintln(p.w, p.fail.Render("✗ "+fmt.Sprintf(format, args...)))
}

// Info prints an unstyled line.
func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Faint prints a de-emphasized line.
func (p *Printer) Faint(format string, args ...any) {
	fmt.Fprintln(p.w, p.faint.Render(fmt.Sprintf(format, args...)))
}

// KeyValue prints "key: value" with the key padded to width.
func (p *Printer) KeyValue(key string, value any, width int) {
	fmt.Fprintf(p.w, "%s %v\n", p.faint.Render(pad(key+":", width+1)), value)
}

// Table prints rows in aligned columns under a header row.
func (p *Printer) Table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = p.header.Render(h) + strings.Repeat(" ", widths[i]-lipgloss.Width(h))
	}
	fmt.Fprintln(p.w, strings.TrimRight(strings.Join(cells, "  "), " "))

	for _, row := range rows {
		cells = cells[:0]
		for i := range headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			cells = append(cells, pad(cell, widths[i]))
		}
		fmt.Fprintln(p.w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

func pad(s string, width int) string {
	if n := width - lipgloss.Width(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

// Percent formats a 0..1 confidence as a percentage.
func Percent(confidence float64) string {
	return fmt.Sprintf("%.0f%%", confidence*100)
}
