// Package report renders mirror state for the console. Colors are used only
// when the output is a terminal and NO_COLOR is unset.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// Printer writes human-readable reports to w.
type Printer struct {
	w     io.Writer
	color bool

	title lipgloss.Style
	dim   lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
	head  lipgloss.Style
}

// New returns a Printer that colors output when w is a terminal.
func New(w io.Writer) *Printer {
	color := false
	if f, ok := w.(*os.File); ok && os.Getenv("NO_COLOR") == "" {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return NewWithColor(w, color)
}

// NewWithColor forces color on or off.
func NewWithColor(w io.Writer, color bool) *Printer {
	p := &Printer{w: w, color: color}
	plain := lipgloss.NewStyle()
	p.title, p.dim, p.ok, p.warn, p.bad, p.head = plain, plain, plain, plain, plain, plain
	if color {
		p.title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
		p.dim = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
		p.ok = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
		p.warn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
		p.bad = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		p.head = lipgloss.NewStyle().Bold(true)
	}
	return p
}

// JSON writes v as indented JSON.
func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *Printer) heading(s string) {
	p.printf("%s\n", p.title.Render(s))
}

func (p *Printer) table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		p.printf("%s\n", p.dim.Render("(none)"))
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.head.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	p.printf("%s\n", t.Render())
}

// kv prints aligned key/value lines.
func (p *Printer) kv(pairs ...string) {
	width := 0
	for i := 0; i < len(pairs); i += 2 {
		if len(pairs[i]) > width {
			width = len(pairs[i])
		}
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		p.printf("%s  %s\n", p.dim.Render(fmt.Sprintf("%-*s", width, pairs[i])), pairs[i+1])
	}
}

func (p *Printer) status(s string) string {
	switch s {
	case "PASS", "OK":
		return p.ok.Render(s)
	case "WARN", "SKIP":
		return p.warn.Render(s)
	case "FAIL":
		return p.bad.Render(s)
	}
	return s
}

// short abbreviates long hex values for tables.
func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 8 {
		return s[:n]
	}
	half := (n - 1) / 2
	return s[:half] + "…" + s[len(s)-half:]
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
