package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
)

const defaultTermWidth = 100

// printer renders command output either as styled text or as JSON.
type printer struct {
	out   io.Writer
	json  bool
	width int

	plain lipgloss.Style
	bold  lipgloss.Style
	key   lipgloss.Style
	dim   lipgloss.Style
	good  lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
	title lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	r := lipgloss.NewRenderer(w, termenv.WithProfile(colorProfile(w)))
	return &printer{
		out:   w,
		json:  jsonOutput,
		width: termWidth(),
		plain: r.NewStyle(),
		bold:  r.NewStyle().Bold(true),
		key:   r.NewStyle().Foreground(lipgloss.Color("6")),
		dim:   r.NewStyle().Faint(true),
		good:  r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("3")),
		bad:   r.NewStyle().Foreground(lipgloss.Color("1")),
		title: r.NewStyle().Bold(true).Underline(true),
	}
}

func colorProfile(w io.Writer) termenv.Profile {
	if shouldDisableColors() {
		return termenv.Ascii
	}
	return termenv.NewOutput(w).EnvColorProfile()
}

func shouldDisableColors() bool {
	// Check NO_COLOR environment variable (https://no-color.org/)
	if os.Getenv("NO_COLOR") != "" {
		return true
	}
	if os.Getenv("TERM") == "dumb" {
		return true
	}

	if runtime.GOOS == "windows" {
		if os.Getenv("WT_SESSION") != "" || os.Getenv("TERM_PROGRAM") != "" {
			return false
		}
		// Older consoles only render ANSI through a shim.
		return os.Getenv("ANSICON") == "" && os.Getenv("ConEmuANSI") != "ON"
	}
	return false
}

func termWidth() int {
	if w := termWidthIoctl(); w > 0 {
		return w
	}
	if w, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && w > 0 {
		return w
	}
	return defaultTermWidth
}

func (p *printer) emitJSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) heading(s string) {
	fmt.Fprintln(p.out, p.title.Render(s))
}

func (p *printer) field(k string, v any) {
	s := fmt.Sprint(v)
	if s == "" {
		s = p.dim.Render("(not set)")
	}
	fmt.Fprintf(p.out, "  %s %s\n", p.key.Render(runewidth.FillRight(k+":", 16)), s)
}

// status colours a run, drift or commitment status.
func (p *printer) status(s string) string {
	switch s {
	case "completed", "active", "resolved", "passed":
		return p.good.Render(s)
	case "interrupted", "queued", "running", "acknowledged", "waived", "warning":
		return p.warn.Render(s)
	case "failed", "cancelled", "open", "blocked", "error", "critical", "high":
		return p.bad.Render(s)
	default:
		return s
	}
}

// table prints rows under a header. The last column is truncated to the
// terminal width.
func (p *printer) table(header []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(p.out, p.dim.Render("(none)"))
		return
	}
	n := len(header)
	widths := make([]int, n)
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i := 0; i < n && i < len(row); i++ {
			widths[i] = max(widths[i], runewidth.StringWidth(row[i]))
		}
	}
	used := 0
	for _, w := range widths[:n-1] {
		used += w + 2
	}
	if room := p.width - used; room >= 12 && widths[n-1] > room {
		widths[n-1] = room
	}

	line := func(cells []string, style lipgloss.Style) {
		var b strings.Builder
		for i := 0; i < n; i++ {
			var c string
			if i < len(cells) {
				c = runewidth.Truncate(cells[i], widths[i], "…")
			}
			if i < n-1 {
				c = runewidth.FillRight(c, widths[i]) + "  "
			}
			b.WriteString(c)
		}
		fmt.Fprintln(p.out, style.Render(strings.TrimRight(b.String(), " ")))
	}
	line(header, p.bold)
	for _, row := range rows {
		line(row, p.plain)
	}
}
