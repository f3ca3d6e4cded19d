package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// report writes command output, styled when it goes to a terminal.
type report struct {
	w      io.Writer
	color  bool
	failed int
}

func newReport(w io.Writer, mode string) *report {
	r := &report{w: w}
	switch mode {
	case "always":
		r.color = true
	case "never":
	default:
		if f, ok := w.(*os.File); ok {
			r.color = term.IsTerminal(int(f.Fd()))
		}
	}
	return r
}

func (r *report) paint(s lipgloss.Style, text string) string {
	if !r.color {
		return text
	}
	return s.Render(text)
}

func (r *report) Title(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if r.color {
		fmt.Fprintf(r.w, "\n%s\n", titleStyle.Render(text))
		return
	}
	fmt.Fprintf(r.w, "\n== %s ==\n", text)
}

func (r *report) Field(label string, value any) {
	fmt.Fprintf(r.w, "  %s %s\n", r.paint(labelStyle, label+":"), r.paint(valueStyle, fmt.Sprint(value)))
}

func (r *report) Line(format string, args ...any) {
	fmt.Fprintf(r.w, "  %s\n", fmt.Sprintf(format, args...))
}

func (r *report) Note(format string, args ...any) {
	fmt.Fprintf(r.w, "  %s\n", r.paint(dimStyle, fmt.Sprintf(format, args...)))
}

// Step records the outcome of one named check.
func (r *report) Step(name string, err error) {
	if err != nil {
		r.failed++
		fmt.Fprintf(r.w, "  %s %s: %v\n", r.paint(errorStyle, "FAIL"), name, err)
		return
	}
	fmt.Fprintf(r.w, "  %s %s\n", r.paint(okStyle, "ok  "), name)
}

// Metrics prints every counter and gauge in g, one line per series.
func (r *report) Metrics(g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	r.Title("metrics")
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			default:
				continue
			}
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			sort.Strings(labels)
			r.Field(fmt.Sprintf("%s{%s}", mf.GetName(), strings.Join(labels, ",")), value)
		}
	}
	return nil
}
